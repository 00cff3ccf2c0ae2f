package tsdb

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dushixiang/lynx/internal/protocol"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

// Engine 存储门面。每次写入同时进入内存环与持久后端；持久后端故障时进入
// 降级模式：新数据暂存磁盘，查询回退内存环，后台按退避节奏探测恢复并重放。
// 后端本身就是内存环时没有第二份存储，也不存在降级。
type Engine struct {
	logger         *zap.Logger
	backend        Store
	cache          *MemoryStore
	spool          *Spool
	backendIsCache bool
	degraded       atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
}

func NewEngine(logger *zap.Logger, backend Store, cacheSize int, spool *Spool) *Engine {
	e := &Engine{
		logger:  logger,
		backend: backend,
		cache:   NewMemoryStore(cacheSize),
		spool:   spool,
		done:    make(chan struct{}),
	}
	if m, ok := backend.(*MemoryStore); ok {
		e.cache = m
		e.backendIsCache = true
		e.spool = nil
	}
	if e.spool != nil {
		go e.flushLoop()
	}
	return e
}

// Write 尽力而为：内存环必定更新，持久后端失败时暂存，不向上冒错，
// 单个探针的失败不影响其他探针
func (e *Engine) Write(ctx context.Context, snap *protocol.MetricSnapshot) error {
	_ = e.cache.Write(ctx, snap)
	if e.backendIsCache {
		return nil
	}

	if err := e.backend.Write(ctx, snap); err != nil {
		if e.degraded.CompareAndSwap(false, true) {
			e.logger.Warn("持久后端写入失败，进入降级模式", zap.Error(err))
		}
		if e.spool != nil {
			if spoolErr := e.spool.Append(snap); spoolErr != nil {
				e.logger.Error("暂存写入失败，数据点丢弃",
					zap.String("agentId", snap.AgentID),
					zap.Error(spoolErr))
			}
		}
	}
	return nil
}

func (e *Engine) Query(ctx context.Context, agentID string, params QueryParams) ([]*protocol.MetricSnapshot, error) {
	if e.backendIsCache {
		return e.cache.Query(ctx, agentID, params)
	}

	snaps, err := e.backend.Query(ctx, agentID, params)
	if err == nil {
		return snaps, nil
	}

	e.logger.Warn("后端查询失败，回退内存缓存",
		zap.String("agentId", agentID),
		zap.Error(err))
	cached, cacheErr := e.cache.Query(ctx, agentID, params)
	if cacheErr == nil && len(cached) > 0 {
		return cached, nil
	}
	return nil, err
}

func (e *Engine) QueryAll(ctx context.Context, params QueryParams) (map[string][]*protocol.MetricSnapshot, error) {
	if e.backendIsCache {
		return e.cache.QueryAll(ctx, params)
	}

	all, err := e.backend.QueryAll(ctx, params)
	if err == nil {
		return all, nil
	}

	e.logger.Warn("后端查询失败，回退内存缓存", zap.Error(err))
	cached, cacheErr := e.cache.QueryAll(ctx, params)
	if cacheErr == nil && len(cached) > 0 {
		return cached, nil
	}
	return nil, err
}

func (e *Engine) Delete(ctx context.Context, agentID string) error {
	_ = e.cache.Delete(ctx, agentID)
	if e.backendIsCache {
		return nil
	}
	return e.backend.Delete(ctx, agentID)
}

// Degraded 持久后端当前是否不可用
func (e *Engine) Degraded() bool {
	return e.degraded.Load()
}

// SpoolPending 暂存积压数，未启用暂存时恒为 0
func (e *Engine) SpoolPending() int {
	if e.spool == nil {
		return 0
	}
	n, err := e.spool.Pending()
	if err != nil {
		e.logger.Warn("查询暂存积压失败", zap.Error(err))
		return 0
	}
	return n
}

// CheckRollups 汇总完整性对账，后端不支持对账时 ok 为 false
func (e *Engine) CheckRollups(ctx context.Context) (RollupReport, bool, error) {
	r, ok := e.backend.(Reconciler)
	if !ok {
		return RollupReport{}, false, nil
	}
	report, err := r.CheckRollups(ctx)
	if err != nil {
		return RollupReport{}, true, err
	}
	return report, true, nil
}

// Maintain 推进汇总并应用保留期，后端不支持维护时为空操作
func (e *Engine) Maintain(ctx context.Context) error {
	m, ok := e.backend.(Maintainer)
	if !ok {
		return nil
	}
	if _, err := m.RollupHourly(ctx); err != nil {
		return err
	}
	if _, err := m.RollupDaily(ctx); err != nil {
		return err
	}
	return m.ApplyRetention(ctx)
}

func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
	})
	return e.backend.Close()
}

// flushLoop 周期重放暂存。失败时按指数退避拉大间隔，成功后恢复基准间隔
func (e *Engine) flushLoop() {
	b := &backoff.Backoff{
		Min:    5 * time.Second,
		Max:    5 * time.Minute,
		Factor: 2,
		Jitter: true,
	}
	for {
		select {
		case <-e.done:
			return
		case <-time.After(b.Duration()):
		}

		sent, err := e.spool.Flush(func(snap *protocol.MetricSnapshot) error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return e.backend.Write(ctx, snap)
		})
		if err != nil {
			e.degraded.Store(true)
			continue
		}

		if sent > 0 {
			e.logger.Info("暂存重放完成", zap.Int("sent", sent))
		}
		if e.degraded.CompareAndSwap(true, false) {
			e.logger.Info("持久后端恢复，退出降级模式")
		}
		b.Reset()
	}
}
