package service

import (
	"context"

	"github.com/dushixiang/lynx/internal/errs"
	"github.com/dushixiang/lynx/internal/models"
	"github.com/dushixiang/lynx/internal/protocol"
	"github.com/dushixiang/lynx/internal/registry"
	"github.com/dushixiang/lynx/internal/tsdb"
	"go.uber.org/zap"
)

// MetricService 指标读写门面。
// 写入走存储引擎（内存缓存加持久后端），最新值读注册目录，历史读存储引擎，
// 所有按用户的读取都先过权限解析。
type MetricService struct {
	logger            *zap.Logger
	engine            *tsdb.Engine
	registry          *registry.Registry
	permissionService *PermissionService
}

func NewMetricService(logger *zap.Logger, engine *tsdb.Engine, reg *registry.Registry, permissionService *PermissionService) *MetricService {
	return &MetricService{
		logger:            logger,
		engine:            engine,
		registry:          reg,
		permissionService: permissionService,
	}
}

// Ingest 持久化一条快照。尽力而为：失败进入降级模式，不影响采集链路。
func (s *MetricService) Ingest(ctx context.Context, snap *protocol.MetricSnapshot) error {
	return s.engine.Write(ctx, snap)
}

// Latest 单探针最新快照。在线探针读目录缓存，离线探针回落到存储中的最后一个点。
func (s *MetricService) Latest(ctx context.Context, userID, agentID string) (*protocol.MetricSnapshot, error) {
	if err := s.permissionService.Require(ctx, userID, agentID, models.LevelReadOnly); err != nil {
		return nil, err
	}
	if snap, ok := s.registry.Latest(agentID); ok {
		return snap, nil
	}

	snaps, err := s.engine.Query(ctx, agentID, tsdb.QueryParams{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, errs.NotFound("暂无指标数据")
	}
	return snaps[len(snaps)-1], nil
}

// AllLatest 用户可见探针的最新快照
func (s *MetricService) AllLatest(ctx context.Context, userID string) (map[string]*protocol.MetricSnapshot, error) {
	ids, all, err := s.permissionService.VisibleAgentIds(ctx, userID)
	if err != nil {
		return nil, err
	}
	latest := s.registry.AllLatest()
	if all {
		return latest, nil
	}

	visible := make(map[string]*protocol.MetricSnapshot, len(ids))
	for _, id := range ids {
		if snap, ok := latest[id]; ok {
			visible[id] = snap
		}
	}
	return visible, nil
}

// History 单探针历史，[start, end] 闭区间，limit 截取最近的点
func (s *MetricService) History(ctx context.Context, userID, agentID string, start, end int64, limit int) ([]*protocol.MetricSnapshot, error) {
	if err := s.permissionService.Require(ctx, userID, agentID, models.LevelReadOnly); err != nil {
		return nil, err
	}
	return s.engine.Query(ctx, agentID, tsdb.QueryParams{Start: start, End: end, Limit: limit})
}

// HistoryAll 用户可见探针的历史，按探针分组
func (s *MetricService) HistoryAll(ctx context.Context, userID string, start, end int64, limit int) (map[string][]*protocol.MetricSnapshot, error) {
	ids, all, err := s.permissionService.VisibleAgentIds(ctx, userID)
	if err != nil {
		return nil, err
	}
	result, err := s.engine.QueryAll(ctx, tsdb.QueryParams{Start: start, End: end, Limit: limit})
	if err != nil {
		return nil, err
	}
	if all {
		return result, nil
	}

	visible := make(map[string][]*protocol.MetricSnapshot, len(ids))
	for _, id := range ids {
		if snaps, ok := result[id]; ok {
			visible[id] = snaps
		}
	}
	return visible, nil
}

// Summary 集群概览，普通用户只统计可见探针
func (s *MetricService) Summary(ctx context.Context, userID string) (registry.Summary, error) {
	ids, all, err := s.permissionService.VisibleAgentIds(ctx, userID)
	if err != nil {
		return registry.Summary{}, err
	}
	if all {
		return s.registry.Summary(), nil
	}
	return s.registry.SummaryOf(ids), nil
}

// DeleteAgentMetrics 清除探针的历史指标
func (s *MetricService) DeleteAgentMetrics(ctx context.Context, agentID string) error {
	return s.engine.Delete(ctx, agentID)
}

// Degraded 持久后端是否处于降级模式
func (s *MetricService) Degraded() bool {
	return s.engine.Degraded()
}

// SpoolPending 降级暂存中等待重放的快照数
func (s *MetricService) SpoolPending() int {
	return s.engine.SpoolPending()
}

// Maintain 驱动汇总与保留期清理，由周期任务调用
func (s *MetricService) Maintain(ctx context.Context) error {
	return s.engine.Maintain(ctx)
}

// StorageHealth 存储侧健康摘要，进管理端统计接口
type StorageHealth struct {
	Degraded     bool               `json:"degraded"`     // 持久后端是否降级
	SpoolPending int                `json:"spoolPending"` // 暂存积压数
	Rollup       *tsdb.RollupReport `json:"rollup,omitempty"` // 汇总对账结果，后端不支持时为空
}

// StorageStatus 汇总存储健康状态。对账失败不阻塞统计接口，只降级为无对账结果。
func (s *MetricService) StorageStatus(ctx context.Context) StorageHealth {
	health := StorageHealth{
		Degraded:     s.engine.Degraded(),
		SpoolPending: s.engine.SpoolPending(),
	}
	report, ok, err := s.engine.CheckRollups(ctx)
	if err != nil {
		s.logger.Warn("汇总对账失败", zap.Error(err))
		return health
	}
	if ok {
		health.Rollup = &report
	}
	return health
}
