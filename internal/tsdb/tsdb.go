package tsdb

import (
	"context"
	"fmt"
	"time"

	"github.com/dushixiang/lynx/internal/config"
	"github.com/dushixiang/lynx/internal/protocol"
	"github.com/dushixiang/lynx/internal/vmclient"
	"go.uber.org/zap"
)

// 指标后端类型
const (
	BackendMemory    = "memory"
	BackendVictoria  = "victoria"
	BackendTimescale = "timescale"
)

// QueryParams 时序查询参数
type QueryParams struct {
	Start int64 // 开始时间（毫秒，含端点）
	End   int64 // 结束时间（毫秒，含端点），0 表示不设上界
	Limit int   // 最多返回最近 N 个点，0 表示不限制；返回值始终按时间升序
}

// Store 时序存储统一契约，三种后端实现同一套接口，调用方不感知差异
type Store interface {
	// Write 写入一条快照，幂等：同一 (agentId, timestamp) 重复投递结果一致
	Write(ctx context.Context, snap *protocol.MetricSnapshot) error
	// Query 查询单探针历史
	Query(ctx context.Context, agentID string, params QueryParams) ([]*protocol.MetricSnapshot, error)
	// QueryAll 查询全部探针历史，按探针分组
	QueryAll(ctx context.Context, params QueryParams) (map[string][]*protocol.MetricSnapshot, error)
	// Delete 清除指定探针的数据，后端不支持按序列删除时为空操作
	Delete(ctx context.Context, agentID string) error
	Close() error
}

// Maintainer 支持汇总与保留期维护的后端实现该接口，由周期任务驱动
type Maintainer interface {
	// RollupHourly 聚合已完结的小时桶，返回新增行数
	RollupHourly(ctx context.Context) (int64, error)
	// RollupDaily 聚合已完结的天桶，返回新增行数
	RollupDaily(ctx context.Context) (int64, error)
	// ApplyRetention 删除超过保留期的原始分区并修剪过老的汇总行
	ApplyRetention(ctx context.Context) error
}

// RollupReport 汇总完整性对账结果。晚到的数据不会改写既有汇总，
// 由此产生的缺口和点数偏差靠对账暴露。
type RollupReport struct {
	CheckedBuckets    int64 `json:"checkedBuckets"`    // 参与对账的 (桶, 探针) 组合数
	MissingBuckets    int64 `json:"missingBuckets"`    // 原始数据存在但汇总缺失
	MismatchedBuckets int64 `json:"mismatchedBuckets"` // 汇总点数与原始行数不一致
	CheckedAt         int64 `json:"checkedAt"`         // 对账时间（毫秒）
}

// Consistent 没有缺失也没有偏差
func (r RollupReport) Consistent() bool {
	return r.MissingBuckets == 0 && r.MismatchedBuckets == 0
}

// Reconciler 支持汇总对账的后端实现该接口
type Reconciler interface {
	// CheckRollups 对最近已完结的小时桶做点数对账
	CheckRollups(ctx context.Context) (RollupReport, error)
}

// timeRange 把查询参数换算成闭区间 [from, to]，End 为 0 时上界取当前时间
func timeRange(params QueryParams) (from, to time.Time) {
	from = time.UnixMilli(params.Start).UTC()
	if params.End > 0 {
		to = time.UnixMilli(params.End).UTC()
	} else {
		to = time.Now().UTC()
	}
	return from, to
}

// clampRecent 保留最近的 limit 个点，入参与返回值都按时间升序
func clampRecent(snaps []*protocol.MetricSnapshot, limit int) []*protocol.MetricSnapshot {
	if limit > 0 && len(snaps) > limit {
		return snaps[len(snaps)-limit:]
	}
	return snaps
}

// New 按配置选择后端，调用方只依赖 Store 接口
func New(ctx context.Context, cfg config.AppConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Metrics.Backend {
	case "", BackendMemory:
		return NewMemoryStore(cfg.Metrics.CacheSize), nil

	case BackendVictoria:
		vm := cfg.VictoriaMetrics
		if vm == nil || !vm.Enabled || vm.URL == "" {
			return nil, fmt.Errorf("指标后端为 victoria 但缺少 victoriaMetrics 配置")
		}
		client := vmclient.NewClient(vm.URL,
			time.Duration(vm.WriteTimeout)*time.Second,
			time.Duration(vm.QueryTimeout)*time.Second)
		return NewVictoriaStore(logger, client), nil

	case BackendTimescale:
		ts := cfg.Timescale
		if ts == nil || !ts.Enabled || ts.DSN == "" {
			return nil, fmt.Errorf("指标后端为 timescale 但缺少 timescale 配置")
		}
		return NewTimescaleStore(ctx, logger, ts.DSN, cfg.Metrics.RetentionDays)

	default:
		return nil, fmt.Errorf("未知的指标后端: %s", cfg.Metrics.Backend)
	}
}
