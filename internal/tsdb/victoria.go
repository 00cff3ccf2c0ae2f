package tsdb

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/dushixiang/lynx/internal/errs"
	"github.com/dushixiang/lynx/internal/protocol"
	"github.com/dushixiang/lynx/internal/vmclient"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// 时间序列指标名，标签统一带 agent_id
const (
	metricCPUUsage     = "lynx_cpu_usage_percent"
	metricMemoryUsage  = "lynx_memory_usage_percent"
	metricMemoryUsed   = "lynx_memory_used_bytes"
	metricMemoryTotal  = "lynx_memory_total_bytes"
	metricDiskUsage    = "lynx_disk_usage_percent"
	metricNetSentRate  = "lynx_network_sent_bytes_rate"
	metricNetRecvRate  = "lynx_network_recv_bytes_rate"
	metricNetSentTotal = "lynx_network_sent_bytes_total"
	metricNetRecvTotal = "lynx_network_recv_bytes_total"
	metricGPUUtil      = "lynx_gpu_utilization_percent"
	metricSessions     = "lynx_sessions_count"
)

// VictoriaStore 列式时序后端。快照按指标族拆成独立序列并行写入，
// 某个族写入失败不影响其余族。
type VictoriaStore struct {
	logger *zap.Logger
	client *vmclient.Client
}

func NewVictoriaStore(logger *zap.Logger, client *vmclient.Client) *VictoriaStore {
	return &VictoriaStore{logger: logger, client: client}
}

func (s *VictoriaStore) Write(ctx context.Context, snap *protocol.MetricSnapshot) error {
	if snap == nil || snap.AgentID == "" {
		return nil
	}
	families := buildFamilies(snap)
	if len(families) == 0 {
		return nil
	}

	var succeeded atomic.Int32
	p := pool.New().WithErrors()
	for family, metrics := range families {
		p.Go(func() error {
			if err := s.client.Write(ctx, metrics); err != nil {
				return fmt.Errorf("%s: %w", family, err)
			}
			succeeded.Add(1)
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		if succeeded.Load() == 0 {
			return errs.Storage("写入 VictoriaMetrics 失败", err)
		}
		// 部分指标族失败不阻塞其余数据
		s.logger.Warn("部分指标族写入失败",
			zap.String("agentId", snap.AgentID),
			zap.Error(err))
	}
	return nil
}

// buildFamilies 把快照按指标族拆成序列
func buildFamilies(snap *protocol.MetricSnapshot) map[string][]vmclient.Metric {
	ts := []int64{snap.Timestamp}
	point := func(name string, value float64, extra map[string]string) vmclient.Metric {
		labels := map[string]string{"__name__": name, "agent_id": snap.AgentID}
		for k, v := range extra {
			labels[k] = v
		}
		return vmclient.Metric{Metric: labels, Values: []float64{value}, Timestamps: ts}
	}

	families := make(map[string][]vmclient.Metric)
	if snap.CPU != nil {
		families["cpu"] = []vmclient.Metric{point(metricCPUUsage, snap.CPU.UsagePercent, nil)}
	}
	if snap.Memory != nil {
		families["memory"] = []vmclient.Metric{
			point(metricMemoryUsage, snap.Memory.UsagePercent, nil),
			point(metricMemoryUsed, float64(snap.Memory.Used), nil),
			point(metricMemoryTotal, float64(snap.Memory.Total), nil),
		}
	}
	if len(snap.Disks) > 0 {
		metrics := make([]vmclient.Metric, 0, len(snap.Disks)+1)
		var total, used uint64
		for _, d := range snap.Disks {
			metrics = append(metrics, point(metricDiskUsage, d.UsagePercent,
				map[string]string{"mount_point": d.MountPoint}))
			total += d.Total
			used += d.Used
		}
		if total > 0 {
			// mount_point 为空串的序列是全盘汇总
			metrics = append(metrics, point(metricDiskUsage, float64(used)/float64(total)*100,
				map[string]string{"mount_point": ""}))
		}
		families["disk"] = metrics
	}
	if len(snap.Networks) > 0 {
		metrics := make([]vmclient.Metric, 0, len(snap.Networks)*4+2)
		var sentRate, recvRate uint64
		for _, n := range snap.Networks {
			labels := map[string]string{"interface": n.Interface}
			metrics = append(metrics,
				point(metricNetSentRate, float64(n.BytesSentRate), labels),
				point(metricNetRecvRate, float64(n.BytesRecvRate), labels),
				point(metricNetSentTotal, float64(n.BytesSentTotal), labels),
				point(metricNetRecvTotal, float64(n.BytesRecvTotal), labels))
			sentRate += n.BytesSentRate
			recvRate += n.BytesRecvRate
		}
		// interface 为空串的序列是全机汇总
		all := map[string]string{"interface": ""}
		metrics = append(metrics,
			point(metricNetSentRate, float64(sentRate), all),
			point(metricNetRecvRate, float64(recvRate), all))
		families["network"] = metrics
	}
	if len(snap.GPUs) > 0 {
		metrics := make([]vmclient.Metric, 0, len(snap.GPUs))
		for _, g := range snap.GPUs {
			metrics = append(metrics, point(metricGPUUtil, g.Utilization,
				map[string]string{"gpu": strconv.Itoa(g.Index)}))
		}
		families["gpu"] = metrics
	}
	if snap.Sessions > 0 {
		families["sessions"] = []vmclient.Metric{point(metricSessions, float64(snap.Sessions), nil)}
	}
	return families
}

// snapshotQueries 重建快照所需的查询集，selector 形如 {agent_id="x"}，可为空
func snapshotQueries(selector string) map[string]string {
	return map[string]string{
		"cpu":        metricCPUUsage + selector,
		"memPercent": metricMemoryUsage + selector,
		"memUsed":    metricMemoryUsed + selector,
		"memTotal":   metricMemoryTotal + selector,
		"sessions":   metricSessions + selector,
	}
}

func (s *VictoriaStore) queryFamilies(ctx context.Context, selector string, params QueryParams) (map[string][]vmclient.DataPoint, error) {
	start, end := timeRange(params)

	var mu sync.Mutex
	results := make(map[string][]vmclient.DataPoint)

	p := pool.New().WithErrors()
	for family, query := range snapshotQueries(selector) {
		p.Go(func() error {
			res, err := s.client.QueryRange(ctx, query, start, end, 0)
			if err != nil {
				return fmt.Errorf("%s: %w", family, err)
			}
			mu.Lock()
			results[family] = vmclient.DataPoints(res)
			mu.Unlock()
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, errs.Storage("查询 VictoriaMetrics 失败", err)
	}
	return results, nil
}

func (s *VictoriaStore) Query(ctx context.Context, agentID string, params QueryParams) ([]*protocol.MetricSnapshot, error) {
	selector := fmt.Sprintf(`{agent_id=%q}`, agentID)
	results, err := s.queryFamilies(ctx, selector, params)
	if err != nil {
		return nil, err
	}

	byTS := make(map[int64]*protocol.MetricSnapshot)
	for family, points := range results {
		for _, pt := range points {
			mergePoint(snapshotAt(byTS, agentID, pt.Timestamp), family, pt.Value)
		}
	}
	return sortedSnapshots(byTS, params.Limit), nil
}

func (s *VictoriaStore) QueryAll(ctx context.Context, params QueryParams) (map[string][]*protocol.MetricSnapshot, error) {
	results, err := s.queryFamilies(ctx, "", params)
	if err != nil {
		return nil, err
	}

	perAgent := make(map[string]map[int64]*protocol.MetricSnapshot)
	for family, points := range results {
		for _, pt := range points {
			agentID := pt.Labels["agent_id"]
			if agentID == "" {
				continue
			}
			byTS, ok := perAgent[agentID]
			if !ok {
				byTS = make(map[int64]*protocol.MetricSnapshot)
				perAgent[agentID] = byTS
			}
			mergePoint(snapshotAt(byTS, agentID, pt.Timestamp), family, pt.Value)
		}
	}

	out := make(map[string][]*protocol.MetricSnapshot, len(perAgent))
	for agentID, byTS := range perAgent {
		out[agentID] = sortedSnapshots(byTS, params.Limit)
	}
	return out, nil
}

func snapshotAt(byTS map[int64]*protocol.MetricSnapshot, agentID string, ts int64) *protocol.MetricSnapshot {
	snap, ok := byTS[ts]
	if !ok {
		snap = &protocol.MetricSnapshot{AgentID: agentID, Timestamp: ts}
		byTS[ts] = snap
	}
	return snap
}

func mergePoint(snap *protocol.MetricSnapshot, family string, value float64) {
	switch family {
	case "cpu":
		snap.CPU = &protocol.CPUData{UsagePercent: value}
	case "memPercent":
		ensureMemory(snap).UsagePercent = value
	case "memUsed":
		ensureMemory(snap).Used = uint64(value)
	case "memTotal":
		ensureMemory(snap).Total = uint64(value)
	case "sessions":
		snap.Sessions = int(value)
	}
}

func ensureMemory(snap *protocol.MetricSnapshot) *protocol.MemoryData {
	if snap.Memory == nil {
		snap.Memory = &protocol.MemoryData{}
	}
	return snap.Memory
}

func sortedSnapshots(byTS map[int64]*protocol.MetricSnapshot, limit int) []*protocol.MetricSnapshot {
	snaps := make([]*protocol.MetricSnapshot, 0, len(byTS))
	for _, snap := range byTS {
		snaps = append(snaps, snap)
	}
	slices.SortFunc(snaps, func(a, b *protocol.MetricSnapshot) int {
		return cmp.Compare(a.Timestamp, b.Timestamp)
	})
	return clampRecent(snaps, limit)
}

// Delete 不主动删除时间序列，依赖 VictoriaMetrics 的保留期自动过期
func (s *VictoriaStore) Delete(_ context.Context, agentID string) error {
	s.logger.Debug("victoria 后端按保留期过期，跳过按探针删除", zap.String("agentId", agentID))
	return nil
}

func (s *VictoriaStore) Close() error {
	return nil
}
