package registry

import (
	"time"

	"github.com/dushixiang/lynx/internal/protocol"
	"github.com/go-orz/toolkit/syncx"
	"go.uber.org/zap"
)

// Agent 在线探针的实时视图，与数据库中的目录记录相互独立
type Agent struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Hostname    string `json:"hostname"`
	OS          string `json:"os"`
	Arch        string `json:"arch"`
	Version     string `json:"version"`
	Transport   string `json:"transport"`   // websocket / grpc
	IP          string `json:"ip,omitempty"`
	ConnectedAt int64  `json:"connectedAt"` // 连接建立时间（时间戳毫秒）
	LastSeenAt  int64  `json:"lastSeenAt"`  // 最后收到任意帧的时间（时间戳毫秒）
}

// Summary 集群概览
type Summary struct {
	ConnectedAgents int     `json:"connectedAgents"` // 在线探针数
	AvgCPUUsage     float64 `json:"avgCpuUsage"`     // 平均CPU使用率(%)
	MemoryPercent   float64 `json:"memoryPercent"`   // 平均内存使用率(%)
}

// Registry 在线探针目录与最新快照缓存。
// 连接存活状态以这里为准；持久化写入滞后或失败时，查询端依然能看到当前状态。
// 探针表与快照表各自读写锁保护，互不相关的探针之间不会互相排队。
type Registry struct {
	logger    *zap.Logger
	agents    *syncx.SafeMap[string, *Agent]
	snapshots *syncx.SafeMap[string, *protocol.MetricSnapshot]
}

func New(logger *zap.Logger) *Registry {
	return &Registry{
		logger:    logger,
		agents:    syncx.NewSafeMap[string, *Agent](),
		snapshots: syncx.NewSafeMap[string, *protocol.MetricSnapshot](),
	}
}

// Register 登记上线探针，重复登记（重连）直接覆盖
func (r *Registry) Register(agent *Agent) {
	if agent == nil || agent.ID == "" {
		return
	}
	if agent.ConnectedAt == 0 {
		agent.ConnectedAt = time.Now().UnixMilli()
	}
	if agent.LastSeenAt == 0 {
		agent.LastSeenAt = agent.ConnectedAt
	}
	r.agents.Set(agent.ID, agent)
}

// Unregister 摘除探针及其快照，未知ID为幂等空操作。
// 返回是否真的在线，调用方据此决定是否广播离线事件，保证每次离线只有一条。
func (r *Registry) Unregister(agentID string) bool {
	_, ok := r.agents.Get(agentID)
	if !ok {
		return false
	}
	r.agents.Delete(agentID)
	r.snapshots.Delete(agentID)
	return true
}

// Touch 心跳，只刷新最后活跃时间
func (r *Registry) Touch(agentID string, ts int64) {
	agent, ok := r.agents.Get(agentID)
	if !ok {
		return
	}
	updated := *agent
	updated.LastSeenAt = ts
	r.agents.Set(agentID, &updated)
}

// UpdateSnapshot 更新最新快照缓存，同时视作一次心跳
func (r *Registry) UpdateSnapshot(snap *protocol.MetricSnapshot) {
	if snap == nil || snap.AgentID == "" {
		return
	}
	r.snapshots.Set(snap.AgentID, snap.Clone())
	r.Touch(snap.AgentID, snap.Timestamp)
}

// Get 查询单个在线探针
func (r *Registry) Get(agentID string) (*Agent, bool) {
	return r.agents.Get(agentID)
}

// Agents 当前在线探针列表
func (r *Registry) Agents() []*Agent {
	out := make([]*Agent, 0, r.agents.Len())
	for agent := range r.agents.Values() {
		out = append(out, agent)
	}
	return out
}

// Latest 单探针最新快照
func (r *Registry) Latest(agentID string) (*protocol.MetricSnapshot, bool) {
	return r.snapshots.Get(agentID)
}

// AllLatest 所有在线探针的最新快照
func (r *Registry) AllLatest() map[string]*protocol.MetricSnapshot {
	out := make(map[string]*protocol.MetricSnapshot, r.snapshots.Len())
	for snap := range r.snapshots.Values() {
		out[snap.AgentID] = snap
	}
	return out
}

// Count 在线探针数
func (r *Registry) Count() int {
	return r.agents.Len()
}

// Summary 集群概览。尚无快照的探针计入总数但不参与均值。
func (r *Registry) Summary() Summary {
	return r.summarize(nil)
}

// SummaryOf 指定探针子集的概览，ids 之外的探针不参与统计
func (r *Registry) SummaryOf(ids []string) Summary {
	include := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		include[id] = struct{}{}
	}
	return r.summarize(include)
}

func (r *Registry) summarize(include map[string]struct{}) Summary {
	var summary Summary
	for agent := range r.agents.Values() {
		if include != nil {
			if _, ok := include[agent.ID]; !ok {
				continue
			}
		}
		summary.ConnectedAgents++
	}

	var cpuSum, memSum float64
	var cpuCount, memCount int
	for snap := range r.snapshots.Values() {
		if include != nil {
			if _, ok := include[snap.AgentID]; !ok {
				continue
			}
		}
		if snap.CPU != nil {
			cpuSum += snap.CPU.UsagePercent
			cpuCount++
		}
		if snap.Memory != nil {
			percent := snap.Memory.UsagePercent
			if percent == 0 && snap.Memory.Total > 0 {
				percent = float64(snap.Memory.Used) / float64(snap.Memory.Total) * 100
			}
			memSum += percent
			memCount++
		}
	}
	if cpuCount > 0 {
		summary.AvgCPUUsage = cpuSum / float64(cpuCount)
	}
	if memCount > 0 {
		summary.MemoryPercent = memSum / float64(memCount)
	}
	return summary
}

// Sweep 摘除超过 maxAge 没有任何活动的探针，返回被摘除的ID。
// 只由周期任务调用，写入路径不承担存活扫描成本。
func (r *Registry) Sweep(maxAge time.Duration) []string {
	deadline := time.Now().Add(-maxAge).UnixMilli()

	var stale []string
	for agent := range r.agents.Values() {
		if agent.LastSeenAt < deadline {
			stale = append(stale, agent.ID)
		}
	}
	for _, id := range stale {
		r.agents.Delete(id)
		r.snapshots.Delete(id)
		r.logger.Warn("探针心跳超时，已从在线目录摘除", zap.String("agentId", id))
	}
	return stale
}
