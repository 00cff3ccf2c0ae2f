package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dushixiang/lynx/internal/protocol"
)

// 探针上行的四类数据帧在这里统一归一成 MetricSnapshot，
// 系统内部（注册表、存储、订阅推送）只流转这一种形态。

// normalizeSnapshot 解析完整指标帧。
// 探针身份以会话为准，载荷里自带的 agentId 一律不信。
func normalizeSnapshot(agentID string, data json.RawMessage) (*protocol.MetricSnapshot, error) {
	var snap protocol.MetricSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("解析指标快照失败: %w", err)
	}
	if snap.CPU == nil && snap.Memory == nil && len(snap.Disks) == 0 &&
		len(snap.Networks) == 0 && len(snap.GPUs) == 0 && snap.Host == nil {
		return nil, fmt.Errorf("空的指标快照")
	}
	snap.AgentID = agentID
	if snap.Timestamp <= 0 {
		snap.Timestamp = time.Now().UnixMilli()
	}
	return &snap, nil
}

// mergeRealtime 把高频 CPU/内存采样合并进最近一次快照。
// base 为 nil 时（还没收到过完整快照）生成只含高频字段的快照。
func mergeRealtime(agentID string, base *protocol.MetricSnapshot, rt *protocol.RealtimeData) *protocol.MetricSnapshot {
	snap := base.Clone()
	if snap == nil {
		snap = &protocol.MetricSnapshot{}
	}
	snap.AgentID = agentID
	if rt.Timestamp > 0 {
		snap.Timestamp = rt.Timestamp
	} else {
		snap.Timestamp = time.Now().UnixMilli()
	}
	if snap.CPU == nil {
		snap.CPU = &protocol.CPUData{}
	}
	snap.CPU.UsagePercent = rt.CPUUsagePercent
	if snap.Memory == nil {
		snap.Memory = &protocol.MemoryData{}
	}
	snap.Memory.UsagePercent = rt.MemoryUsagePercent
	if rt.MemoryUsed > 0 {
		snap.Memory.Used = rt.MemoryUsed
	}
	return snap
}

// mergeHostInfo 把低频帧（系统信息、磁盘清单、登录会话数）合并进最近一次快照。
// 系统信息与磁盘清单没带时保留旧值，登录会话数以本帧为准。
func mergeHostInfo(agentID string, base *protocol.MetricSnapshot, payload *protocol.HostInfoPayload) *protocol.MetricSnapshot {
	snap := base.Clone()
	if snap == nil {
		snap = &protocol.MetricSnapshot{}
	}
	snap.AgentID = agentID
	snap.Timestamp = time.Now().UnixMilli()
	if payload.Host != nil {
		host := *payload.Host
		snap.Host = &host
	}
	if payload.Disks != nil {
		snap.Disks = append([]protocol.DiskData(nil), payload.Disks...)
	}
	snap.Sessions = payload.Sessions
	return snap
}
