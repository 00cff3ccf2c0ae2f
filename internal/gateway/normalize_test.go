package gateway

import (
	"encoding/json"
	"testing"

	"github.com/dushixiang/lynx/internal/protocol"
)

func TestNormalizeSnapshotTrustsSessionIdentity(t *testing.T) {
	t.Parallel()
	// 载荷里伪造了别的探针 ID，归一化后必须以会话身份为准
	data, _ := json.Marshal(protocol.MetricSnapshot{
		AgentID:   "spoofed",
		Timestamp: 1700000000000,
		CPU:       &protocol.CPUData{UsagePercent: 42.5},
	})
	snap, err := normalizeSnapshot("agent-1", data)
	if err != nil {
		t.Fatalf("归一化失败: %v", err)
	}
	if snap.AgentID != "agent-1" {
		t.Fatalf("AgentID = %q, 期望 agent-1", snap.AgentID)
	}
	if snap.Timestamp != 1700000000000 {
		t.Fatalf("Timestamp = %d, 期望保留载荷时间戳", snap.Timestamp)
	}
}

func TestNormalizeSnapshotDefaultsTimestamp(t *testing.T) {
	t.Parallel()
	data, _ := json.Marshal(protocol.MetricSnapshot{
		CPU: &protocol.CPUData{UsagePercent: 10},
	})
	snap, err := normalizeSnapshot("agent-1", data)
	if err != nil {
		t.Fatalf("归一化失败: %v", err)
	}
	if snap.Timestamp <= 0 {
		t.Fatalf("缺失的时间戳应该补当前时间, got %d", snap.Timestamp)
	}
}

func TestNormalizeSnapshotRejectsEmpty(t *testing.T) {
	t.Parallel()
	if _, err := normalizeSnapshot("agent-1", json.RawMessage(`{}`)); err == nil {
		t.Fatal("空快照应该被拒绝")
	}
	if _, err := normalizeSnapshot("agent-1", json.RawMessage(`not-json`)); err == nil {
		t.Fatal("非法 JSON 应该被拒绝")
	}
}

func TestMergeRealtimeUpdatesInPlace(t *testing.T) {
	t.Parallel()
	base := &protocol.MetricSnapshot{
		AgentID:   "agent-1",
		Timestamp: 1000,
		CPU:       &protocol.CPUData{UsagePercent: 10, LogicalCores: 8},
		Memory:    &protocol.MemoryData{Total: 16e9, Used: 4e9, UsagePercent: 25},
		Disks:     []protocol.DiskData{{MountPoint: "/", Total: 100e9}},
	}
	rt := &protocol.RealtimeData{
		Timestamp:          2000,
		CPUUsagePercent:    88.8,
		MemoryUsagePercent: 50,
		MemoryUsed:         8e9,
	}
	snap := mergeRealtime("agent-1", base, rt)
	if snap.CPU.UsagePercent != 88.8 {
		t.Fatalf("CPU使用率 = %v, 期望 88.8", snap.CPU.UsagePercent)
	}
	if snap.CPU.LogicalCores != 8 {
		t.Fatalf("合并后静态信息丢失: LogicalCores = %d", snap.CPU.LogicalCores)
	}
	if snap.Memory.UsagePercent != 50 || snap.Memory.Used != uint64(8e9) {
		t.Fatalf("内存字段未更新: %+v", snap.Memory)
	}
	if snap.Timestamp != 2000 {
		t.Fatalf("Timestamp = %d, 期望 2000", snap.Timestamp)
	}
	if len(snap.Disks) != 1 {
		t.Fatalf("磁盘清单不应被高频帧清掉")
	}
	// 基准快照不能被原地修改，注册表里的指针可能正被并发读取
	if base.CPU.UsagePercent != 10 || base.Timestamp != 1000 {
		t.Fatalf("基准快照被修改: %+v", base)
	}
}

func TestMergeRealtimeWithoutBase(t *testing.T) {
	t.Parallel()
	rt := &protocol.RealtimeData{CPUUsagePercent: 33, MemoryUsagePercent: 66}
	snap := mergeRealtime("agent-1", nil, rt)
	if snap.AgentID != "agent-1" {
		t.Fatalf("AgentID = %q", snap.AgentID)
	}
	if snap.CPU == nil || snap.CPU.UsagePercent != 33 {
		t.Fatalf("没有基准时应该生成新的 CPU 数据: %+v", snap.CPU)
	}
	if snap.Memory == nil || snap.Memory.UsagePercent != 66 {
		t.Fatalf("没有基准时应该生成新的内存数据: %+v", snap.Memory)
	}
	if snap.Timestamp <= 0 {
		t.Fatalf("缺失的时间戳应该补当前时间")
	}
}

func TestMergeHostInfoKeepsMetrics(t *testing.T) {
	t.Parallel()
	base := &protocol.MetricSnapshot{
		AgentID:  "agent-1",
		CPU:      &protocol.CPUData{UsagePercent: 20},
		Disks:    []protocol.DiskData{{MountPoint: "/old"}},
		Sessions: 3,
	}
	payload := &protocol.HostInfoPayload{
		Host:     &protocol.HostInfoData{Platform: "debian", KernelVersion: "6.1.0"},
		Disks:    []protocol.DiskData{{MountPoint: "/"}, {MountPoint: "/data"}},
		Sessions: 1,
	}
	snap := mergeHostInfo("agent-1", base, payload)
	if snap.CPU == nil || snap.CPU.UsagePercent != 20 {
		t.Fatalf("低频帧不应清掉 CPU 指标: %+v", snap.CPU)
	}
	if snap.Host == nil || snap.Host.Platform != "debian" {
		t.Fatalf("系统信息未合并: %+v", snap.Host)
	}
	if len(snap.Disks) != 2 {
		t.Fatalf("磁盘清单应整体替换, got %d", len(snap.Disks))
	}
	if snap.Sessions != 1 {
		t.Fatalf("Sessions = %d, 期望 1", snap.Sessions)
	}

	// 载荷缺磁盘清单时保留旧值
	partial := mergeHostInfo("agent-1", snap, &protocol.HostInfoPayload{Sessions: 0})
	if len(partial.Disks) != 2 {
		t.Fatalf("未携带磁盘清单时应保留旧值")
	}
	if partial.Sessions != 0 {
		t.Fatalf("Sessions 以本帧为准, got %d", partial.Sessions)
	}
	if partial.Host == nil {
		t.Fatalf("未携带系统信息时应保留旧值")
	}
}
