package tsdb

import (
	"strings"
	"testing"
	"time"

	"github.com/dushixiang/lynx/internal/protocol"
)

// 同一 (time, agent) 的重复投递必须收敛到同一行，
// 三张明细表的写入语句都要带自然键上的 upsert。
func TestUpsertStatementsAreIdempotent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		sql     string
		keyCols string
	}{
		{"raw", upsertRawSQL, "ON CONFLICT (time, agent_id) DO UPDATE"},
		{"disk", upsertDiskSQL, "ON CONFLICT (time, agent_id, mount_point) DO UPDATE"},
		{"net", upsertNetSQL, "ON CONFLICT (time, agent_id, iface) DO UPDATE"},
	}
	for _, tt := range tests {
		if !strings.Contains(tt.sql, tt.keyCols) {
			t.Errorf("%s 写入语句缺少 %q", tt.name, tt.keyCols)
		}
		if !strings.Contains(tt.sql, "EXCLUDED.") {
			t.Errorf("%s 写入语句未从 EXCLUDED 取值", tt.name)
		}
	}
}

// 汇总表只追加，已完成的桶不允许被改写
func TestRollupStatementsAppendOnly(t *testing.T) {
	t.Parallel()

	for _, sql := range []string{rollupHourlySQL, rollupDailySQL} {
		if !strings.Contains(sql, "ON CONFLICT (bucket, agent_id) DO NOTHING") {
			t.Error("汇总语句缺少 DO NOTHING 冲突处理")
		}
		if strings.Contains(sql, "DO UPDATE") {
			t.Error("汇总语句不应改写已有桶")
		}
	}
}

func TestBuildSnapshotNilColumns(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	snap := buildSnapshot("web-01", ts, nil, nil, nil, nil, nil, nil, nil)

	if snap.AgentID != "web-01" {
		t.Errorf("AgentID = %q", snap.AgentID)
	}
	if snap.Timestamp != ts.UnixMilli() {
		t.Errorf("Timestamp = %d, want %d", snap.Timestamp, ts.UnixMilli())
	}
	if snap.CPU != nil {
		t.Error("全空列不应产生 CPU 数据")
	}
	if snap.Memory != nil {
		t.Error("全空列不应产生内存数据")
	}
}

func TestBuildSnapshotPartialMemory(t *testing.T) {
	t.Parallel()

	cpu := 42.5
	memTotal := int64(8_000_000_000)
	snap := buildSnapshot("web-01", time.UnixMilli(1000).UTC(), &cpu, &memTotal, nil, nil, nil, nil, nil)

	if snap.CPU == nil || snap.CPU.UsagePercent != 42.5 {
		t.Fatalf("CPU = %+v", snap.CPU)
	}
	if snap.Memory == nil {
		t.Fatal("部分内存列也应产生内存数据")
	}
	if snap.Memory.Total != 8_000_000_000 {
		t.Errorf("Memory.Total = %d", snap.Memory.Total)
	}
	if snap.Memory.Used != 0 {
		t.Errorf("Memory.Used = %d, want 0", snap.Memory.Used)
	}
}

// 查询按 time DESC 取最近 limit 条，返回前翻转成时间升序
func TestReverseSnapshots(t *testing.T) {
	t.Parallel()

	snaps := []*protocol.MetricSnapshot{
		{AgentID: "a", Timestamp: 3000},
		{AgentID: "a", Timestamp: 2000},
		{AgentID: "a", Timestamp: 1000},
	}
	reverseSnapshots(snaps)

	for i, want := range []int64{1000, 2000, 3000} {
		if snaps[i].Timestamp != want {
			t.Errorf("snaps[%d].Timestamp = %d, want %d", i, snaps[i].Timestamp, want)
		}
	}
}

func TestIndexByTime(t *testing.T) {
	t.Parallel()

	snaps := []*protocol.MetricSnapshot{
		{AgentID: "a", Timestamp: 1000},
		{AgentID: "a", Timestamp: 2000},
	}
	byTime, times := indexByTime(snaps)

	if len(byTime) != 2 || len(times) != 2 {
		t.Fatalf("len(byTime) = %d, len(times) = %d", len(byTime), len(times))
	}
	for _, snap := range snaps {
		got, ok := byTime[snap.Timestamp]
		if !ok || got != snap {
			t.Errorf("byTime[%d] 未命中原快照", snap.Timestamp)
		}
	}
	for i, tm := range times {
		if tm.UnixMilli() != snaps[i].Timestamp {
			t.Errorf("times[%d] = %v, want %d ms", i, tm, snaps[i].Timestamp)
		}
	}
}
