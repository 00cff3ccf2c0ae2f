package registry

import (
	"math"
	"testing"
	"time"

	"github.com/dushixiang/lynx/internal/protocol"
	"go.uber.org/zap"
)

func newTestRegistry() *Registry {
	return New(zap.NewNop())
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestSummarySingleAgent(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	r.Register(&Agent{ID: "web-01", Hostname: "web-01"})
	r.UpdateSnapshot(&protocol.MetricSnapshot{
		AgentID:   "web-01",
		Timestamp: time.Now().UnixMilli(),
		CPU:       &protocol.CPUData{UsagePercent: 42.5},
		Memory:    &protocol.MemoryData{Total: 8_000_000_000, Used: 4_000_000_000},
	})

	got := r.Summary()
	if got.ConnectedAgents != 1 {
		t.Fatalf("ConnectedAgents = %d, want 1", got.ConnectedAgents)
	}
	if !almostEqual(got.AvgCPUUsage, 42.5) {
		t.Errorf("AvgCPUUsage = %v, want 42.5", got.AvgCPUUsage)
	}
	if !almostEqual(got.MemoryPercent, 50.0) {
		t.Errorf("MemoryPercent = %v, want 50.0", got.MemoryPercent)
	}
}

func TestSummarySkipsAgentsWithoutSnapshot(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	r.Register(&Agent{ID: "a"})
	r.Register(&Agent{ID: "b"})
	r.UpdateSnapshot(&protocol.MetricSnapshot{
		AgentID:   "a",
		Timestamp: time.Now().UnixMilli(),
		CPU:       &protocol.CPUData{UsagePercent: 80},
		Memory:    &protocol.MemoryData{UsagePercent: 60},
	})

	got := r.Summary()
	if got.ConnectedAgents != 2 {
		t.Errorf("ConnectedAgents = %d, want 2", got.ConnectedAgents)
	}
	// b 没有快照，不能把均值往下拉
	if !almostEqual(got.AvgCPUUsage, 80) {
		t.Errorf("AvgCPUUsage = %v, want 80", got.AvgCPUUsage)
	}
	if !almostEqual(got.MemoryPercent, 60) {
		t.Errorf("MemoryPercent = %v, want 60", got.MemoryPercent)
	}
}

func TestSummaryEmpty(t *testing.T) {
	t.Parallel()

	got := newTestRegistry().Summary()
	if got.ConnectedAgents != 0 || got.AvgCPUUsage != 0 || got.MemoryPercent != 0 {
		t.Errorf("empty registry summary = %+v, want zero values", got)
	}
}

func TestRegisterOverwritesOnReconnect(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	r.Register(&Agent{ID: "a", Version: "1.0.0"})
	r.Register(&Agent{ID: "a", Version: "1.1.0"})

	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1", r.Count())
	}
	agent, ok := r.Get("a")
	if !ok {
		t.Fatal("agent a not found after re-register")
	}
	if agent.Version != "1.1.0" {
		t.Errorf("Version = %q, want %q", agent.Version, "1.1.0")
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	r.Register(&Agent{ID: "a"})
	r.UpdateSnapshot(&protocol.MetricSnapshot{AgentID: "a", Timestamp: 1})

	if !r.Unregister("a") {
		t.Error("first Unregister = false, want true")
	}
	if r.Unregister("a") {
		t.Error("second Unregister = true, want false")
	}
	if r.Unregister("never-seen") {
		t.Error("Unregister of unknown id = true, want false")
	}
	if _, ok := r.Latest("a"); ok {
		t.Error("snapshot survived Unregister")
	}
}

func TestUpdateSnapshotStoresCopy(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	r.Register(&Agent{ID: "a"})

	snap := &protocol.MetricSnapshot{
		AgentID:   "a",
		Timestamp: 1,
		CPU:       &protocol.CPUData{UsagePercent: 10},
	}
	r.UpdateSnapshot(snap)
	snap.CPU.UsagePercent = 99

	stored, ok := r.Latest("a")
	if !ok {
		t.Fatal("snapshot not found")
	}
	if stored.CPU.UsagePercent != 10 {
		t.Errorf("stored CPU = %v, want 10 (caller mutation leaked in)", stored.CPU.UsagePercent)
	}
}

func TestSweepRemovesStaleOnly(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	now := time.Now().UnixMilli()
	r.Register(&Agent{ID: "stale", LastSeenAt: now - int64(10*time.Minute/time.Millisecond), ConnectedAt: 1})
	r.Register(&Agent{ID: "fresh", LastSeenAt: now, ConnectedAt: 1})
	r.UpdateSnapshot(&protocol.MetricSnapshot{AgentID: "stale", Timestamp: now - int64(10*time.Minute/time.Millisecond)})

	removed := r.Sweep(90 * time.Second)
	if len(removed) != 1 || removed[0] != "stale" {
		t.Fatalf("Sweep removed %v, want [stale]", removed)
	}
	if _, ok := r.Get("stale"); ok {
		t.Error("stale agent still registered after sweep")
	}
	if _, ok := r.Latest("stale"); ok {
		t.Error("stale snapshot still cached after sweep")
	}
	if _, ok := r.Get("fresh"); !ok {
		t.Error("fresh agent removed by sweep")
	}
}

func TestTouchKeepsAgentAlive(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	r.Register(&Agent{ID: "a", LastSeenAt: 1, ConnectedAt: 1})
	r.Touch("a", time.Now().UnixMilli())

	if removed := r.Sweep(time.Minute); len(removed) != 0 {
		t.Errorf("Sweep removed %v after Touch, want none", removed)
	}
}

func TestSummaryOfFiltersAgents(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	r.Register(&Agent{ID: "a"})
	r.Register(&Agent{ID: "b"})
	r.UpdateSnapshot(&protocol.MetricSnapshot{
		AgentID:   "a",
		Timestamp: time.Now().UnixMilli(),
		CPU:       &protocol.CPUData{UsagePercent: 10},
	})
	r.UpdateSnapshot(&protocol.MetricSnapshot{
		AgentID:   "b",
		Timestamp: time.Now().UnixMilli(),
		CPU:       &protocol.CPUData{UsagePercent: 30},
	})

	got := r.SummaryOf([]string{"a"})
	if got.ConnectedAgents != 1 {
		t.Errorf("ConnectedAgents = %d, want 1", got.ConnectedAgents)
	}
	if !almostEqual(got.AvgCPUUsage, 10) {
		t.Errorf("AvgCPUUsage = %v, want 10", got.AvgCPUUsage)
	}
}
