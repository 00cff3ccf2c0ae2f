package tsdb

import (
	"context"
	"testing"

	"github.com/dushixiang/lynx/internal/protocol"
)

func snapAt(agentID string, ts int64) *protocol.MetricSnapshot {
	return &protocol.MetricSnapshot{
		AgentID:   agentID,
		Timestamp: ts,
		CPU:       &protocol.CPUData{UsagePercent: float64(ts % 100)},
	}
}

func timestamps(snaps []*protocol.MetricSnapshot) []int64 {
	out := make([]int64, len(snaps))
	for i, s := range snaps {
		out[i] = s.Timestamp
	}
	return out
}

func TestMemoryStoreEvictsOldest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(3)
	for _, ts := range []int64{100, 200, 300, 400} {
		if err := s.Write(ctx, snapAt("a", ts)); err != nil {
			t.Fatalf("Write(%d): %v", ts, err)
		}
	}

	got, err := s.Query(ctx, "a", QueryParams{})
	if err != nil {
		t.Fatal(err)
	}
	want := []int64{200, 300, 400}
	if ts := timestamps(got); len(ts) != 3 || ts[0] != want[0] || ts[1] != want[1] || ts[2] != want[2] {
		t.Errorf("timestamps = %v, want %v", ts, want)
	}
}

func TestMemoryStoreRangeInclusive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(10)
	for _, ts := range []int64{100, 200, 300, 400, 500} {
		_ = s.Write(ctx, snapAt("a", ts))
	}

	got, err := s.Query(ctx, "a", QueryParams{Start: 200, End: 400})
	if err != nil {
		t.Fatal(err)
	}
	// 两端都是闭区间
	want := []int64{200, 300, 400}
	if ts := timestamps(got); len(ts) != 3 || ts[0] != want[0] || ts[2] != want[2] {
		t.Errorf("timestamps = %v, want %v", ts, want)
	}
}

func TestMemoryStoreLimitKeepsMostRecent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(10)
	for _, ts := range []int64{100, 200, 300, 400, 500} {
		_ = s.Write(ctx, snapAt("a", ts))
	}

	got, err := s.Query(ctx, "a", QueryParams{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	// 最近的两个点，仍然按时间升序
	want := []int64{400, 500}
	if ts := timestamps(got); len(ts) != 2 || ts[0] != want[0] || ts[1] != want[1] {
		t.Errorf("timestamps = %v, want %v", ts, want)
	}
}

func TestMemoryStoreQueryUnknownAgent(t *testing.T) {
	t.Parallel()

	got, err := NewMemoryStore(10).Query(context.Background(), "nope", QueryParams{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("got %d snapshots for unknown agent, want 0", len(got))
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(10)
	_ = s.Write(ctx, snapAt("a", 100))
	_ = s.Write(ctx, snapAt("b", 100))

	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	all, err := s.QueryAll(ctx, QueryParams{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := all["a"]; ok {
		t.Error("agent a still present after Delete")
	}
	if _, ok := all["b"]; !ok {
		t.Error("agent b missing after unrelated Delete")
	}
}

func TestMemoryStoreQueryAllGroupsByAgent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(10)
	_ = s.Write(ctx, snapAt("a", 100))
	_ = s.Write(ctx, snapAt("a", 200))
	_ = s.Write(ctx, snapAt("b", 150))

	all, err := s.QueryAll(ctx, QueryParams{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d agents, want 2", len(all))
	}
	if len(all["a"]) != 2 || len(all["b"]) != 1 {
		t.Errorf("points per agent = a:%d b:%d, want a:2 b:1", len(all["a"]), len(all["b"]))
	}
}
