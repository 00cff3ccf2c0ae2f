package tsdb

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dushixiang/lynx/internal/errs"
	"github.com/dushixiang/lynx/internal/protocol"
	"go.uber.org/zap"
)

// stubStore 可控故障的后端
type stubStore struct {
	mu      sync.Mutex
	fail    bool
	written []*protocol.MetricSnapshot
}

func (s *stubStore) Write(_ context.Context, snap *protocol.MetricSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errs.Storage("后端不可用", errors.New("connection refused"))
	}
	s.written = append(s.written, snap)
	return nil
}

func (s *stubStore) Query(_ context.Context, agentID string, _ QueryParams) ([]*protocol.MetricSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errs.Storage("后端不可用", errors.New("connection refused"))
	}
	var out []*protocol.MetricSnapshot
	for _, snap := range s.written {
		if snap.AgentID == agentID {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (s *stubStore) QueryAll(_ context.Context, _ QueryParams) (map[string][]*protocol.MetricSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errs.Storage("后端不可用", errors.New("connection refused"))
	}
	out := make(map[string][]*protocol.MetricSnapshot)
	for _, snap := range s.written {
		out[snap.AgentID] = append(out[snap.AgentID], snap)
	}
	return out, nil
}

func (s *stubStore) Delete(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.written[:0]
	for _, snap := range s.written {
		if snap.AgentID != agentID {
			kept = append(kept, snap)
		}
	}
	s.written = kept
	return nil
}

func (s *stubStore) Close() error { return nil }

func (s *stubStore) setFail(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

func TestEngineWritesThrough(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := &stubStore{}
	e := NewEngine(zap.NewNop(), backend, 10, nil)

	if err := e.Write(ctx, snapAt("a", 100)); err != nil {
		t.Fatal(err)
	}

	got, err := e.Query(ctx, "a", QueryParams{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Timestamp != 100 {
		t.Errorf("Query returned %d snapshots, want 1 at ts=100", len(got))
	}
	if e.Degraded() {
		t.Error("Degraded() = true after successful write")
	}
}

func TestEngineFallsBackToCacheOnQueryFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := &stubStore{}
	e := NewEngine(zap.NewNop(), backend, 10, nil)

	_ = e.Write(ctx, snapAt("a", 100))
	backend.setFail(true)

	got, err := e.Query(ctx, "a", QueryParams{})
	if err != nil {
		t.Fatalf("expected cache fallback, got error: %v", err)
	}
	if len(got) != 1 || got[0].Timestamp != 100 {
		t.Errorf("fallback returned %d snapshots, want the cached point", len(got))
	}
}

func TestEngineDegradesOnWriteFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := &stubStore{fail: true}
	e := NewEngine(zap.NewNop(), backend, 10, nil)

	// 后端故障也不向上冒错
	if err := e.Write(ctx, snapAt("a", 100)); err != nil {
		t.Fatalf("Write returned error in degraded mode: %v", err)
	}
	if !e.Degraded() {
		t.Error("Degraded() = false after backend write failure")
	}

	// 内存环仍然可查
	got, err := e.Query(ctx, "a", QueryParams{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("cache returned %d snapshots, want 1", len(got))
	}
}

func TestEngineQueryErrorIsStorageKind(t *testing.T) {
	t.Parallel()

	backend := &stubStore{fail: true}
	e := NewEngine(zap.NewNop(), backend, 10, nil)

	// 缓存里也没有数据，只能把类型化错误交给调用方
	_, err := e.Query(context.Background(), "nothing-cached", QueryParams{})
	if err == nil {
		t.Fatal("expected error when both backend and cache are empty")
	}
	if kind := errs.KindOf(err); kind != errs.KindStorage {
		t.Errorf("KindOf(err) = %v, want KindStorage", kind)
	}
}

func TestEngineMemoryBackendSinglePoint(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := NewEngine(zap.NewNop(), NewMemoryStore(10), 10, nil)

	_ = e.Write(ctx, snapAt("a", 100))

	// 后端就是内存环时不能写两份
	got, err := e.Query(ctx, "a", QueryParams{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("got %d points, want exactly 1", len(got))
	}
}

func TestEngineDeleteClearsCacheAndBackend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := &stubStore{}
	e := NewEngine(zap.NewNop(), backend, 10, nil)

	_ = e.Write(ctx, snapAt("a", 100))
	if err := e.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	backend.setFail(true) // 逼出缓存回退路径
	if got, _ := e.Query(ctx, "a", QueryParams{}); len(got) != 0 {
		t.Errorf("cache still holds %d snapshots after Delete", len(got))
	}
}

// reconcilingStore 在 stubStore 基础上附带对账能力
type reconcilingStore struct {
	stubStore
	report RollupReport
}

func (s *reconcilingStore) CheckRollups(_ context.Context) (RollupReport, error) {
	return s.report, nil
}

func TestEngineCheckRollupsCapability(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	// 内存后端没有汇总表，没有可对账的东西
	plain := NewEngine(zap.NewNop(), NewMemoryStore(10), 10, nil)
	if _, ok, _ := plain.CheckRollups(ctx); ok {
		t.Errorf("内存后端不应支持对账")
	}

	backend := &reconcilingStore{report: RollupReport{CheckedBuckets: 8, MissingBuckets: 2}}
	e := NewEngine(zap.NewNop(), backend, 10, nil)
	report, ok, err := e.CheckRollups(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("后端实现了对账接口却未被识别")
	}
	if report.MissingBuckets != 2 || report.Consistent() {
		t.Errorf("report = %+v, want 2 missing and not consistent", report)
	}
}
