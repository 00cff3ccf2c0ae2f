package tsdb

import (
	"context"
	"sync"

	"github.com/dushixiang/lynx/internal/protocol"
)

const defaultRingCapacity = 600 // 约1Hz采样下10分钟

// MemoryStore 内存环形缓冲后端。每个探针一个定容环，写满后覆盖最旧的点。
// 也作为其他后端故障时的兜底缓存，进程重启即清空。
type MemoryStore struct {
	capacity int
	mu       sync.RWMutex
	rings    map[string]*ring
}

func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = defaultRingCapacity
	}
	return &MemoryStore{
		capacity: capacity,
		rings:    make(map[string]*ring),
	}
}

func (s *MemoryStore) Write(_ context.Context, snap *protocol.MetricSnapshot) error {
	if snap == nil || snap.AgentID == "" {
		return nil
	}
	s.ringFor(snap.AgentID).append(snap)
	return nil
}

func (s *MemoryStore) Query(_ context.Context, agentID string, params QueryParams) ([]*protocol.MetricSnapshot, error) {
	s.mu.RLock()
	r, ok := s.rings[agentID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return r.query(params), nil
}

func (s *MemoryStore) QueryAll(_ context.Context, params QueryParams) (map[string][]*protocol.MetricSnapshot, error) {
	s.mu.RLock()
	rings := make(map[string]*ring, len(s.rings))
	for id, r := range s.rings {
		rings[id] = r
	}
	s.mu.RUnlock()

	out := make(map[string][]*protocol.MetricSnapshot, len(rings))
	for id, r := range rings {
		if points := r.query(params); len(points) > 0 {
			out[id] = points
		}
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, agentID string) error {
	s.mu.Lock()
	delete(s.rings, agentID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) ringFor(agentID string) *ring {
	s.mu.RLock()
	r, ok := s.rings[agentID]
	s.mu.RUnlock()
	if ok {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok = s.rings[agentID]; ok {
		return r
	}
	r = &ring{buf: make([]*protocol.MetricSnapshot, s.capacity)}
	s.rings[agentID] = r
	return r
}

// ring 单探针定容环形缓冲，按到达顺序存储
type ring struct {
	mu   sync.RWMutex
	buf  []*protocol.MetricSnapshot
	head int // 最旧元素下标
	size int
}

func (r *ring) append(snap *protocol.MetricSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = snap
		r.size++
		return
	}
	// 写满后覆盖最旧的点
	r.buf[r.head] = snap
	r.head = (r.head + 1) % len(r.buf)
}

func (r *ring) query(params QueryParams) []*protocol.MetricSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]*protocol.MetricSnapshot, 0, r.size)
	for i := 0; i < r.size; i++ {
		snap := r.buf[(r.head+i)%len(r.buf)]
		if snap.Timestamp < params.Start {
			continue
		}
		if params.End > 0 && snap.Timestamp > params.End {
			continue
		}
		matched = append(matched, snap)
	}

	return clampRecent(matched, params.Limit)
}
