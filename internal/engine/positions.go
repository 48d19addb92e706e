package engine

import (
	"hash/fnv"
	"sync"

	"github.com/quantmill/tradecore/internal/schema"
)

const positionShards = 32

// positionMap is a sharded symbol-keyed position store. Sharding keeps updates
// to unrelated symbols from serializing on a single lock.
type positionMap struct {
	shards [positionShards]positionShard
}

type positionShard struct {
	mu        sync.RWMutex
	positions map[string]*schema.Position
}

func newPositionMap() *positionMap {
	m := &positionMap{}
	for i := range m.shards {
		m.shards[i].positions = make(map[string]*schema.Position)
	}
	return m
}

func (m *positionMap) shard(symbol string) *positionShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return &m.shards[h.Sum32()%positionShards]
}

// get returns a copy of the position for symbol.
func (m *positionMap) get(symbol string) (schema.Position, bool) {
	s := m.shard(symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[symbol]
	if !ok {
		return schema.Position{}, false
	}
	return *p, true
}

// put replaces the position for its symbol.
func (m *positionMap) put(p schema.Position) {
	s := m.shard(p.Symbol)
	s.mu.Lock()
	stored := p
	s.positions[p.Symbol] = &stored
	s.mu.Unlock()
}

// reprice updates the mark price for symbol if a position exists.
func (m *positionMap) reprice(symbol string, price float64) bool {
	s := m.shard(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[symbol]
	if !ok {
		return false
	}
	p.Reprice(price)
	return true
}

// remove deletes the position for symbol.
func (m *positionMap) remove(symbol string) {
	s := m.shard(symbol)
	s.mu.Lock()
	delete(s.positions, symbol)
	s.mu.Unlock()
}

// list returns copies of every open position.
func (m *positionMap) list() []schema.Position {
	out := make([]schema.Position, 0, 16)
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		for _, p := range s.positions {
			out = append(out, *p)
		}
		s.mu.RUnlock()
	}
	return out
}

// clear removes every position.
func (m *positionMap) clear() {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for k := range s.positions {
			delete(s.positions, k)
		}
		s.mu.Unlock()
	}
}

func (m *positionMap) count() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		n += len(s.positions)
		s.mu.RUnlock()
	}
	return n
}
