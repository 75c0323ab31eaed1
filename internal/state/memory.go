package state

import (
	"fmt"
	"sync"
)

// Memory is the single-instance Store.
type Memory struct {
	mu           sync.Mutex
	pending      map[string]PendingInfo
	pairs        map[string]PairInfo
	closing      bool
	ready        bool
	totalPairs   int64
	dialFailures int64
}

func NewMemory() *Memory {
	return &Memory{pending: make(map[string]PendingInfo), pairs: make(map[string]PairInfo)}
}

var _ Store = (*Memory)(nil)

func (m *Memory) SetClosing(closing bool) { m.mu.Lock(); m.closing = closing; m.mu.Unlock() }
func (m *Memory) SetReady(ready bool)     { m.mu.Lock(); m.ready = ready; m.mu.Unlock() }
func (m *Memory) IsClosing() bool         { m.mu.Lock(); defer m.mu.Unlock(); return m.closing }
func (m *Memory) IsReady() bool           { m.mu.Lock(); defer m.mu.Unlock(); return m.ready }

func (m *Memory) TrackPending(p PendingInfo) {
	m.mu.Lock()
	m.pending[p.ID] = p
	m.mu.Unlock()
}

func (m *Memory) DropPending(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[id]
	delete(m.pending, id)
	return ok
}

func (m *Memory) RegisterPair(p PairInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pairs[p.ID]; exists {
		return fmt.Errorf("pair already registered: %s", p.ID)
	}
	delete(m.pending, p.ID)
	m.pairs[p.ID] = p
	m.totalPairs++
	return nil
}

func (m *Memory) RemovePair(id string) {
	m.mu.Lock()
	delete(m.pairs, id)
	m.mu.Unlock()
}

func (m *Memory) RecordDialFailure() {
	m.mu.Lock()
	m.dialFailures++
	m.mu.Unlock()
}

func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Pending: len(m.pending), Active: len(m.pairs), TotalPairs: m.totalPairs, DialFailures: m.dialFailures}
}

func (m *Memory) Pairs() []PairInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedPairs(m.pairs)
}

func (m *Memory) Close() error { return nil }
