package infra

import (
	"context"
	"maps"
	"sync"

	"parasocial-gateway/middleware/ratelimit/domain"
)

type Counters struct {
	Allowed int64 `json:"allowed"`
	Denied  int64 `json:"denied"`
}

func (c *Counters) add(allowed bool) {
	if allowed {
		c.Allowed++
		return
	}
	c.Denied++
}

// StatsSnapshot é uma cópia consistente dos contadores.
type StatsSnapshot struct {
	Total      Counters            `json:"total"`
	ByCategory map[string]Counters `json:"byCategory"`
	ByKey      map[string]Counters `json:"byKey,omitempty"`
}

// MemoryStatsStore é uma implementação simples em memória.
// Útil para testes, desenvolvimento e para o endpoint de stats de uma instância.
//
// Não faz expiração. Com trackKeys ligado o mapa por chave cresce sem limite.
type MemoryStatsStore struct {
	mu         sync.Mutex
	total      Counters
	byCategory map[string]Counters
	byKey      map[string]Counters

	trackKeys bool
}

type MemoryStatsOption func(*MemoryStatsStore)

func WithTrackKeys(track bool) MemoryStatsOption {
	return func(s *MemoryStatsStore) { s.trackKeys = track }
}

func NewMemoryStatsStore(opts ...MemoryStatsOption) *MemoryStatsStore {
	s := &MemoryStatsStore{
		byCategory: make(map[string]Counters),
		byKey:      make(map[string]Counters),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStatsStore) Record(_ context.Context, ev domain.StatsEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total.add(ev.Allowed)

	c := s.byCategory[string(ev.Category)]
	c.add(ev.Allowed)
	s.byCategory[string(ev.Category)] = c

	if s.trackKeys {
		k := storeKey(ev.Category, ev.Key)
		kc := s.byKey[k]
		kc.add(ev.Allowed)
		s.byKey[k] = kc
	}
	return nil
}

func (s *MemoryStatsStore) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *MemoryStatsStore) ByCategory() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.byCategory)
}

func (s *MemoryStatsStore) ByKey() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.byKey)
}

func (s *MemoryStatsStore) Snapshot(_ context.Context) (StatsSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{
		Total:      s.total,
		ByCategory: maps.Clone(s.byCategory),
	}
	if s.trackKeys {
		snap.ByKey = maps.Clone(s.byKey)
	}
	return snap, nil
}
