package infra

import (
	"context"
	"sync"
	"time"

	"parasocial-gateway/middleware/ratelimit/domain"
)

// WindowStore é uma implementação em memória de janela fixa por (category, key),
// com limpeza periódica das janelas vencidas.
//
// O estado é local ao processo: com várias instâncias sem store compartilhada,
// cada uma aplica a sua própria quota. Use RedisWindowStore nesse caso.
type WindowStore struct {
	mu           sync.Mutex
	entries      map[string]*domain.WindowState
	now          func() time.Time
	retention    time.Duration
	cleanupEvery time.Duration
}

type StoreOption func(*WindowStore)

// WithRetention define por quanto tempo uma janela vencida fica no mapa antes
// de ser removida pelo Cleanup.
func WithRetention(d time.Duration) StoreOption {
	return func(s *WindowStore) { s.retention = d }
}

func WithCleanupEvery(d time.Duration) StoreOption {
	return func(s *WindowStore) { s.cleanupEvery = d }
}

// WithClock troca o relógio (testes).
func WithClock(now func() time.Time) StoreOption {
	return func(s *WindowStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewWindowStore(opts ...StoreOption) *WindowStore {
	s := &WindowStore{
		entries:      make(map[string]*domain.WindowState),
		now:          time.Now,
		retention:    10 * time.Minute,
		cleanupEvery: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *WindowStore) CleanupEvery() time.Duration { return s.cleanupEvery }

func storeKey(category domain.Category, key domain.Key) string {
	return string(category) + ":" + string(key)
}

// GetOrCreate retorna a janela ativa ou cria uma nova com quota cheia quando
// não existe ou já venceu (now >= ResetAt). A janela vencida é substituída,
// nunca mesclada.
func (s *WindowStore) GetOrCreate(key domain.Key, quota domain.Quota) (domain.WindowState, error) {
	if err := quota.Validate(); err != nil {
		return domain.WindowState{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return *s.getOrCreateLocked(key, quota, s.now()), nil
}

func (s *WindowStore) getOrCreateLocked(key domain.Key, quota domain.Quota, now time.Time) *domain.WindowState {
	k := storeKey(quota.Category, key)
	if st, ok := s.entries[k]; ok && !st.Expired(now) {
		return st
	}

	st := &domain.WindowState{
		Key:       key,
		Category:  quota.Category,
		Limit:     quota.Limit,
		Remaining: quota.Limit,
		Used:      0,
		ResetAt:   now.Add(quota.Window),
	}
	s.entries[k] = st
	return st
}

// TryConsume implementa domain.WindowStore.
//
// Check e decremento acontecem sob o mesmo lock. Sem quota suficiente nada é
// consumido.
func (s *WindowStore) TryConsume(_ context.Context, key domain.Key, quota domain.Quota, cost int) (domain.Consumption, error) {
	if cost <= 0 {
		return domain.Consumption{}, domain.ErrInvalidCost
	}
	if err := quota.Validate(); err != nil {
		return domain.Consumption{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.getOrCreateLocked(key, quota, s.now())
	if st.Remaining < cost {
		return domain.Consumption{Allowed: false, State: *st}, nil
	}

	st.Remaining -= cost
	st.Used += cost
	return domain.Consumption{Allowed: true, State: *st}, nil
}

// Peek implementa domain.WindowStore. Janela vencida conta como inexistente.
func (s *WindowStore) Peek(_ context.Context, key domain.Key, category domain.Category) (*domain.WindowState, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.entries[storeKey(category, key)]
	if !ok || st.Expired(now) {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

// Len é o número de janelas no mapa (inclui vencidas ainda não limpas).
func (s *WindowStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Cleanup remove janelas cujo ResetAt passou há mais de retention.
// Retorna quantas foram removidas.
func (s *WindowStore) Cleanup() int {
	cutoff := s.now().Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, st := range s.entries {
		if st.ResetAt.Before(cutoff) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// StartJanitor inicia uma goroutine que limpa janelas vencidas periodicamente.
// Pare cancelando o contexto.
func (s *WindowStore) StartJanitor(ctx DoneContext) {
	if s.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}

// DoneContext é o mínimo necessário para aceitar context.Context no janitor.
type DoneContext interface {
	Done() <-chan struct{}
}
