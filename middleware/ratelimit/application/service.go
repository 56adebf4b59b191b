package application

import (
	"context"
	"fmt"
	"time"

	"parasocial-gateway/middleware/ratelimit/domain"
)

// Service concentra a regra de aplicação do rate limit.
//
// Ele não sabe nada sobre HTTP (headers/status), apenas resolve a política da
// categoria, consome da store e retorna uma decisão.
type Service struct {
	Store    domain.WindowStore
	Policies *PolicyTable
	Now      func() time.Time
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Decide consome uma unidade da quota de (key, category).
//
// O ramo anônimo/autenticado é resolvido antes de consultar a store.
// Erro da store é devolvido embrulhado; quem chama decide fail-open ou fail-closed.
func (s Service) Decide(ctx context.Context, key domain.Key, category domain.Category, authenticated bool) (domain.Decision, error) {
	if s.Store == nil || s.Policies == nil {
		return domain.Decision{Allowed: true, Exempt: true}, nil
	}

	policy, err := s.Policies.Lookup(category)
	if err != nil {
		return domain.Decision{}, err
	}
	if policy.Exempt {
		return domain.Decision{Allowed: true, Exempt: true}, nil
	}

	c, err := s.Store.TryConsume(ctx, key, policy.Quota(authenticated), 1)
	if err != nil {
		return domain.Decision{}, fmt.Errorf("consume %s/%s: %w", category, key, err)
	}

	resetIn := c.State.RetryAfter(s.now())
	dec := domain.Decision{
		Allowed: c.Allowed,
		State:   c.State,
		ResetIn: resetIn,
	}
	if !c.Allowed {
		dec.RetryAfter = resetIn
	}
	return dec, nil
}

// CategoryStatus é a visão (somente leitura) de uma categoria para uma chave.
type CategoryStatus struct {
	Category  domain.Category `json:"category"`
	Limit     int             `json:"limit"`
	Remaining int             `json:"remaining"`
	Used      int             `json:"used"`
	ResetIn   int             `json:"resetInSeconds"`
	Active    bool            `json:"active"`
}

// Status consulta (via Peek) todas as categorias limitadas sem consumir nada.
// Categorias sem janela ativa aparecem com a quota cheia.
func (s Service) Status(ctx context.Context, key domain.Key, authenticated bool) ([]CategoryStatus, error) {
	if s.Store == nil || s.Policies == nil {
		return nil, nil
	}

	now := s.now()
	var out []CategoryStatus
	for _, p := range s.Policies.All() {
		if p.Exempt {
			continue
		}
		st, err := s.Store.Peek(ctx, key, p.Category)
		if err != nil {
			return nil, fmt.Errorf("peek %s/%s: %w", p.Category, key, err)
		}
		if st == nil {
			limit := p.LimitFor(authenticated)
			out = append(out, CategoryStatus{Category: p.Category, Limit: limit, Remaining: limit})
			continue
		}
		out = append(out, CategoryStatus{
			Category:  p.Category,
			Limit:     st.Limit,
			Remaining: st.Remaining,
			Used:      st.Used,
			ResetIn:   CeilSeconds(st.RetryAfter(now)),
			Active:    true,
		})
	}
	return out, nil
}

// CeilSeconds arredonda para cima em segundos inteiros, nunca negativo.
func CeilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
