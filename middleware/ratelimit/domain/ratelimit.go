package domain

// Camada de domínio do rate limit.
//
// Regras e contratos (interfaces/tipos) sem dependência de net/http.

import (
	"context"
	"errors"
	"time"
)

// Key identifica quem está sendo limitado (id do usuário autenticado ou IP).
type Key string

var (
	ErrInvalidCost      = errors.New("ratelimit: cost must be > 0")
	ErrInvalidQuota     = errors.New("ratelimit: quota must have limit > 0 and window > 0")
	ErrStoreUnavailable = errors.New("ratelimit: store unavailable")
	ErrUnknownCategory  = errors.New("ratelimit: unknown category")
	ErrNoSlot           = errors.New("ratelimit: no concurrency slot available")
)

// Quota é o limite efetivo (já resolvido entre anônimo/autenticado) que a store aplica.
type Quota struct {
	Category Category
	Window   time.Duration
	Limit    int
}

func (q Quota) Validate() error {
	if q.Limit <= 0 || q.Window <= 0 {
		return ErrInvalidQuota
	}
	return nil
}

// WindowState é o estado de uma janela fixa para um par (key, category).
//
// Invariante: Remaining + Used == Limit e Remaining >= 0.
type WindowState struct {
	Key       Key
	Category  Category
	Limit     int
	Remaining int
	Used      int
	ResetAt   time.Time
}

// RetryAfter é o tempo até a virada da janela. Nunca negativo.
func (s WindowState) RetryAfter(now time.Time) time.Duration {
	d := s.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Expired indica se a janela já virou. Compara apenas com ResetAt, então
// relógio voltando no tempo nunca provoca reset.
func (s WindowState) Expired(now time.Time) bool {
	return !now.Before(s.ResetAt)
}

// Consumption é o resultado de uma tentativa de consumo.
// Quando Allowed=false, State é o estado sem alteração.
type Consumption struct {
	Allowed bool
	State   WindowState
}

// WindowStore guarda e muta os WindowState.
//
// TryConsume precisa ser atômico por chave: duas chamadas concorrentes nunca
// podem ver remaining > 0 e decrementar além de zero.
// A implementação pode ser em memória (uma instância) ou compartilhada (Redis).
type WindowStore interface {
	TryConsume(ctx context.Context, key Key, quota Quota, cost int) (Consumption, error)
	// Peek é somente leitura: não cria nem muta. Retorna nil quando não existe
	// janela ativa.
	Peek(ctx context.Context, key Key, category Category) (*WindowState, error)
}

type Decision struct {
	Allowed bool
	// Exempt indica categoria sem limite: nenhum header deve ser enviado.
	Exempt bool
	State  WindowState
	// ResetIn é o tempo até a virada da janela (vale para allow e deny).
	ResetIn time.Duration
	// RetryAfter é o tempo até o reset da janela quando bloquear.
	// Se 0, não há recomendação.
	RetryAfter time.Duration
}
