package application

import (
	"context"
	"time"

	"parasocial-gateway/middleware/ratelimit/domain"
)

// ConcurrencyService aplica o timeout de espera por uma vaga do pool,
// sem saber nada sobre HTTP.
type ConcurrencyService struct {
	Pool           domain.SlotPool
	AcquireTimeout time.Duration
}

// Acquire espera por uma vaga. AcquireTimeout <= 0 espera enquanto ctx viver.
//
// Erros: domain.ErrNoSlot quando o timeout estoura; ctx.Err() quando a própria
// request foi cancelada enquanto esperava.
func (s ConcurrencyService) Acquire(ctx context.Context) (func(), error) {
	if s.Pool == nil {
		return func() {}, nil
	}

	acqCtx := ctx
	if s.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acqCtx, cancel = context.WithTimeout(ctx, s.AcquireTimeout)
		defer cancel()
	}

	release, ok := s.Pool.Acquire(acqCtx)
	if ok {
		return release, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, domain.ErrNoSlot
}

// InUse e Capacity são 0 sem pool.
func (s ConcurrencyService) InUse() int {
	if s.Pool == nil {
		return 0
	}
	return s.Pool.InUse()
}

func (s ConcurrencyService) Capacity() int {
	if s.Pool == nil {
		return 0
	}
	return s.Pool.Capacity()
}
