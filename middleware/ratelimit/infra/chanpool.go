package infra

import (
	"context"
	"sync"

	"parasocial-gateway/middleware/ratelimit/domain"
)

type chanPool struct {
	sem chan struct{}
}

// NewChanPool cria um semáforo baseado em channel. size < 1 vira 1.
func NewChanPool(size int) domain.SlotPool {
	return &chanPool{sem: make(chan struct{}, max(1, size))}
}

func (p *chanPool) Acquire(ctx context.Context) (func(), bool) {
	// vaga livre é concedida mesmo com ctx já encerrado
	select {
	case p.sem <- struct{}{}:
		return p.release(), true
	default:
	}

	select {
	case p.sem <- struct{}{}:
		return p.release(), true
	case <-ctx.Done():
		return nil, false
	}
}

func (p *chanPool) release() func() {
	var once sync.Once
	return func() { once.Do(func() { <-p.sem }) }
}

func (p *chanPool) InUse() int    { return len(p.sem) }
func (p *chanPool) Capacity() int { return cap(p.sem) }
