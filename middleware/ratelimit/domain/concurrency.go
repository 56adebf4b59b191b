package domain

import "context"

// SlotPool limita quantas operações rodam ao mesmo tempo (uploads de mídia).
// É independente do rate limit por janela: uma request precisa passar pelos dois.
type SlotPool interface {
	// Acquire espera por uma vaga até o ctx encerrar. release é idempotente.
	Acquire(ctx context.Context) (release func(), ok bool)
	InUse() int
	Capacity() int
}
