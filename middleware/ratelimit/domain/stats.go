package domain

import (
	"context"
	"time"
)

// StatsEvent é uma decisão do limiter para (Category, Key).
// Key anônima é um IP: guardar por chave aumenta muito a cardinalidade.
type StatsEvent struct {
	Key       Key
	Category  Category
	Allowed   bool
	Remaining int
	At        time.Time
}

// StatsStore recebe as decisões. Falha aqui nunca bloqueia a request.
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}
