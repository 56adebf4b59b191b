package domain

import "time"

// Category é a classe de operação com política de quota própria.
type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategoryPostCreation   Category = "post-creation"
	// CategoryFollow cobre follow e unfollow: os dois verbos compartilham o contador.
	CategoryFollow        Category = "follow"
	CategoryMediaUpload   Category = "media-upload"
	CategoryPasswordReset Category = "password-reset"
	CategoryGeneral       Category = "general"
)

// Categories lista todas as categorias conhecidas, em ordem estável.
func Categories() []Category {
	return []Category{
		CategoryAuthentication,
		CategoryPostCreation,
		CategoryFollow,
		CategoryMediaUpload,
		CategoryPasswordReset,
		CategoryGeneral,
	}
}

func (c Category) Valid() bool {
	for _, known := range Categories() {
		if c == known {
			return true
		}
	}
	return false
}

func (c Category) String() string { return string(c) }

// Policy é a configuração estática de uma categoria.
type Policy struct {
	Category Category
	Window   time.Duration
	// Max vale para requisições autenticadas.
	Max int
	// AnonymousMax vale para requisições sem principal. Se 0, usa Max.
	AnonymousMax int
	// Exempt desliga o limite (leituras): nunca bloqueia e não envia headers.
	Exempt bool
	// ExposeKey inclui a chave usada (rateLimitKey) no corpo do 429.
	ExposeKey bool
	// Message é o texto do 429 para esta categoria.
	Message string
}

// LimitFor resolve o máximo antes de consultar a quota.
func (p Policy) LimitFor(authenticated bool) int {
	if !authenticated && p.AnonymousMax > 0 {
		return p.AnonymousMax
	}
	return p.Max
}

func (p Policy) Quota(authenticated bool) Quota {
	return Quota{
		Category: p.Category,
		Window:   p.Window,
		Limit:    p.LimitFor(authenticated),
	}
}
