package application

import (
	"fmt"
	"slices"
	"time"

	"parasocial-gateway/middleware/ratelimit/domain"
)

// DefaultPolicies é a tabela de quotas por categoria usada quando nada é sobrescrito.
func DefaultPolicies() map[domain.Category]domain.Policy {
	return map[domain.Category]domain.Policy{
		domain.CategoryAuthentication: {
			Category: domain.CategoryAuthentication,
			Window:   time.Minute,
			Max:      5,
		},
		domain.CategoryPostCreation: {
			Category:     domain.CategoryPostCreation,
			Window:       time.Minute,
			Max:          5,
			AnonymousMax: 2,
			ExposeKey:    true,
		},
		domain.CategoryFollow: {
			Category: domain.CategoryFollow,
			Window:   time.Hour,
			Max:      20,
		},
		domain.CategoryMediaUpload: {
			Category: domain.CategoryMediaUpload,
			Window:   15 * time.Minute,
			Max:      10,
		},
		domain.CategoryPasswordReset: {
			Category: domain.CategoryPasswordReset,
			Window:   time.Hour,
			Max:      3,
		},
		domain.CategoryGeneral: {
			Category: domain.CategoryGeneral,
			Exempt:   true,
		},
	}
}

// Override sobrescreve campos de uma política. Zero mantém o valor padrão.
type Override struct {
	Window       time.Duration
	Max          int
	AnonymousMax int
	Message      string
}

// PolicyTable é a configuração estática por categoria. Imutável depois de criada.
type PolicyTable struct {
	policies map[domain.Category]domain.Policy
}

func NewPolicyTable(overrides map[domain.Category]Override) (*PolicyTable, error) {
	policies := DefaultPolicies()

	for c, o := range overrides {
		p, ok := policies[c]
		if !ok {
			return nil, fmt.Errorf("%w: %q", domain.ErrUnknownCategory, c)
		}
		if o.Window != 0 {
			p.Window = o.Window
		}
		if o.Max != 0 {
			p.Max = o.Max
		}
		if o.AnonymousMax != 0 {
			p.AnonymousMax = o.AnonymousMax
		}
		if o.Message != "" {
			p.Message = o.Message
		}
		policies[c] = p
	}

	for c, p := range policies {
		if p.Exempt {
			continue
		}
		if p.Window <= 0 || p.Max <= 0 || p.AnonymousMax < 0 {
			return nil, fmt.Errorf("invalid policy for %q: window=%s max=%d anonymousMax=%d", c, p.Window, p.Max, p.AnonymousMax)
		}
		if p.Message == "" {
			p.Message = defaultMessage(p)
		}
		policies[c] = p
	}

	return &PolicyTable{policies: policies}, nil
}

func (t *PolicyTable) Lookup(c domain.Category) (domain.Policy, error) {
	p, ok := t.policies[c]
	if !ok {
		return domain.Policy{}, fmt.Errorf("%w: %q", domain.ErrUnknownCategory, c)
	}
	return p, nil
}

// All retorna as políticas ordenadas por categoria.
func (t *PolicyTable) All() []domain.Policy {
	out := make([]domain.Policy, 0, len(t.policies))
	for _, p := range t.policies {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b domain.Policy) int {
		if a.Category < b.Category {
			return -1
		}
		if a.Category > b.Category {
			return 1
		}
		return 0
	})
	return out
}

func defaultMessage(p domain.Policy) string {
	switch p.Category {
	case domain.CategoryAuthentication:
		return "Too many authentication attempts. Please try again later."
	case domain.CategoryPostCreation:
		return "Rate limit exceeded"
	case domain.CategoryFollow:
		return fmt.Sprintf("Follow action limit reached. You can perform %d follow/unfollow actions per %s.", p.Max, humanWindow(p.Window))
	case domain.CategoryMediaUpload:
		return fmt.Sprintf("Upload limit reached. You can upload %d files per %s.", p.Max, humanWindow(p.Window))
	case domain.CategoryPasswordReset:
		return "Too many password reset requests. Please try again later."
	default:
		return "Rate limit exceeded"
	}
}

// humanWindow formata a janela como "hour", "minute", "15 minutes", "2 hours".
func humanWindow(d time.Duration) string {
	switch {
	case d == time.Hour:
		return "hour"
	case d == time.Minute:
		return "minute"
	case d%time.Hour == 0:
		return fmt.Sprintf("%d hours", int(d/time.Hour))
	case d%time.Minute == 0:
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	case d%time.Second == 0:
		return fmt.Sprintf("%d seconds", int(d/time.Second))
	default:
		return d.String()
	}
}
