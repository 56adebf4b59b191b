package ratelimit

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"parasocial-gateway/middleware/auth"
	"parasocial-gateway/middleware/ratelimit/application"
	"parasocial-gateway/middleware/ratelimit/domain"
	"parasocial-gateway/response"
)

// Headers informativos enviados em toda resposta de rota limitada.
const (
	HeaderLimit     = "RateLimit-Limit"
	HeaderRemaining = "RateLimit-Remaining"
	HeaderReset     = "RateLimit-Reset"
)

// KeyFunc deriva a chave da quota e se a request está autenticada.
type KeyFunc func(r *http.Request) (key string, authenticated bool)

type Options struct {
	Store    domain.WindowStore
	Policies *application.PolicyTable
	Stats    domain.StatsStore
	KeyFn    KeyFunc
	// TrustXForwardedFor só deve ser ligado atrás de proxy confiável.
	TrustXForwardedFor bool
	// FailOpen deixa a request passar (sem headers) quando a store falha.
	// Padrão: fail-closed, 500 com mensagem genérica.
	FailOpen bool
	Logger   *zap.Logger
	Now      func() time.Time
	// DenyLogInterval amostra o log de bloqueios (padrão 1s).
	DenyLogInterval time.Duration
}

// ClientIP devolve o endereço de origem: primeiro IP do X-Forwarded-For
// (quando confiável) ou o host do RemoteAddr.
func ClientIP(r *http.Request, trustXFF bool) string {
	if trustXFF {
		// pega o primeiro IP do X-Forwarded-For (cliente original)
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}

	// fallback: RemoteAddr
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// DefaultKeyFunc usa o id do principal autenticado; sem principal, o IP.
func DefaultKeyFunc(trustXFF bool) KeyFunc {
	return func(r *http.Request) (string, bool) {
		if p, ok := auth.PrincipalFrom(r.Context()); ok {
			return p.ID, true
		}
		return ClientIP(r, trustXFF), false
	}
}

// Limiter aplica as políticas por categoria. Um Limiter é compartilhado por
// todas as rotas; cada rota escolhe sua categoria com Category.
type Limiter struct {
	svc      application.Service
	stats    domain.StatsStore
	keyFn    KeyFunc
	failOpen bool
	log      *zap.Logger
	now      func() time.Time
	denyLog  *rate.Sometimes
}

func New(opts Options) *Limiter {
	if opts.KeyFn == nil {
		opts.KeyFn = DefaultKeyFunc(opts.TrustXForwardedFor)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DenyLogInterval <= 0 {
		opts.DenyLogInterval = time.Second
	}

	return &Limiter{
		svc: application.Service{
			Store:    opts.Store,
			Policies: opts.Policies,
			Now:      opts.Now,
		},
		stats:    opts.Stats,
		keyFn:    opts.KeyFn,
		failOpen: opts.FailOpen,
		log:      opts.Logger.Named("ratelimit"),
		now:      opts.Now,
		denyLog:  &rate.Sometimes{First: 1, Interval: opts.DenyLogInterval},
	}
}

// Middleware é o atalho para uma única categoria.
func Middleware(opts Options, category domain.Category) func(next http.Handler) http.Handler {
	return New(opts).Category(category)
}

// Service expõe a camada de aplicação (ex.: endpoint de status via Peek).
func (l *Limiter) Service() application.Service { return l.svc }

// Key expõe a derivação de chave usada pelo Limiter.
func (l *Limiter) Key(r *http.Request) (string, bool) { return l.keyFn(r) }

// Category devolve o middleware da categoria. A categoria vem da configuração
// estática da rota, nunca da request; categoria desconhecida é erro de wiring
// e provoca panic.
func (l *Limiter) Category(category domain.Category) func(next http.Handler) http.Handler {
	policy := domain.Policy{Category: category, Exempt: true}
	if l.svc.Policies != nil {
		p, err := l.svc.Policies.Lookup(category)
		if err != nil {
			panic(fmt.Sprintf("ratelimit middleware: %v", err))
		}
		policy = p
	}

	return func(next http.Handler) http.Handler {
		if policy.Exempt {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, authenticated := l.keyFn(r)

			dec, err := l.svc.Decide(r.Context(), domain.Key(key), category, authenticated)
			if err != nil {
				l.storeFailure(w, r, next, category, err)
				return
			}
			l.record(r, key, category, dec)

			if dec.Exempt {
				next.ServeHTTP(w, r)
				return
			}

			setHeaders(w, dec)
			if !dec.Allowed {
				l.reject(w, r, policy, key, dec)
				return
			}

			// quota consumida não é devolvida se o handler falhar depois
			next.ServeHTTP(w, r)
		})
	}
}

func setHeaders(w http.ResponseWriter, dec domain.Decision) {
	h := w.Header()
	h.Set(HeaderLimit, formatInt(dec.State.Limit))
	h.Set(HeaderRemaining, formatInt(max(0, dec.State.Remaining)))
	h.Set(HeaderReset, formatInt(application.CeilSeconds(dec.ResetIn)))
}

func (l *Limiter) reject(w http.ResponseWriter, r *http.Request, policy domain.Policy, key string, dec domain.Decision) {
	seconds := application.CeilSeconds(dec.RetryAfter)

	l.denyLog.Do(func() {
		l.log.Warn("rate limit exceeded",
			zap.String("category", string(policy.Category)),
			zap.String("key", key),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("limit", dec.State.Limit),
			zap.Int("retry_after_seconds", seconds))
	})

	body := response.ErrorBody{
		Code:       response.CodeRateLimitExceeded,
		Message:    policy.Message,
		RetryAfter: formatRetryAfter(seconds),
	}
	if policy.ExposeKey {
		body.RateLimitKey = key
	}

	w.Header().Set(HeaderRemaining, "0")
	w.Header().Set("Retry-After", formatInt(seconds))
	response.WriteError(w, http.StatusTooManyRequests, body)
}

func (l *Limiter) storeFailure(w http.ResponseWriter, r *http.Request, next http.Handler, category domain.Category, err error) {
	fields := []zap.Field{
		zap.String("category", string(category)),
		zap.String("path", r.URL.Path),
		zap.Bool("fail_open", l.failOpen),
		zap.Error(err),
	}
	if errors.Is(err, domain.ErrUnknownCategory) {
		fields = append(fields, zap.String("hint", "route wired with unknown category"))
	}
	l.log.Error("rate limit store failure", fields...)

	if l.failOpen {
		next.ServeHTTP(w, r)
		return
	}
	response.Internal(w)
}

func (l *Limiter) record(r *http.Request, key string, category domain.Category, dec domain.Decision) {
	if l.stats == nil || dec.Exempt {
		return
	}
	err := l.stats.Record(r.Context(), domain.StatsEvent{
		Key:       domain.Key(key),
		Category:  category,
		Allowed:   dec.Allowed,
		Remaining: dec.State.Remaining,
		At:        l.now(),
	})
	if err != nil {
		l.log.Debug("rate limit stats record failed", zap.Error(err))
	}
}
