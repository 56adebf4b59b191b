// Package auth resolve o principal autenticado de uma request (bearer token)
// e o deixa no contexto para as camadas seguintes (ex.: a chave do rate limit).
//
// A emissão/validação real de credenciais é um colaborador externo; aqui fica
// só o contrato e um registro de tokens em memória.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"parasocial-gateway/response"
)

var ErrInvalidToken = errors.New("auth: invalid token")

type Principal struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.ID != ""
}

// Authenticator valida um bearer token.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Principal, error)
}

// TokenRegistry emite tokens opacos (uuid) e os resolve. Em memória.
type TokenRegistry struct {
	mu     sync.RWMutex
	tokens map[string]Principal
}

func NewTokenRegistry() *TokenRegistry {
	return &TokenRegistry{tokens: make(map[string]Principal)}
}

func (r *TokenRegistry) Issue(p Principal) string {
	token := uuid.NewString()
	r.mu.Lock()
	r.tokens[token] = p
	r.mu.Unlock()
	return token
}

func (r *TokenRegistry) Revoke(token string) {
	r.mu.Lock()
	delete(r.tokens, token)
	r.mu.Unlock()
}

func (r *TokenRegistry) Authenticate(_ context.Context, token string) (Principal, error) {
	r.mu.RLock()
	p, ok := r.tokens[token]
	r.mu.RUnlock()
	if !ok {
		return Principal{}, ErrInvalidToken
	}
	return p, nil
}

// BearerToken extrai o token do header Authorization.
func BearerToken(r *http.Request) (string, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return "", false
	}
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Require exige principal. Roda antes do rate limit: request sem auth não
// consome quota nem recebe headers de rate limit.
func Require(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				response.Error(w, http.StatusUnauthorized, response.CodeAuthenticationRequired, "Authentication required")
				return
			}
			p, err := a.Authenticate(r.Context(), token)
			if err != nil {
				response.Error(w, http.StatusUnauthorized, response.CodeInvalidToken, "Invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// Optional anexa o principal quando há token válido. Token presente mas
// inválido é rejeitado, para não cair silenciosamente na quota anônima.
func Optional(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			p, err := a.Authenticate(r.Context(), token)
			if err != nil {
				response.Error(w, http.StatusUnauthorized, response.CodeInvalidToken, "Invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
