package requestid

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const Header = "X-Request-ID"

type contextKey struct{}

// Middleware garante um request id por request: reaproveita o do chi, depois o
// header do cliente, e por fim gera um uuid.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := middleware.GetReqID(r.Context())
		if id == "" {
			id = r.Header.Get(Header)
		}
		if id == "" {
			id = uuid.NewString()
		}

		w.Header().Set(Header, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, id)))
	})
}

// From retorna o request id do contexto ("" se ausente).
func From(ctx context.Context) string {
	if id, ok := ctx.Value(contextKey{}).(string); ok {
		return id
	}
	return middleware.GetReqID(ctx)
}
