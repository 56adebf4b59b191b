// Package httplog registra acesso e recupera panics, usando zap.
package httplog

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"parasocial-gateway/middleware/requestid"
	"parasocial-gateway/response"
)

// Logger escreve uma linha por request com status e duração.
func Logger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", requestid.From(r.Context())),
			}
			switch {
			case status >= http.StatusInternalServerError:
				log.Error("request", fields...)
			case status == http.StatusTooManyRequests:
				log.Info("request", fields...)
			default:
				log.Debug("request", fields...)
			}
		})
	}
}

// Recoverer transforma panic em 500 JSON genérico; o stack vai só para o log.
func Recoverer(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					log.Error("panic recovered",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
						zap.String("request_id", requestid.From(r.Context())),
						zap.ByteString("stack", debug.Stack()))
					response.Internal(w)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
