package ratelimit

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"parasocial-gateway/middleware/ratelimit/application"
	"parasocial-gateway/middleware/ratelimit/domain"
	"parasocial-gateway/middleware/ratelimit/infra"
	"parasocial-gateway/response"
)

// ConcurrencyOptions limita quantas requests da rota executam ao mesmo tempo
// (usado no upload de mídia). Pool nil cria um semáforo com capacidade Max.
type ConcurrencyOptions struct {
	Max            int
	Pool           domain.SlotPool
	AcquireTimeout time.Duration
	Logger         *zap.Logger
}

func ConcurrencyMiddleware(opts ConcurrencyOptions) func(next http.Handler) http.Handler {
	if opts.Pool == nil {
		if opts.Max <= 0 {
			return func(next http.Handler) http.Handler { return next }
		}
		opts.Pool = infra.NewChanPool(opts.Max)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	log := opts.Logger.Named("concurrency")

	svc := application.ConcurrencyService{
		Pool:           opts.Pool,
		AcquireTimeout: opts.AcquireTimeout,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			release, err := svc.Acquire(r.Context())
			if err != nil {
				if !errors.Is(err, domain.ErrNoSlot) {
					// cliente desistiu enquanto esperava
					log.Debug("request cancelled waiting for slot", zap.String("path", r.URL.Path), zap.Error(err))
					return
				}
				log.Info("no slot available",
					zap.String("path", r.URL.Path),
					zap.Int("in_use", svc.InUse()),
					zap.Int("capacity", svc.Capacity()),
					zap.Duration("timeout", opts.AcquireTimeout))
				w.Header().Set("Retry-After", "1")
				response.Error(w, http.StatusServiceUnavailable, response.CodeServiceBusy,
					"Server is busy processing other requests. Please retry shortly.")
				return
			}
			defer release()

			next.ServeHTTP(w, r)
		})
	}
}
