// Package api expõe as rotas HTTP da ParaSocial com o rate limit por categoria
// aplicado rota a rota.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"parasocial-gateway/middleware/auth"
	"parasocial-gateway/middleware/httplog"
	"parasocial-gateway/middleware/ratelimit"
	"parasocial-gateway/middleware/ratelimit/domain"
	"parasocial-gateway/middleware/ratelimit/infra"
	"parasocial-gateway/middleware/requestid"
	"parasocial-gateway/response"
)

const defaultMaxUploadBytes = 10 << 20

// StatsSource é satisfeito por infra.MemoryStatsStore e infra.RedisStatsStore.
type StatsSource interface {
	Snapshot(ctx context.Context) (infra.StatsSnapshot, error)
}

type Deps struct {
	Limiter *ratelimit.Limiter
	Tokens  *auth.TokenRegistry
	Repo    *Repository
	// Stats nil desliga GET /api/ratelimit/stats.
	Stats  StatsSource
	Logger *zap.Logger

	UploadPool           domain.SlotPool
	UploadAcquireTimeout time.Duration
	MaxUploadBytes       int64
	BcryptCost           int
}

func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Limiter == nil {
		// sem políticas tudo fica isento
		d.Limiter = ratelimit.New(ratelimit.Options{Logger: d.Logger})
	}
	if d.Tokens == nil {
		d.Tokens = auth.NewTokenRegistry()
	}
	if d.Repo == nil {
		d.Repo = NewRepository(nil)
	}
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = defaultMaxUploadBytes
	}
	if d.BcryptCost == 0 {
		d.BcryptCost = bcrypt.DefaultCost
	}

	h := &handlers{
		repo:           d.Repo,
		tokens:         d.Tokens,
		limiter:        d.Limiter,
		stats:          d.Stats,
		log:            d.Logger.Named("api"),
		maxUploadBytes: d.MaxUploadBytes,
		bcryptCost:     d.BcryptCost,
	}

	limit := d.Limiter.Category
	requireAuth := auth.Require(d.Tokens)
	optionalAuth := auth.Optional(d.Tokens)
	uploadCap := ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{
		Pool:           d.UploadPool,
		AcquireTimeout: d.UploadAcquireTimeout,
		Logger:         d.Logger,
	})

	r := chi.NewRouter()
	// RequestID → Logging → Recovery
	r.Use(requestid.Middleware)
	r.Use(httplog.Logger(d.Logger))
	r.Use(httplog.Recoverer(d.Logger))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusNotFound, response.CodeNotFound, "The requested resource was not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, response.CodeNotFound, "The requested method is not allowed for this resource")
	})

	r.Get("/health", h.health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.With(limit(domain.CategoryAuthentication)).Post("/register", h.register)
			r.With(limit(domain.CategoryAuthentication)).Post("/login", h.login)
			r.With(limit(domain.CategoryPasswordReset)).Post("/password-reset", h.passwordReset)
			r.With(limit(domain.CategoryPasswordReset)).Post("/password-reset/confirm", h.confirmPasswordReset)
		})

		r.Route("/posts", func(r chi.Router) {
			r.With(limit(domain.CategoryGeneral)).Get("/", h.listPosts)
			r.With(limit(domain.CategoryGeneral)).Get("/{id}", h.getPost)
			// auth antes do limite: a chave depende do principal
			r.With(optionalAuth, limit(domain.CategoryPostCreation)).Post("/", h.createPost)
		})

		r.Route("/users/{id}", func(r chi.Router) {
			r.With(limit(domain.CategoryGeneral)).Get("/", h.getUser)
			r.With(requireAuth, limit(domain.CategoryFollow)).Post("/follow", h.follow)
			r.With(requireAuth, limit(domain.CategoryFollow)).Delete("/follow", h.unfollow)
			r.With(limit(domain.CategoryGeneral)).Get("/followers", h.followers)
			r.With(limit(domain.CategoryGeneral)).Get("/following", h.following)
		})

		r.With(requireAuth, limit(domain.CategoryMediaUpload), uploadCap).Post("/media", h.uploadMedia)

		r.Route("/ratelimit", func(r chi.Router) {
			r.With(optionalAuth).Get("/status", h.rateLimitStatus)
			r.Get("/stats", h.rateLimitStats)
		})
	})

	return r
}
