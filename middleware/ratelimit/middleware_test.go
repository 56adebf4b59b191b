package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"parasocial-gateway/middleware/auth"
	"parasocial-gateway/middleware/ratelimit/application"
	"parasocial-gateway/middleware/ratelimit/domain"
	"parasocial-gateway/middleware/ratelimit/infra"
	"parasocial-gateway/response"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type failingStore struct{}

func (failingStore) TryConsume(context.Context, domain.Key, domain.Quota, int) (domain.Consumption, error) {
	return domain.Consumption{}, errors.Join(domain.ErrStoreUnavailable, errors.New("connection refused"))
}

func (failingStore) Peek(context.Context, domain.Key, domain.Category) (*domain.WindowState, error) {
	return nil, domain.ErrStoreUnavailable
}

func okHandler(calls *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, "ok")
	})
}

func newTestLimiter(t *testing.T, clock *testClock, opts Options) *Limiter {
	t.Helper()
	policies, err := application.NewPolicyTable(nil)
	require.NoError(t, err)

	if opts.Store == nil {
		opts.Store = infra.NewWindowStore(infra.WithClock(clock.Now))
	}
	opts.Policies = policies
	opts.Now = clock.Now
	return New(opts)
}

func asUser(r *http.Request, id string) *http.Request {
	return r.WithContext(auth.WithPrincipal(r.Context(), auth.Principal{ID: id, Username: id}))
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) response.ErrorBody {
	t.Helper()
	var env response.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.False(t, env.Success)
	require.NotNil(t, env.Error)
	return *env.Error
}

func TestMiddleware_PostCreationAllowsFiveThenRejects(t *testing.T) {
	clock := newTestClock()
	l := newTestLimiter(t, clock, Options{})

	calls := 0
	h := l.Category(domain.CategoryPostCreation)(okHandler(&calls))

	for i := range 5 {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, asUser(httptest.NewRequest(http.MethodPost, "http://example/api/posts", nil), "u1"))

		require.Equal(t, http.StatusCreated, w.Code, "request %d", i+1)
		assert.Equal(t, "5", w.Header().Get(HeaderLimit))
		assert.Equal(t, formatInt(4-i), w.Header().Get(HeaderRemaining))
		assert.Equal(t, "60", w.Header().Get(HeaderReset))
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, asUser(httptest.NewRequest(http.MethodPost, "http://example/api/posts", nil), "u1"))

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, 5, calls)
	assert.Equal(t, "5", w.Header().Get(HeaderLimit))
	assert.Equal(t, "0", w.Header().Get(HeaderRemaining))
	assert.Equal(t, "60", w.Header().Get("Retry-After"))

	body := decodeError(t, w)
	assert.Equal(t, response.CodeRateLimitExceeded, body.Code)
	assert.Equal(t, "Rate limit exceeded", body.Message)
	assert.Equal(t, "u1", body.RateLimitKey)
	assert.Equal(t, "60 seconds", body.RetryAfter)
}

func TestMiddleware_WindowResetsAfterExpiry(t *testing.T) {
	clock := newTestClock()
	l := newTestLimiter(t, clock, Options{})

	calls := 0
	h := l.Category(domain.CategoryPasswordReset)(okHandler(&calls))
	send := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "http://example/api/auth/password-reset", nil)
		r.RemoteAddr = "10.0.0.1:4000"
		h.ServeHTTP(w, r)
		return w
	}

	for range 3 {
		require.Equal(t, http.StatusCreated, send().Code)
	}

	clock.Advance(30 * time.Minute)
	w := send()
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1800 seconds", decodeError(t, w).RetryAfter)
	assert.Equal(t, "1800", w.Header().Get(HeaderReset))

	clock.Advance(30 * time.Minute)
	w = send()
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "2", w.Header().Get(HeaderRemaining))
	assert.Equal(t, "3600", w.Header().Get(HeaderReset))
	assert.Equal(t, 4, calls)
}

func TestMiddleware_FollowAndUnfollowShareQuota(t *testing.T) {
	clock := newTestClock()
	l := newTestLimiter(t, clock, Options{})

	calls := 0
	follow := l.Category(domain.CategoryFollow)(okHandler(&calls))
	unfollow := l.Category(domain.CategoryFollow)(okHandler(&calls))

	for i := range 20 {
		h, method := follow, http.MethodPost
		if i%2 == 1 {
			h, method = unfollow, http.MethodDelete
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, asUser(httptest.NewRequest(method, "http://example/api/users/bob/follow", nil), "u1"))
		require.Equal(t, http.StatusCreated, w.Code, "action %d", i+1)
	}

	w := httptest.NewRecorder()
	unfollow.ServeHTTP(w, asUser(httptest.NewRequest(http.MethodDelete, "http://example/api/users/bob/follow", nil), "u1"))
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	body := decodeError(t, w)
	assert.Equal(t, "Follow action limit reached. You can perform 20 follow/unfollow actions per hour.", body.Message)
	assert.Empty(t, body.RateLimitKey)
	assert.Equal(t, "3600 seconds", body.RetryAfter)
	assert.Equal(t, 20, calls)

	// outro usuário tem a própria quota
	w = httptest.NewRecorder()
	follow.ServeHTTP(w, asUser(httptest.NewRequest(http.MethodPost, "http://example/api/users/bob/follow", nil), "u2"))
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestMiddleware_AnonymousPostCreationUsesLowerLimit(t *testing.T) {
	clock := newTestClock()
	l := newTestLimiter(t, clock, Options{})

	calls := 0
	h := l.Category(domain.CategoryPostCreation)(okHandler(&calls))
	send := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "http://example/api/posts", nil)
		r.RemoteAddr = "192.0.2.10:5555"
		h.ServeHTTP(w, r)
		return w
	}

	w := send()
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "2", w.Header().Get(HeaderLimit))
	assert.Equal(t, "1", w.Header().Get(HeaderRemaining))

	require.Equal(t, http.StatusCreated, send().Code)

	w = send()
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "192.0.2.10", decodeError(t, w).RateLimitKey)
	assert.Equal(t, 2, calls)
}

func TestMiddleware_ExemptCategoryHasNoHeaders(t *testing.T) {
	clock := newTestClock()
	store := infra.NewWindowStore(infra.WithClock(clock.Now))
	l := newTestLimiter(t, clock, Options{Store: store})

	calls := 0
	h := l.Category(domain.CategoryGeneral)(okHandler(&calls))

	for range 50 {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://example/api/posts", nil))
		require.Equal(t, http.StatusCreated, w.Code)
		assert.Empty(t, w.Header().Get(HeaderLimit))
		assert.Empty(t, w.Header().Get(HeaderRemaining))
		assert.Empty(t, w.Header().Get(HeaderReset))
	}
	assert.Equal(t, 50, calls)
	assert.Equal(t, 0, store.Len())
}

func TestMiddleware_UnauthenticatedRequestConsumesNothing(t *testing.T) {
	clock := newTestClock()
	store := infra.NewWindowStore(infra.WithClock(clock.Now))
	l := newTestLimiter(t, clock, Options{Store: store})
	tokens := auth.NewTokenRegistry()

	calls := 0
	h := auth.Require(tokens)(l.Category(domain.CategoryFollow)(okHandler(&calls)))

	for range 3 {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "http://example/api/users/bob/follow", nil))
		require.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Empty(t, w.Header().Get(HeaderLimit))
	}
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, store.Len())

	token := tokens.Issue(auth.Principal{ID: "u1", Username: "alice"})
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "http://example/api/users/bob/follow", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "19", w.Header().Get(HeaderRemaining))
	assert.Equal(t, 1, store.Len())
}

func TestMiddleware_StoreFailureFailsClosedByDefault(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	clock := newTestClock()
	l := newTestLimiter(t, clock, Options{Store: failingStore{}, Logger: zap.New(core)})

	calls := 0
	h := l.Category(domain.CategoryAuthentication)(okHandler(&calls))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "http://example/api/auth/login", nil))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 0, calls)
	body := decodeError(t, w)
	assert.Equal(t, response.CodeInternal, body.Code)
	assert.NotContains(t, body.Message, "connection refused")
	assert.Empty(t, w.Header().Get(HeaderLimit))

	entries := logs.FilterMessage("rate limit store failure").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
}

func TestMiddleware_StoreFailureFailOpen(t *testing.T) {
	clock := newTestClock()
	l := newTestLimiter(t, clock, Options{Store: failingStore{}, FailOpen: true})

	calls := 0
	h := l.Category(domain.CategoryAuthentication)(okHandler(&calls))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "http://example/api/auth/login", nil))

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, 1, calls)
	assert.Empty(t, w.Header().Get(HeaderLimit))
}

func TestMiddleware_RecordsStats(t *testing.T) {
	clock := newTestClock()
	stats := infra.NewMemoryStatsStore(infra.WithTrackKeys(true))
	l := newTestLimiter(t, clock, Options{Stats: stats})

	calls := 0
	h := l.Category(domain.CategoryAuthentication)(okHandler(&calls))
	for range 7 {
		r := httptest.NewRequest(http.MethodPost, "http://example/api/auth/login", nil)
		r.RemoteAddr = "10.1.1.1:999"
		h.ServeHTTP(httptest.NewRecorder(), r)
	}

	assert.Equal(t, infra.Counters{Allowed: 5, Denied: 2}, stats.Total())
	assert.Equal(t, infra.Counters{Allowed: 5, Denied: 2}, stats.ByCategory()[string(domain.CategoryAuthentication)])
}

func TestMiddleware_DenialLogIsSampled(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	clock := newTestClock()
	l := newTestLimiter(t, clock, Options{Logger: zap.New(core), DenyLogInterval: time.Hour})

	calls := 0
	h := l.Category(domain.CategoryPasswordReset)(okHandler(&calls))
	for range 10 {
		r := httptest.NewRequest(http.MethodPost, "http://example/api/auth/password-reset", nil)
		r.RemoteAddr = "10.1.1.2:999"
		h.ServeHTTP(httptest.NewRecorder(), r)
	}

	entries := logs.FilterMessage("rate limit exceeded").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "password-reset", entries[0].ContextMap()["category"])
}

func TestMiddleware_UnknownCategoryPanics(t *testing.T) {
	l := newTestLimiter(t, newTestClock(), Options{})
	assert.Panics(t, func() { l.Category(domain.Category("likes")) })
}

func TestMiddleware_NilStoreDisablesLimiting(t *testing.T) {
	policies, err := application.NewPolicyTable(nil)
	require.NoError(t, err)

	calls := 0
	h := Middleware(Options{Policies: policies}, domain.CategoryAuthentication)(okHandler(&calls))
	for range 10 {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "http://example/api/auth/login", nil))
		require.Equal(t, http.StatusCreated, w.Code)
		assert.Empty(t, w.Header().Get(HeaderLimit))
	}
	assert.Equal(t, 10, calls)
}
