// Package mirror guarda, do lado do cliente, o último estado de rate limit
// informado pelo servidor para cada categoria.
//
// O servidor é sempre a fonte da verdade. O mirror só permite prever que uma
// chamada seria bloqueada (desabilitar botão, mostrar contagem regressiva)
// sem ir à rede.
package mirror

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	HeaderLimit     = "RateLimit-Limit"
	HeaderRemaining = "RateLimit-Remaining"
	HeaderReset     = "RateLimit-Reset"

	codeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
)

var (
	ErrMalformedBody       = errors.New("malformed rate limit error body")
	ErrMalformedRetryAfter = errors.New("malformed retryAfter")
)

// Headers são os valores crus dos headers RateLimit-*. Reset é relativo.
type Headers struct {
	Limit     int
	Remaining int
	Reset     time.Duration
}

// Prediction é o último estado conhecido de uma categoria.
type Prediction struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// ParseHeaders lê os três headers. ok=false quando algum falta ou é inválido;
// rotas isentas não mandam esses headers e isso não é erro.
func ParseHeaders(h http.Header) (Headers, bool) {
	limit, ok := parseNonNegative(h.Get(HeaderLimit))
	if !ok {
		return Headers{}, false
	}
	remaining, ok := parseNonNegative(h.Get(HeaderRemaining))
	if !ok {
		return Headers{}, false
	}
	reset, ok := parseNonNegative(h.Get(HeaderReset))
	if !ok {
		return Headers{}, false
	}
	return Headers{Limit: limit, Remaining: remaining, Reset: time.Duration(reset) * time.Second}, true
}

func parseNonNegative(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

// ParseRetryAfter aceita "<N> seconds", "<N> second" ou "<N>".
func ParseRetryAfter(s string) (time.Duration, error) {
	f := strings.Fields(s)
	if len(f) == 0 || len(f) > 2 {
		return 0, fmt.Errorf("%w: %q", ErrMalformedRetryAfter, s)
	}
	if len(f) == 2 && f[1] != "seconds" && f[1] != "second" {
		return 0, fmt.Errorf("%w: %q", ErrMalformedRetryAfter, s)
	}
	n, ok := parseNonNegative(f[0])
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrMalformedRetryAfter, s)
	}
	return time.Duration(n) * time.Second, nil
}

type Option func(*Mirror)

// WithClock troca o relógio. nil mantém time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Mirror) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(m *Mirror) {
		if log != nil {
			m.log = log
		}
	}
}

// Mirror é seguro para uso concorrente.
type Mirror struct {
	mu          sync.Mutex
	predictions map[string]Prediction
	now         func() time.Time
	log         *zap.Logger
}

func New(opts ...Option) *Mirror {
	m := &Mirror{
		predictions: make(map[string]Prediction),
		now:         time.Now,
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Ingest registra os headers de uma resposta. Headers ausentes ou inválidos
// não alteram o estado.
func (m *Mirror) Ingest(category string, h http.Header) {
	parsed, ok := ParseHeaders(h)
	if !ok {
		if h.Get(HeaderLimit) != "" {
			m.log.Debug("ignoring malformed rate limit headers",
				zap.String("category", category),
				zap.String("limit", h.Get(HeaderLimit)),
				zap.String("remaining", h.Get(HeaderRemaining)),
				zap.String("reset", h.Get(HeaderReset)))
		}
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictions[category] = Prediction{
		Limit:     parsed.Limit,
		Remaining: parsed.Remaining,
		ResetAt:   m.now().Add(parsed.Reset),
	}
}

type errorEnvelope struct {
	Error *struct {
		Code       string `json:"code"`
		RetryAfter string `json:"retryAfter"`
	} `json:"error"`
}

// IngestError registra o corpo de um 429: remaining vai a zero e o reset passa
// a ser agora + retryAfter. Corpo inválido devolve erro e não altera o estado.
func (m *Mirror) IngestError(category string, body []byte) error {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedBody, err)
	}
	if env.Error == nil || env.Error.Code != codeRateLimitExceeded {
		return fmt.Errorf("%w: not a %s error", ErrMalformedBody, codeRateLimitExceeded)
	}
	retryAfter, err := ParseRetryAfter(env.Error.RetryAfter)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.predictions[category]
	p.Remaining = 0
	p.ResetAt = m.now().Add(retryAfter)
	m.predictions[category] = p
	return nil
}

// IsLimited é true enquanto remaining == 0 e o reset ainda não passou.
// Depois do reset assume que a quota voltou, até a próxima resposta real.
func (m *Mirror) IsLimited(category string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.predictions[category]
	if !ok {
		return false
	}
	return p.Remaining == 0 && m.now().Before(p.ResetAt)
}

// TimeUntilResetSeconds arredonda para cima e nunca é negativo.
func (m *Mirror) TimeUntilResetSeconds(category string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.predictions[category]
	if !ok {
		return 0
	}
	d := p.ResetAt.Sub(m.now())
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

func (m *Mirror) Prediction(category string) (Prediction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.predictions[category]
	return p, ok
}

func (m *Mirror) Reset(category string) {
	m.mu.Lock()
	delete(m.predictions, category)
	m.mu.Unlock()
}

// ResetAll limpa tudo (logout).
func (m *Mirror) ResetAll() {
	m.mu.Lock()
	clear(m.predictions)
	m.mu.Unlock()
}
