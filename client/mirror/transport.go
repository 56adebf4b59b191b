package mirror

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CategoryFunc resolve a categoria de uma request de saída. ok=false para
// rotas sem rate limit.
type CategoryFunc func(r *http.Request) (category string, ok bool)

// PredictedLimitError é devolvido sem ir à rede quando o mirror prevê bloqueio.
type PredictedLimitError struct {
	Category string
	RetryIn  time.Duration
}

func (e *PredictedLimitError) Error() string {
	return fmt.Sprintf("rate limit predicted for %s: retry in %d seconds", e.Category, int(e.RetryIn/time.Second))
}

// DefaultCategory mapeia as rotas da API ParaSocial para suas categorias.
func DefaultCategory(r *http.Request) (string, bool) {
	p := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case r.Method == http.MethodPost && (p == "/api/auth/login" || p == "/api/auth/register"):
		return "authentication", true
	case r.Method == http.MethodPost && p == "/api/auth/password-reset":
		return "password-reset", true
	case r.Method == http.MethodPost && p == "/api/posts":
		return "post-creation", true
	case (r.Method == http.MethodPost || r.Method == http.MethodDelete) &&
		strings.HasPrefix(p, "/api/users/") && strings.HasSuffix(p, "/follow"):
		// follow e unfollow compartilham a quota
		return "follow", true
	case r.Method == http.MethodPost && p == "/api/media":
		return "media-upload", true
	}
	return "", false
}

// Transport é um http.RoundTripper que consulta o mirror antes de enviar e
// o alimenta com cada resposta.
type Transport struct {
	Base     http.RoundTripper
	Mirror   *Mirror
	Category CategoryFunc
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	resolve := t.Category
	if resolve == nil {
		resolve = DefaultCategory
	}
	category, ok := resolve(req)
	if !ok || t.Mirror == nil {
		return t.base().RoundTrip(req)
	}

	if t.Mirror.IsLimited(category) {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, &PredictedLimitError{
			Category: category,
			RetryIn:  time.Duration(t.Mirror.TimeUntilResetSeconds(category)) * time.Second,
		}
	}

	resp, err := t.base().RoundTrip(req)
	if err != nil {
		return nil, err
	}

	t.Mirror.Ingest(category, resp.Header)

	if resp.StatusCode == http.StatusTooManyRequests {
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		resp.Body = io.NopCloser(bytes.NewReader(body))
		if readErr != nil {
			return resp, nil
		}
		if err := t.Mirror.IngestError(category, body); err != nil {
			t.Mirror.log.Debug("ignoring rate limit body", zap.String("category", category), zap.Error(err))
		}
	}
	return resp, nil
}
