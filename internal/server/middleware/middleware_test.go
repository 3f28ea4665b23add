package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftbazaar/internal/crypto"
	"github.com/alanyoungcy/nftbazaar/internal/domain"
)

const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

type memReplay struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func (m *memReplay) Remember(_ context.Context, key string, _ time.Duration) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == nil {
		m.seen = map[string]bool{}
	}
	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	return true, nil
}

type recorded struct {
	req  domain.Request
	body string
}

func echo(got *recorded) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, ok := RequestFrom(r.Context())
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		b, _ := io.ReadAll(r.Body)
		got.req, got.body = req, string(b)
		w.WriteHeader(http.StatusOK)
	})
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func signed(t *testing.T, s *crypto.Signer, method, path, body string, at time.Time, value *uint256.Int) *http.Request {
	t.Helper()
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	h, err := s.SignRequest(method, path, at, value, []byte(body))
	require.NoError(t, err)
	for k, v := range h {
		r.Header.Set(k, v)
	}
	return r
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["code"]
}

func TestSignatureAccepts(t *testing.T) {
	s, err := crypto.NewSigner(testKey)
	require.NoError(t, err)
	now := time.Unix(1_800_000_000, 0)
	mw := Signature(SignatureConfig{MaxSkew: time.Minute, Replay: &memReplay{}, Now: func() time.Time { return now }, Logger: quietLogger()})

	var got recorded
	rec := httptest.NewRecorder()
	mw(echo(&got)).ServeHTTP(rec, signed(t, s, http.MethodPost, "/api/listings/3/purchase", `{}`, now.Add(-10*time.Second), uint256.NewInt(1000)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, s.Address(), got.req.Caller)
	assert.Equal(t, uint64(1000), got.req.Paid().Uint64())
	assert.Equal(t, `{}`, got.body)
}

func TestSignatureRejects(t *testing.T) {
	s, err := crypto.NewSigner(testKey)
	require.NoError(t, err)
	now := time.Unix(1_800_000_000, 0)
	replay := &memReplay{}
	mw := Signature(SignatureConfig{MaxSkew: time.Minute, Replay: replay, Now: func() time.Time { return now }, Logger: quietLogger()})
	h := mw(echo(&recorded{}))

	serve := func(r *http.Request) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec
	}

	t.Run("missing headers", func(t *testing.T) {
		rec := serve(httptest.NewRequest(http.MethodPost, "/api/listings", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "unauthorized", errorCode(t, rec))
	})

	t.Run("stale timestamp", func(t *testing.T) {
		rec := serve(signed(t, s, http.MethodPost, "/api/listings", `{}`, now.Add(-2*time.Minute), nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("tampered body", func(t *testing.T) {
		r := signed(t, s, http.MethodPost, "/api/listings", `{"price":"1"}`, now, nil)
		r.Body = io.NopCloser(strings.NewReader(`{"price":"2"}`))
		assert.Equal(t, http.StatusUnauthorized, serve(r).Code)
	})

	t.Run("tampered value", func(t *testing.T) {
		r := signed(t, s, http.MethodPost, "/api/listings/1/purchase", ``, now, uint256.NewInt(5))
		r.Header.Set(crypto.HeaderValue, "6")
		assert.Equal(t, http.StatusUnauthorized, serve(r).Code)
	})

	t.Run("bad value", func(t *testing.T) {
		r := signed(t, s, http.MethodPost, "/api/listings/1/purchase", ``, now, nil)
		r.Header.Set(crypto.HeaderValue, "-1")
		rec := serve(r)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_request", errorCode(t, rec))
	})

	t.Run("replay", func(t *testing.T) {
		r1 := signed(t, s, http.MethodPost, "/api/listings/9/cancel", ``, now, nil)
		r2 := signed(t, s, http.MethodPost, "/api/listings/9/cancel", ``, now, nil)
		assert.Equal(t, http.StatusOK, serve(r1).Code)
		assert.Equal(t, http.StatusUnauthorized, serve(r2).Code)
	})

	t.Run("guard down", func(t *testing.T) {
		down := Signature(SignatureConfig{MaxSkew: time.Minute, Replay: &memReplay{err: errors.New("redis down")}, Now: func() time.Time { return now }, Logger: quietLogger()})
		rec := httptest.NewRecorder()
		down(echo(&recorded{})).ServeHTTP(rec, signed(t, s, http.MethodPost, "/api/listings", `{}`, now, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

type stubLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (l *stubLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	l.keys = append(l.keys, key)
	return l.allow, l.err
}

func TestRateLimit(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	l := &stubLimiter{allow: false}
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	RateLimit(l, 10, time.Minute, quietLogger())(ok).ServeHTTP(rec, r)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", errorCode(t, rec))
	assert.Equal(t, []string{"ratelimit:api:203.0.113.9"}, l.keys)

	failing := &stubLimiter{err: errors.New("down")}
	rec = httptest.NewRecorder()
	RateLimit(failing, 10, time.Minute, quietLogger())(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })
	h := CORS([]string{"https://app.example"})(next)

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodOptions, "/api/listings", nil)
	r.Header.Set("Origin", "https://app.example")
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), crypto.HeaderSignature)

	rec = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "/api/listings", nil)
	r.Header.Set("Origin", "https://evil.example")
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

type obsRecorder struct{ routes []string }

func (o *obsRecorder) ObserveHTTP(_, route string, status int, _ time.Duration) {
	o.routes = append(o.routes, route+" "+http.StatusText(status))
}

func TestLoggingRoute(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/listings/{id}", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNotFound) })
	obs := &obsRecorder{}
	h := Logging(quietLogger(), obs)(mux)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/listings/7", nil))
	assert.Equal(t, []string{"GET /api/listings/{id} Not Found"}, obs.routes)
}
