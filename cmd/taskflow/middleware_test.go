package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/config"
	"github.com/BaSui01/taskflow/internal/ctxkeys"
	"github.com/BaSui01/taskflow/internal/metrics"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(okHandler(), mw("outer"), mw("inner"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders()(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ctxkeys.RequestID(r.Context())
	}))

	t.Run("preserves incoming id", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("X-Request-ID", "req-123")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		assert.Equal(t, "req-123", seen)
		assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
	})

	t.Run("generates when missing", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Len(t, seen, 36)
		assert.Equal(t, seen, w.Header().Get("X-Request-ID"))
	})
}

func TestRecovery(t *testing.T) {
	h := Recovery(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	require.NotPanics(t, func() {
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal server error")
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://console.example.com"})(okHandler())

	tests := []struct {
		name       string
		method     string
		origin     string
		wantStatus int
		wantAllow  string
	}{
		{"allowed origin", http.MethodGet, "https://console.example.com", http.StatusOK, "https://console.example.com"},
		{"unknown origin passes without headers", http.MethodGet, "https://evil.example.com", http.StatusOK, ""},
		{"preflight allowed", http.MethodOptions, "https://console.example.com", http.StatusNoContent, "https://console.example.com"},
		{"preflight denied", http.MethodOptions, "https://evil.example.com", http.StatusForbidden, ""},
		{"no origin", http.MethodGet, "", http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, "/api/v1/agents", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantAllow, w.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2, zap.NewNop())
	h := rl.Middleware()(okHandler())

	do := func(addr string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = addr
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1:1000").Code)
	assert.Equal(t, http.StatusOK, do("10.0.0.1:1001").Code)
	limited := do("10.0.0.1:1002")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "1", limited.Header().Get("Retry-After"))

	// 不同 IP 独立计数
	assert.Equal(t, http.StatusOK, do("10.0.0.2:1000").Code)

	t.Run("update lifts limit for existing visitors", func(t *testing.T) {
		rl.Update(0, 0)
		for i := 0; i < 5; i++ {
			assert.Equal(t, http.StatusOK, do("10.0.0.1:1003").Code)
		}
	})

	t.Run("evict drops idle visitors", func(t *testing.T) {
		rl.evict(time.Now().Add(time.Minute))
		rl.mu.Lock()
		defer rl.mu.Unlock()
		assert.Empty(t, rl.visitors)
	})
}

func signToken(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func TestAuthenticator(t *testing.T) {
	const secret = "test-secret"
	auth := NewAuthenticator(config.AuthConfig{
		Enabled:   true,
		APIKeys:   []string{"key-1"},
		JWTSecret: secret,
		JWTIssuer: "taskflow",
	}, []string{"/health"}, zap.NewNop())

	valid := signToken(t, secret, jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    "taskflow",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	expired := signToken(t, secret, jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    "taskflow",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	wrongIssuer := signToken(t, secret, jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    "someone-else",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	noExpiry := signToken(t, secret, jwt.RegisteredClaims{Subject: "alice", Issuer: "taskflow"})
	wrongSecret := signToken(t, "other", jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    "taskflow",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	tests := []struct {
		name          string
		header        string
		value         string
		wantErr       bool
		wantPrincipal string
	}{
		{"api key header", "X-API-Key", "key-1", false, ""},
		{"api key bearer", "Authorization", "Bearer key-1", false, ""},
		{"wrong api key", "X-API-Key", "nope", true, ""},
		{"valid jwt", "Authorization", "Bearer " + valid, false, "jwt:alice"},
		{"expired jwt", "Authorization", "Bearer " + expired, true, ""},
		{"wrong issuer", "Authorization", "Bearer " + wrongIssuer, true, ""},
		{"missing exp", "Authorization", "Bearer " + noExpiry, true, ""},
		{"wrong secret", "Authorization", "Bearer " + wrongSecret, true, ""},
		{"basic scheme", "Authorization", "Basic a2V5LTE=", true, ""},
		{"no credentials", "", "", true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
			if tt.header != "" {
				r.Header.Set(tt.header, tt.value)
			}
			principal, err := auth.Authenticate(r)
			if tt.wantErr {
				assert.ErrorIs(t, err, errUnauthenticated)
				return
			}
			require.NoError(t, err)
			if tt.wantPrincipal != "" {
				assert.Equal(t, tt.wantPrincipal, principal)
			} else {
				assert.Regexp(t, `^key:[0-9a-f]{8}$`, principal)
			}
		})
	}
}

func TestAuthenticator_Middleware(t *testing.T) {
	auth := NewAuthenticator(config.AuthConfig{Enabled: true, APIKeys: []string{"key-1"}}, []string{"/health"}, zap.NewNop())

	var principal string
	h := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, _ = ctxkeys.Principal(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("rejects without credentials", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))
	})

	t.Run("skip path", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("jwt disabled without secret", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
		r.Header.Set("Authorization", "Bearer "+signToken(t, "x", jwt.RegisteredClaims{
			Subject:   "bob",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("stores principal", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
		r.Header.Set("X-API-Key", "key-1")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Regexp(t, `^key:`, principal)
	})
}

func TestRoutePattern(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/agents/{id}", func(http.ResponseWriter, *http.Request) {})

	assert.Equal(t, "GET /api/v1/agents/{id}", routePattern(mux, httptest.NewRequest(http.MethodGet, "/api/v1/agents/a1", nil)))
	assert.Equal(t, "unmatched", routePattern(mux, httptest.NewRequest(http.MethodGet, "/nope", nil)))
	assert.Equal(t, "/raw", routePattern(nil, httptest.NewRequest(http.MethodGet, "/raw", nil)))
}

func TestStatusRecorder(t *testing.T) {
	base := httptest.NewRecorder()
	rec := newStatusRecorder(base)
	assert.Same(t, rec, newStatusRecorder(rec))

	rec.WriteHeader(http.StatusTeapot)
	rec.WriteHeader(http.StatusOK)
	n, err := rec.Write([]byte("hello"))
	require.NoError(t, err)

	assert.Equal(t, 5, n)
	assert.Equal(t, http.StatusTeapot, rec.status)
	assert.Equal(t, int64(5), rec.bytes)
	assert.Same(t, base, rec.Unwrap())
	assert.NotNil(t, http.NewResponseController(rec))
}

func TestMetricsAndTracing(t *testing.T) {
	collector := metrics.NewCollector("mwtest", zap.NewNop())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/agents/{id}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	h := Chain(mux, Tracing(noop.NewTracerProvider().Tracer("test"), mux), Metrics(collector, mux))

	for _, id := range []string{"a1", "a2", "a3"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/agents/"+id, nil))
		require.Equal(t, http.StatusOK, w.Code)
	}

	// 路径参数不产生新的时间序列
	count, err := testutil.GatherAndCount(collector.Gatherer(), "mwtest_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
