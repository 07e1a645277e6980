package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"cashledger/backend/internal/domain"
	"cashledger/backend/internal/service"
	"cashledger/backend/internal/store/memory"
)

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	srv := newTestAPI(t, Options{})
	rec := srv.request(t, http.MethodGet, "/healthz", nil, nil)

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, rec.Header().Get("Referrer-Policy"))
}

func TestProtectedRoutesRequireBearerToken(t *testing.T) {
	srv := newTestAPI(t, Options{})

	rec := srv.request(t, http.MethodGet, "/products", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decode[errorBody](t, rec).Error)

	rec = srv.request(t, http.MethodGet, "/products", nil, map[string]string{"Authorization": "Basic abc"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = srv.request(t, http.MethodGet, "/products", nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTokensFromOtherIssuersRejected(t *testing.T) {
	srv := newTestAPI(t, Options{})

	foreign, err := NewTokenVerifier("another-secret-entirely-0123456789", "").Sign("intruder", "cashier", time.Hour)
	require.NoError(t, err)
	rec := srv.request(t, http.MethodGet, "/products", nil, map[string]string{"Authorization": "Bearer " + foreign})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := srv.verifier.Sign("cashier-1", "cashier", -time.Minute)
	require.NoError(t, err)
	rec = srv.request(t, http.MethodGet, "/products", nil, map[string]string{"Authorization": "Bearer " + expired})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	unsigned, err := jwtlib.NewWithClaims(jwtlib.SigningMethodNone, jwtlib.RegisteredClaims{
		Subject:   "cashier-1",
		ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwtlib.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	rec = srv.request(t, http.MethodGet, "/products", nil, map[string]string{"Authorization": "Bearer " + unsigned})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthDisabledTrustsOperatorHeader(t *testing.T) {
	repo := memory.New()
	srv := testServer{
		handler: New(service.New(repo), Options{Logger: zaptest.NewLogger(t)}).Handler(),
		repo:    repo,
	}

	rec := srv.request(t, http.MethodPost, "/sessions", domain.SessionOpenRequest{DrawerID: "back-1"}, map[string]string{"X-Operator-ID": "night-shift"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "night-shift", decode[domain.CashSession](t, rec).OperatorID)

	rec = srv.request(t, http.MethodPost, "/sessions", domain.SessionOpenRequest{DrawerID: "back-2"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "system", decode[domain.CashSession](t, rec).OperatorID)
}

func TestRateLimitReturns429(t *testing.T) {
	srv := newTestAPI(t, Options{RateLimitRPS: 0.01, RateLimitBurst: 2})

	for i := 0; i < 2; i++ {
		rec := srv.request(t, http.MethodGet, "/healthz", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}
	rec := srv.request(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "too_many_requests", decode[errorBody](t, rec).Error)

	other := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	other.RemoteAddr = "198.51.100.7:4000"
	res := httptest.NewRecorder()
	srv.handler.ServeHTTP(res, other)
	assert.Equal(t, http.StatusOK, res.Code)
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestAPI(t, Options{AllowedOrigins: []string{"https://pos.example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/sales", nil)
	req.Header.Set("Origin", "https://pos.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://pos.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/sales", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestJSONBodyTooLargeRejected(t *testing.T) {
	srv := newTestAPI(t, Options{})
	body := `{"drawer_id":"` + strings.Repeat("a", maxBodyBytes+1024) + `"}`

	req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+srv.token)
	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "body_too_large", decode[errorBody](t, rec).Error)
}
