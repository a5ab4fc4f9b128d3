package middleware

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/go-chi/chi/v5"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"nhblend/native/lending"
	"nhblend/services/lending/audit"
)

const testSecret = "unit-test-secret"

var alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func principalEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok {
			_, _ = io.WriteString(w, "anonymous")
			return
		}
		roles := make([]string, 0, len(p.Roles))
		for _, role := range p.Roles {
			roles = append(roles, string(role))
		}
		_, _ = fmt.Fprintf(w, "%s %s", p.Address.Hex(), strings.Join(roles, ","))
	})
}

func TestAuthenticatorMapsScopesToRoles(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "nhblend"}, nil)
	handler := auth.Middleware(principalEcho())

	token := signToken(t, jwt.MapClaims{
		"sub":   alice.Hex(),
		"iss":   "nhblend",
		"scope": "lending:borrow lending:liquidate unknown lending:borrow",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	req := httptest.NewRequest(http.MethodGet, "/v1/markets/usdc/rates", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, alice.Hex()+" borrower,liquidator", rec.Body.String())
}

func TestAuthenticatorRejectsBadTokens(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, Audience: "lending"}, nil)
	handler := auth.Middleware(principalEcho())

	cases := map[string]string{
		"expired": signToken(t, jwt.MapClaims{
			"sub": alice.Hex(), "aud": "lending", "exp": time.Now().Add(-time.Hour).Unix(),
		}),
		"wrong audience": signToken(t, jwt.MapClaims{"sub": alice.Hex(), "aud": "other"}),
		"bad subject":    signToken(t, jwt.MapClaims{"sub": "alice", "aud": "lending"}),
		"garbage":        "not-a-jwt",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestAuthenticatorPassesAnonymousRequests(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret}, nil)
	rec := httptest.NewRecorder()
	auth.Middleware(principalEcho()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, "anonymous", rec.Body.String())
}

func TestRateLimiterPerCaller(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 1, Burst: 2})
	now := time.Unix(1_700_000_000, 0)
	limiter.clockNow = func() time.Time { return now }
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))

	do := func(remote string, principal *lending.Principal) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		if principal != nil {
			req = req.WithContext(WithPrincipal(req.Context(), *principal))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusOK, do("10.0.0.1:1000", nil))
	require.Equal(t, http.StatusOK, do("10.0.0.1:1001", nil))
	require.Equal(t, http.StatusTooManyRequests, do("10.0.0.1:1002", nil))
	require.Equal(t, http.StatusOK, do("10.0.0.2:1000", nil))

	p := lending.NewPrincipal(alice, lending.RoleBorrower)
	require.Equal(t, http.StatusOK, do("10.0.0.1:1003", &p))

	now = now.Add(time.Minute)
	require.Equal(t, http.StatusOK, do("10.0.0.1:1004", nil))
}

func openIdempotencyDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, audit.AutoMigrate(db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func TestIdempotencyReplaysStoredResponse(t *testing.T) {
	db := openIdempotencyDB(t)
	var calls int32
	handler := NewIdempotency(db, nil).Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprintf(w, `{"call":%d}`, n)
	}))

	send := func(method, path, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(`{}`))
		if key != "" {
			req.Header.Set(HeaderIdempotencyKey, key)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := send(http.MethodPost, "/v1/positions", "k-1")
	require.Equal(t, http.StatusCreated, first.Code)
	require.Equal(t, `{"call":1}`, first.Body.String())

	replay := send(http.MethodPost, "/v1/positions", "k-1")
	require.Equal(t, http.StatusCreated, replay.Code)
	require.Equal(t, `{"call":1}`, replay.Body.String())
	require.Equal(t, "true", replay.Header().Get(headerReplay))

	mismatch := send(http.MethodPost, "/v1/collateral/deposit", "k-1")
	require.Equal(t, http.StatusUnprocessableEntity, mismatch.Code)

	fresh := send(http.MethodPost, "/v1/positions", "")
	require.Equal(t, `{"call":2}`, fresh.Body.String())
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestIdempotencySkipsServerErrors(t *testing.T) {
	db := openIdempotencyDB(t)
	var calls int32
	handler := NewIdempotency(db, nil).Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/positions", nil)
		req.Header.Set(HeaderIdempotencyKey, "k-err")
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestObservabilityCountsByRoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs, err := NewObservability(ObservabilityConfig{}, reg, nil)
	require.NoError(t, err)

	router := chi.NewRouter()
	router.Use(obs.Middleware)
	router.Get("/v1/positions/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"pos-1", "pos-2"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/positions/"+id, nil))
	}
	require.Equal(t, 2.0, testutil.ToFloat64(obs.requests.WithLabelValues("/v1/positions/{id}", http.MethodGet, "404")))
}
