package client

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nhblend/native/lending"
)

func TestClientMapsErrorKinds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/positions/pos-1/repay":
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"error":"lending: repay amount exceeds outstanding debt","kind":"economic"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"lending: position not found","kind":"validation"}`))
		}
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL + "/"})
	require.NoError(t, err)

	_, err = c.Repay(context.Background(), "pos-1", big.NewInt(10))
	require.Error(t, err)
	require.True(t, errors.Is(err, lending.ErrEconomic))
	require.False(t, errors.Is(err, lending.ErrValidation))
	require.False(t, NotFound(err))

	_, err = c.GetPosition(context.Background(), "pos-9")
	require.True(t, NotFound(err))
	require.True(t, errors.Is(err, lending.ErrValidation))
}

func TestClientRetriesWritesWithSameKey(t *testing.T) {
	var (
		mu    sync.Mutex
		keys  []string
		auths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys = append(keys, r.Header.Get(headerIdempotencyKey))
		auths = append(auths, r.Header.Get("Authorization"))
		first := len(keys) == 1
		mu.Unlock()
		if first {
			conn, _, err := w.(http.Hijacker).Hijack()
			require.NoError(t, err)
			_ = conn.Close()
			return
		}
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Supply{Asset: "USDC", Amount: body["amount"], Shares: body["amount"]})
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL, BearerToken: "tok", Retries: 2})
	require.NoError(t, err)
	c.retryDelay = time.Millisecond

	out, err := c.SupplyLiquidity(context.Background(), "usdc", big.NewInt(250))
	require.NoError(t, err)
	require.Equal(t, "250", out.Shares)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, keys, 2)
	require.NotEmpty(t, keys[0])
	require.Equal(t, keys[0], keys[1])
	require.Equal(t, []string{"Bearer tok", "Bearer tok"}, auths)
}

func TestClientReadsDoNotCarryKeys(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.Header.Get(headerIdempotencyKey))
		_ = json.NewEncoder(w).Encode(Market{Asset: "USDC", UtilizationBps: 4000, BorrowAPR: "3.00"})
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	market, err := c.GetMarketRates(context.Background(), "usdc")
	require.NoError(t, err)
	require.EqualValues(t, 4000, market.UtilizationBps)
	require.Equal(t, "3.00", market.BorrowAPR)
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
