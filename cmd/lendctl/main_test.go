package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestTokenCommandMintsScopedJWT(t *testing.T) {
	t.Setenv("LENDCTL_TEST_SECRET", "cli-secret")
	var out bytes.Buffer
	err := run(context.Background(), []string{
		"token",
		"-sub", "0x00000000000000000000000000000000000000a1",
		"-scopes", "lending:borrow, lending:liquidate",
		"-issuer", "nhblend",
		"-secret-env", "LENDCTL_TEST_SECRET",
	}, &out)
	require.NoError(t, err)

	parsed, err := jwt.Parse(strings.TrimSpace(out.String()), func(*jwt.Token) (interface{}, error) {
		return []byte("cli-secret"), nil
	})
	require.NoError(t, err)
	claims := parsed.Claims.(jwt.MapClaims)
	require.Equal(t, common.HexToAddress("0xa1").Hex(), claims["sub"])
	require.Equal(t, "lending:borrow lending:liquidate", claims["scope"])
	require.Equal(t, "nhblend", claims["iss"])
}

func TestRunSendsCommandsToServer(t *testing.T) {
	var gotPath, gotAuth, gotAmount string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotAmount = body["amount"]
		_, _ = w.Write([]byte(`{"id":"pos-3","status":"active","totalDebt":"75"}`))
	}))
	t.Cleanup(srv.Close)

	var out bytes.Buffer
	err := run(context.Background(), []string{"-url", srv.URL, "-token", "abc", "repay", "pos-3", "25"}, &out)
	require.NoError(t, err)
	require.Equal(t, "/v1/positions/pos-3/repay", gotPath)
	require.Equal(t, "Bearer abc", gotAuth)
	require.Equal(t, "25", gotAmount)
	require.Contains(t, out.String(), `"totalDebt": "75"`)
}

func TestRunRejectsBadInput(t *testing.T) {
	var out bytes.Buffer
	require.True(t, errors.Is(run(context.Background(), nil, &out), errUsage))
	require.True(t, errors.Is(run(context.Background(), []string{"explode"}, &out), errUsage))
	require.True(t, errors.Is(run(context.Background(), []string{"repay", "pos-1"}, &out), errUsage))
	require.Error(t, run(context.Background(), []string{"deposit", "eth", "-5"}, &out))
	require.Error(t, run(context.Background(), []string{"pause", "everything"}, &out))
}

func TestParsePauses(t *testing.T) {
	p, err := parsePauses([]string{"borrow", "Supply"})
	require.NoError(t, err)
	require.True(t, p.Borrow)
	require.True(t, p.Supply)
	require.False(t, p.Repay)
}
