package server

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAmountAcceptsPlainDigits(t *testing.T) {
	got, err := parseAmount("amount", " 001500 ")
	require.NoError(t, err)
	require.Equal(t, "1500", got.String())

	widest := strings.Repeat("9", maxAmountDigits)
	got, err = parseAmount("amount", widest)
	require.NoError(t, err)
	require.Equal(t, widest, got.String())
}

func TestParseAmountRejectsNonDigitForms(t *testing.T) {
	for _, raw := range []string{
		"1e30000000",
		"1E3",
		"1.0",
		"-5",
		"+5",
		"0x10",
		"1_000",
		strings.Repeat("1", maxAmountDigits+1),
	} {
		_, err := parseAmount("amount", raw)
		require.Error(t, err, raw)
		require.True(t, errors.Is(err, errBadRequest), raw)
	}
}
