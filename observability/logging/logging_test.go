package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupEmitsRenamedKeys(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger, closer := Setup("lendingd", "test", WithOutput(&buf), WithLevel(slog.LevelDebug))
	defer closer.Close()

	logger.Debug("position opened", "position", "pos-1")
	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "position opened", line["message"])
	require.Equal(t, "DEBUG", line["severity"])
	require.Equal(t, "lendingd", line["service"])
	require.Equal(t, "test", line["env"])
	require.Equal(t, "pos-1", line["position"])
	require.Contains(t, line, "timestamp")
}

func TestSetupWritesRotatedFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "lendingd.log")
	var buf bytes.Buffer
	logger, closer := Setup("lendingd", "", WithOutput(&buf), WithFile(FileConfig{Path: path, MaxSizeMB: 1}))
	logger.Info("auction finalized")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "auction finalized")
	require.Equal(t, buf.String(), string(data))
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	require.Equal(t, slog.LevelDebug, ParseLevel(" DEBUG "))
	require.Equal(t, slog.LevelInfo, ParseLevel("loud"))
}

func TestMaskField(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("jwt_secret", "hunter2").Value.String())
	require.Equal(t, "lendingd", MaskField("service", "lendingd").Value.String())
	require.Equal(t, "", MaskValue(""))
}

func TestRedactionAllowlistExcludesSecrets(t *testing.T) {
	keys := RedactionAllowlist()
	require.Contains(t, keys, "asset")
	require.NotContains(t, keys, "jwt_secret")
	require.NotContains(t, keys, "token")
	require.True(t, IsAllowlisted(" Position "))
}

func TestSetupMasksCredentialKeys(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger, closer := Setup("lendingd", "", WithOutput(&buf))
	defer closer.Close()

	logger.Info("auth configured", "jwt_secret", "hunter2", "bearer_token", "abc", "issuer", "nhblend", "token_ttl", "")
	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, RedactedValue, line["jwt_secret"])
	require.Equal(t, RedactedValue, line["bearer_token"])
	require.Equal(t, "nhblend", line["issuer"])
	require.Equal(t, "", line["token_ttl"])
	require.True(t, IsSensitive("Authorization"))
	require.False(t, IsSensitive("asset"))
}
