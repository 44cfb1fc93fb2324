package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hearth/internal/auth"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestTokenCommand(t *testing.T) {
	t.Setenv("HEARTH_API_SECRET", testSecret)
	var stdout, stderr bytes.Buffer

	code := run0([]string{"token", "ada"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	mgr, err := auth.NewJWTManager(testSecret, 0)
	require.NoError(t, err)
	claims, err := mgr.ValidateToken(strings.TrimSpace(stdout.String()))
	require.NoError(t, err)
	assert.Equal(t, "ada", claims.Operator)
}

func TestTokenCommandErrors(t *testing.T) {
	var stdout, stderr bytes.Buffer

	t.Setenv("HEARTH_API_SECRET", "")
	assert.Equal(t, 1, run0([]string{"token", "ada"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "HEARTH_API_SECRET is not set")

	t.Setenv("HEARTH_API_SECRET", testSecret)
	assert.Equal(t, 1, run0([]string{"token"}, &stdout, &stderr))
	assert.Empty(t, stdout.String())
}

func TestSecretCommandFeedsToken(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, run0([]string{"secret"}, &stdout, &stderr), stderr.String())
	secret := strings.TrimSpace(stdout.String())
	assert.Len(t, secret, 64)

	t.Setenv("HEARTH_API_SECRET", secret)
	stdout.Reset()
	assert.Equal(t, 0, run0([]string{"token", "ada"}, &stdout, &stderr), stderr.String())
	assert.NotEmpty(t, strings.TrimSpace(stdout.String()))
}

func TestVersionAndUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 0, run0([]string{"version"}, &stdout, &stderr))
	assert.Equal(t, "dev\n", stdout.String())

	stdout.Reset()
	assert.Equal(t, 2, run0([]string{"bogus"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "usage: hearth")
}

func TestLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, logLevel("debug"))
	assert.Equal(t, slog.LevelWarn, logLevel("WARN"))
	assert.Equal(t, slog.LevelInfo, logLevel(""))
	assert.Equal(t, slog.LevelInfo, logLevel("loud"))
}
