package logger

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

// TestParseLogLevel verifies mapping from strings to zapcore.Level and handling of unknown values.
func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		" WARN ":  zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
	}
	for s, lvl := range cases {
		got, ok := ParseLogLevel(s)
		require.True(t, ok)
		require.Equal(t, lvl, got)
	}

	_, ok := ParseLogLevel("unknown")
	require.False(t, ok)
}

// TestNewWithWriters_SplitsStreams checks that warnings land on the error stream only.
func TestNewWithWriters_SplitsStreams(t *testing.T) {
	t.Parallel()

	var out, errOut bytes.Buffer

	l := NewWithWriters(zapcore.DebugLevel, &out, &errOut)
	l.Info("staging ready")
	l.Warn("staging exists")

	require.Contains(t, out.String(), "staging ready")
	require.NotContains(t, out.String(), "staging exists")
	require.Contains(t, errOut.String(), "staging exists")
	require.NotContains(t, errOut.String(), "staging ready")
}

// TestContextHelpers ensures loggers travel through the context with their fields.
func TestContextHelpers(t *testing.T) {
	t.Parallel()

	require.Same(t, global, FromContext(context.Background()))

	var out bytes.Buffer

	ctx := ToContext(context.Background(), NewWithWriters(zapcore.InfoLevel, &out, &out))
	ctx = WithName(ctx, "deploy-packager")

	InfoKV(ctx, "copied", "staging", "/tmp/deploy", "files", 3)
	DebugKV(ctx, "hidden")

	logged := out.String()
	require.Contains(t, logged, "deploy-packager")
	require.Contains(t, logged, "/tmp/deploy")
	require.Contains(t, logged, "copied")
	require.NotContains(t, logged, "hidden")
}
