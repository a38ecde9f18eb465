// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry), "line: %s", line)
		entries = append(entries, entry)
	}
	return entries
}

// =====================================================
// Level Tests
// =====================================================

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LevelDebug},
		{" INFO ", LevelInfo},
		{"warning", LevelWarn},
		{"warn", LevelWarn},
		{"error", LevelError},
		{"garbage", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestLogger_minLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn)

	l.Debug("dropped")
	l.Info("dropped")
	l.Warn("kept")
	l.Error("kept too", errors.New("boom"))

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "WARN", entries[0]["level"])
	assert.Equal(t, "ERROR", entries[1]["level"])
	assert.Equal(t, LevelWarn, l.Level())
}

// =====================================================
// Entry Shape Tests
// =====================================================

func TestLogger_entryShape(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelDebug)

	l.Info("record pushed", map[string]interface{}{"local_id": -5, "remote_id": 42})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "record pushed", e["msg"])
	assert.Equal(t, "INFO", e["level"])
	assert.Contains(t, e, "timestamp")
	assert.Contains(t, e["caller"], "logger_test.go")

	ctx, ok := e["context"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, -5, ctx["local_id"])
	assert.EqualValues(t, 42, ctx["remote_id"])
}

func TestLogger_errorField(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelDebug)

	l.ErrorWithCode("push failed", "REMOTE_UNAVAILABLE", errors.New("timeout"))

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "timeout", entries[0]["error"])
	ctx := entries[0]["context"].(map[string]interface{})
	assert.Equal(t, "REMOTE_UNAVAILABLE", ctx["error_code"])
}

func TestMergeContext(t *testing.T) {
	assert.Nil(t, mergeContext())

	single := map[string]interface{}{"a": 1}
	assert.Equal(t, single, mergeContext(single))

	merged := mergeContext(map[string]interface{}{"a": 1, "b": 2}, map[string]interface{}{"b": 3})
	assert.Equal(t, map[string]interface{}{"a": 1, "b": 3}, merged)
}

// =====================================================
// Global Logger Tests
// =====================================================

func TestSetGlobal_restores(t *testing.T) {
	var buf bytes.Buffer
	restore := SetGlobal(New(&buf, LevelInfo))

	Info("via global", map[string]interface{}{"k": "v"})
	Debug("below level")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "via global", entries[0]["msg"])

	restore()
	Info("after restore")
	assert.Len(t, decodeLines(t, &buf), 1)
}

func TestNop_discards(t *testing.T) {
	l := NewForTest()
	l.Error("ignored", errors.New("x"))
	assert.NotNil(t, l.Zap())
}
