// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry LogEntry
		require.NoError(t, json.Unmarshal([]byte(line), &entry), "line %q", line)
		entries = append(entries, entry)
	}
	return entries
}

// =====================================================
// Level Tests
// =====================================================

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel(" WARN "))
	assert.Equal(t, LevelInfo, ParseLevel("verbose"))
}

func TestLogger_filtering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn)

	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error", io.ErrUnexpectedEOF)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "WARN", entries[0].Level)
	assert.Equal(t, "ERROR", entries[1].Level)
	assert.Equal(t, io.ErrUnexpectedEOF.Error(), entries[1].Error)
}

// =====================================================
// Context Tests
// =====================================================

// TestLogger_ErrorWithCode verifies error logging with code.
func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.ErrorWithCode("drain failed", "STORAGE_UNAVAILABLE", io.ErrUnexpectedEOF,
		map[string]interface{}{"collection": "proposals"})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "STORAGE_UNAVAILABLE", entries[0].Context["error_code"])
	assert.Equal(t, "proposals", entries[0].Context["collection"])
}

func TestLogger_ErrorWithCode_noContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.ErrorWithCode("error occurred", "ERR001", io.ErrUnexpectedEOF)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "ERR001", entries[0].Context["error_code"])
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	base := New(&buf, LevelDebug)
	child := base.Component("cache").With(map[string]interface{}{"namespace": "celebra-images-v1"})

	child.Info("evicted", map[string]interface{}{"count": 2})
	base.Info("plain")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "cache", entries[0].Context["component"])
	assert.Equal(t, "celebra-images-v1", entries[0].Context["namespace"])
	assert.EqualValues(t, 2, entries[0].Context["count"])
	assert.Nil(t, entries[1].Context, "parent logger must not inherit child fields")
}

func TestLogger_callContextDoesNotLeak(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo).Component("sync")

	ctx := map[string]interface{}{"id": "a"}
	logger.ErrorWithCode("x", "C1", nil, ctx)

	_, leaked := ctx["error_code"]
	assert.False(t, leaked, "ErrorWithCode must not mutate the caller's map")
}

// =====================================================
// Concurrency Tests
// =====================================================

func TestLogger_concurrentLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)
	a := logger.Component("a")
	b := logger.Component("b")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); a.Info("from a") }()
		go func() { defer wg.Done(); b.Info("from b") }()
	}
	wg.Wait()

	assert.Len(t, decodeLines(t, &buf), 100)
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	logger.Error("nothing", io.EOF)
	logger.Info("nothing")
}
