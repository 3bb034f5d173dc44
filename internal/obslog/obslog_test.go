package obslog

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func captureLog(t *testing.T, fn func()) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	orig := log.Writer()
	origFlags := log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	defer func() {
		log.SetOutput(orig)
		log.SetFlags(origFlags)
	}()

	fn()

	line := strings.TrimSpace(buf.String())
	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &record))
	return record
}

func TestLoggerInfoIncludesComponentAndCorrelationID(t *testing.T) {
	l := New("scheduler")
	record := captureLog(t, func() {
		l.Info("disp_123", "offered candidate", map[string]any{"driver": "driver_1"})
	})

	require.Equal(t, "info", record["level"])
	require.Equal(t, "scheduler", record["component"])
	require.Equal(t, "disp_123", record["correlationId"])
	require.Equal(t, "driver_1", record["driver"])
}

func TestLoggerInfoOmitsCorrelationIDWhenEmpty(t *testing.T) {
	l := New("eventbus")
	record := captureLog(t, func() {
		l.Info("", "no correlation here", nil)
	})

	_, present := record["correlationId"]
	require.False(t, present)
}

func TestLoggerErrorMergesErrorField(t *testing.T) {
	l := New("scheduler")
	record := captureLog(t, func() {
		l.Error("disp_1", "availability flip failed", errors.New("driver unreachable"), map[string]any{"driver": "driver_1"})
	})

	require.Equal(t, "error", record["level"])
	require.Equal(t, "driver unreachable", record["error"])
	require.Equal(t, "driver_1", record["driver"])
}
