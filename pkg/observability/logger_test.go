package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.Debug("hidden")
	assert.Zero(t, buf.Len())

	logger.Info("shown")
	entry := decodeEntry(t, &buf)
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "shown", entry["msg"])

	buf.Reset()
	logger.Errorf("failed %d times", 3)
	entry = decodeEntry(t, &buf)
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, "failed 3 times", entry["msg"])
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(DebugLevel, &buf)

	logger.WithEvent("evt_1", "invoice.paid").
		WithError(errors.New("boom")).
		WithFields(map[string]interface{}{"attempt": 2}).
		Warn("handler failed")

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "evt_1", entry["event_id"])
	assert.Equal(t, "invoice.paid", entry["event_type"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, float64(2), entry["attempt"])
}

func TestLogger_WithNilError(t *testing.T) {
	logger := NewNopLogger()
	assert.Same(t, logger, logger.WithError(nil))
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewLogger(InfoLevel, &buf))
	ctx = WithRequestID(ctx, "req-123")
	ctx = WithOrganizationID(ctx, "org-9")

	assert.Equal(t, "req-123", GetRequestID(ctx))
	assert.Equal(t, "org-9", GetOrganizationID(ctx))

	FromContext(ctx).Info("hello")
	entry := decodeEntry(t, &buf)
	assert.Equal(t, "req-123", entry["request_id"])
	assert.Equal(t, "org-9", entry["organization_id"])
}

func TestLogLevel_String(t *testing.T) {
	assert.Equal(t, "DEBUG", DebugLevel.String())
	assert.Equal(t, "WARN", WarnLevel.String())
	assert.Equal(t, "INFO", LogLevel(42).String())
}

func TestRecoverPanicWithCallback(t *testing.T) {
	var got error
	func() {
		defer RecoverPanicWithCallback(NewNopLogger(), "test", func(err error) {
			got = err
		})
		panic("kaboom")
	}()
	require.Error(t, got)
	assert.Contains(t, got.Error(), "kaboom")
}
