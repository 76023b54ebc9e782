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

func TestLogger_AddsContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "production")

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithUserID(ctx, "user-9")
	logger.With("component", "test").InfoContext(ctx, "hello")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "hello", record["msg"])
	assert.Equal(t, "req-1", record["request_id"])
	assert.Equal(t, "user-9", record["user_id"])
	assert.Equal(t, "test", record["component"])
}

func TestInitTracing_Disabled(t *testing.T) {
	shutdown, err := InitTracing(TracingConfig{ServiceName: "feedsync-test"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))

	span, ctx := StartSpan(context.Background(), "noop")
	span.SetError(errors.New("boom"))
	span.End()
	assert.NotNil(t, ctx)
}

func TestResult(t *testing.T) {
	assert.Equal(t, "success", Result(nil))
	assert.Equal(t, "error", Result(errors.New("x")))
}
