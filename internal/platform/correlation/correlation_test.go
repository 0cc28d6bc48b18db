package correlation

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	inner := slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(NewHandler(inner))
}

func TestNewID_Unique(t *testing.T) {
	ids := make(map[string]struct{}, 100)
	for range 100 {
		id := NewID()
		assert.Len(t, id, 8)
		ids[id] = struct{}{}
	}
	assert.Len(t, ids, 100)
}

func TestID_Roundtrip(t *testing.T) {
	ctx := WithID(context.Background(), "abc12345")
	id, ok := ID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "abc12345", id)

	_, ok = ID(WithID(context.Background(), ""))
	assert.False(t, ok)
}

func TestConnection_Roundtrip(t *testing.T) {
	ctx := WithConnection(context.Background(), "conn-1")
	id, ok := Connection(ctx)
	assert.True(t, ok)
	assert.Equal(t, "conn-1", id)

	_, ok = Connection(context.Background())
	assert.False(t, ok)
}

func TestHandler_AddsIdentifiers(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	ctx := WithConnection(WithID(context.Background(), "test1234"), "conn-9")
	logger.InfoContext(ctx, "test message", "key", "value")

	output := buf.String()
	assert.Contains(t, output, "correlation_id=test1234")
	assert.Contains(t, output, "connection_id=conn-9")
	assert.Contains(t, output, "key=value")
}

func TestHandler_NothingWhenMissing(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	logger.InfoContext(context.Background(), "plain")

	assert.NotContains(t, buf.String(), "correlation_id")
	assert.NotContains(t, buf.String(), "connection_id")
}

func TestHandler_WithAttrsPreservesCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf).With("component", "broadcast")

	logger.InfoContext(WithID(context.Background(), "attr1234"), "with attrs")

	assert.Contains(t, buf.String(), "correlation_id=attr1234")
	assert.Contains(t, buf.String(), "component=broadcast")
}
