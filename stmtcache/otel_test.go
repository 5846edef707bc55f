package stmtcache

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func spanAttr(span sdktrace.ReadOnlySpan, key attribute.Key) attribute.Value {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value
		}
	}
	return attribute.Value{}
}

func TestSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer provider.Shutdown(context.Background())

	c, _ := newTestCache(t, WithTracer(provider.Tracer("test")))
	owner := newTestOwner("w1")
	conn := newFakeConn("c")

	_, err := c.Prepare(context.Background(), owner, conn, "select 1")
	require.NoError(t, err)
	conn.prepareErr = errors.New("bad sql")
	_, err = c.Prepare(context.Background(), owner, conn, "select 2")
	require.Error(t, err)
	assert.Empty(t, c.ClearContext(owner.ID()))

	spans := recorder.Ended()
	require.Len(t, spans, 3)

	assert.Equal(t, "Prepare", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Equal(t, "w1", spanAttr(spans[0], attrOwner).AsString())
	assert.Equal(t, Fingerprint("select 1"), spanAttr(spans[0], attrFingerprint).AsString())
	assert.Equal(t, "query", spanAttr(spans[0], attrKind).AsString())

	assert.Equal(t, "Prepare", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)

	assert.Equal(t, "Evict", spans[2].Name())
	assert.Equal(t, "clear context", spanAttr(spans[2], attrReason).AsString())
	assert.Equal(t, int64(1), spanAttr(spans[2], attrGroups).AsInt64())
	assert.Equal(t, int64(0), spanAttr(spans[2], attrFailures).AsInt64())
}
