package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ljj1233/xufei-sub000/internal/types"
)

func TestTracingConfig_Validate(t *testing.T) {
	assert.NoError(t, TracingConfig{Enabled: false}.Validate(),
		"disabled tracing needs no endpoint")

	err := TracingConfig{Enabled: true}.Validate()
	require.Error(t, err)
	assert.Equal(t, types.INVALID_CONFIGURATION, types.CodeOf(err))

	err = TracingConfig{Enabled: true, Endpoint: "localhost:4317", SampleRate: 1.5}.Validate()
	require.Error(t, err)

	assert.NoError(t, TracingConfig{
		Enabled:    true,
		Endpoint:   "localhost:4317",
		SampleRate: 0.25,
	}.Validate())
}

func TestInitTracing_DisabledIsNoop(t *testing.T) {
	tp, err := InitTracing(context.Background(), TracingConfig{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, tp)
	defer tp.Shutdown(context.Background())

	// No processors registered: spans are created but never exported.
	_, span := tp.Tracer("test").Start(context.Background(), "op")
	span.End()
	assert.True(t, span.SpanContext().IsValid())
}
