package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallhq/recalld/internal/config"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), config.ObservabilityConfig{EnableTelemetry: false})
	require.NoError(t, err)
	require.NotNil(t, tel)
	assert.Nil(t, tel.tracerProvider)
	assert.Nil(t, tel.meterProvider)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("collector:4318"))
}

func TestSecureEndpoint(t *testing.T) {
	assert.True(t, secureEndpoint("https://collector:4318"))
	assert.False(t, secureEndpoint("http://collector:4318"))
	assert.False(t, secureEndpoint("collector:4318"))
}
