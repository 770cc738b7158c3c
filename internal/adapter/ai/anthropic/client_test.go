package anthropic

import (
	"fmt"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/resello/inspect3d/internal/config"
	"github.com/resello/inspect3d/internal/domain"
)

func TestNewRequiresAPIKey(t *testing.T) {
	t.Parallel()
	_, err := New("", "claude-3-5-haiku-latest", config.DefaultPrompts())
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	c, err := New("sk-test", "claude-3-5-haiku-latest", config.DefaultPrompts())
	require.NoError(t, err)
	assert.Equal(t, "claude-3-5-haiku-latest", c.ModelName())
}

func TestNewHTTPClientTracesOutboundCalls(t *testing.T) {
	t.Parallel()
	hc := newHTTPClient()
	_, ok := hc.Transport.(*otelhttp.Transport)
	assert.True(t, ok, "outbound transport must carry tracing instrumentation")
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"breaker open", gobreaker.ErrOpenState, domain.ErrUpstreamTransient},
		{"breaker half-open overflow", gobreaker.ErrTooManyRequests, domain.ErrUpstreamTransient},
		{"unknown failure", fmt.Errorf("connection reset"), domain.ErrAnalyzer},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.ErrorIs(t, classify(tc.err), tc.want)
		})
	}
}
