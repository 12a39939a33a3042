package observe

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/httptrace/otelhttptrace"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mcpgate/mcpgate/internal/config"
)

// HTTPTransport instruments an outgoing transport with OTel spans for
// requests made to vendor APIs and token endpoints. Connection-level trace
// detail (DNS, connect, TLS) is added when enabled.
func HTTPTransport(base http.RoundTripper, cfg config.ObserveConfig) http.RoundTripper {
	if !cfg.Enabled || !cfg.HTTPTransportEnabled {
		return base
	}

	opts := []otelhttp.Option{}
	if cfg.HTTPConnectionTrace {
		opts = append(opts, otelhttp.WithClientTrace(otelhttptrace.NewClientTrace))
	}

	return otelhttp.NewTransport(base, opts...)
}
