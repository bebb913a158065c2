package observability

import (
	"context"
	"net/http"

	"github.com/honeynil/sms-billing/internal/infrastructure/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Options struct {
	ServiceName  string
	LogLevel     string
	OTLPEndpoint string
}

// Setup wires logs, metrics and traces. It returns the tracer shutdown hook
// and the /metrics handler.
func Setup(ctx context.Context, opts Options) (func(context.Context) error, http.Handler) {
	observability.InitLogger(opts.LogLevel)
	observability.InitMetrics(prometheus.DefaultRegisterer)
	tracerShutdown := observability.InitTracing(ctx, opts.ServiceName, opts.OTLPEndpoint)
	return tracerShutdown, promhttp.Handler()
}
