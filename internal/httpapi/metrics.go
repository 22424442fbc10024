package httpapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/delegate-dev/delegate/internal/metrics"
)

// promHTTPHandler adapts a metrics.Registry's gatherer to the standard
// Prometheus text-exposition handler.
func promHTTPHandler(reg *metrics.Registry) http.Handler {
	return promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{})
}
