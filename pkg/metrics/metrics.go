// Package metrics exposes the Prometheus registry used by postfeed.
// All metrics are defined in their respective packages (client, lease,
// dispatch, viewmodel) to maintain modularity and avoid circular dependencies.
//
// This package provides the HTTP handler and a reference of all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registerer postfeed metrics are registered with.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer Handler serves from.
var Gatherer = prometheus.DefaultGatherer

// Handler returns an HTTP handler serving all registered metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Fetch Metrics (pkg/client):
//   - postfeed_requests_total{status} (Counter): Page requests by HTTP status ("network_error" on transport failure)
//   - postfeed_request_duration_seconds (Histogram): Page request duration
//   - postfeed_fetch_errors_total{kind} (Counter): Failed fetches by kind (url, transport, invalid_response, decode, lease)
//   - postfeed_fetch_rejected_total (Counter): Fetches rejected because one was already in flight
//   - postfeed_page_cursor (Gauge): Next page number to be requested
//
// List Metrics (pkg/viewmodel):
//   - postfeed_rows (Gauge): Posts accumulated by the most recently updated list
//   - postfeed_load_more_total{outcome} (Counter): LoadMore calls by outcome (skipped, failed, completed)
//
// Lease Metrics (pkg/lease):
//   - postfeed_lease_acquire_total{outcome} (Counter): Acquisition attempts (acquired, contended, error)
//   - postfeed_lease_release_errors_total (Counter): Failed lease releases
//
// Dispatch Metrics (pkg/dispatch):
//   - postfeed_dispatch_queue_depth (Gauge): Completions waiting on the loop
//   - postfeed_dispatch_panics_total (Counter): Recovered panics in posted functions
//
// Example Prometheus Queries:
//
//   # Fetch Error Rate by Kind
//   sum by (kind) (rate(postfeed_fetch_errors_total[5m]))
//
//   # Rejected Load Ratio
//   rate(postfeed_fetch_rejected_total[5m]) / rate(postfeed_requests_total[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(postfeed_request_duration_seconds_bucket[5m]))
//
//   # Lease Contention
//   rate(postfeed_lease_acquire_total{outcome="contended"}[5m])
