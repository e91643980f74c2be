// Package metrics holds the run counters, recorded through the global OpenTelemetry meter.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/dwsmith1983/regmirror"

var (
	ProbesTotal   otelmetric.Int64Counter
	ProbeErrors   otelmetric.Int64Counter
	HitsTotal     otelmetric.Int64Counter
	FetchesTotal  otelmetric.Int64Counter
	FetchFailures otelmetric.Int64Counter
	BytesStored   otelmetric.Int64Counter
	EntriesAdded  otelmetric.Int64Counter
	Promotions    otelmetric.Int64Counter
	RunDuration   otelmetric.Float64Histogram
)

// The global meter delegates to whatever provider telemetry installs later, so the
// instruments can be created once at init.
func init() {
	m := otel.Meter(meterName)
	ProbesTotal, _ = m.Int64Counter("regmirror.probes", otelmetric.WithDescription("HEAD probes sent"))
	ProbeErrors, _ = m.Int64Counter("regmirror.probe_errors", otelmetric.WithDescription("probes that exhausted their retries"))
	HitsTotal, _ = m.Int64Counter("regmirror.hits", otelmetric.WithDescription("probes that found a document"))
	FetchesTotal, _ = m.Int64Counter("regmirror.fetches")
	FetchFailures, _ = m.Int64Counter("regmirror.fetch_failures")
	BytesStored, _ = m.Int64Counter("regmirror.bytes_stored", otelmetric.WithUnit("By"))
	EntriesAdded, _ = m.Int64Counter("regmirror.entries_added")
	Promotions, _ = m.Int64Counter("regmirror.window_promotions")
	RunDuration, _ = m.Float64Histogram("regmirror.run_duration", otelmetric.WithUnit("s"))
}

// Tier returns the attribute set tagging a measurement with a candidate tier.
func Tier(tier string) otelmetric.MeasurementOption {
	return otelmetric.WithAttributes(attribute.String("tier", tier))
}

// Inc adds one to c.
func Inc(ctx context.Context, c otelmetric.Int64Counter, opts ...otelmetric.AddOption) {
	c.Add(ctx, 1, opts...)
}
