package telemetry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// MeterName is the instrumentation scope for steward metrics.
const MeterName = "github.com/iambrandonn/steward"

// Metrics holds the cycle instruments.
type Metrics struct {
	ItemsIntake     metric.Int64Counter
	StepsExecuted   metric.Int64Counter
	StepFailures    metric.Int64Counter
	ApprovalsOpened metric.Int64Counter
	ApprovalsClosed metric.Int64Counter
	Retries         metric.Int64Counter
	Quarantined     metric.Int64Counter
	Completed       metric.Int64Counter
	CycleDuration   metric.Float64Histogram

	reader   *sdkmetric.ManualReader
	shutdown func(context.Context) error
}

// NewMetrics creates the instruments. When enabled is false every
// instrument is a no-op and Snapshot returns nothing.
func NewMetrics(enabled bool) (*Metrics, error) {
	m := &Metrics{shutdown: func(context.Context) error { return nil }}

	var meter metric.Meter
	if enabled {
		m.reader = sdkmetric.NewManualReader()
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(m.reader))
		meter = mp.Meter(MeterName)
		m.shutdown = mp.Shutdown
	} else {
		meter = noop.NewMeterProvider().Meter(MeterName)
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.ItemsIntake, "steward.intake.items", "Items claimed from the inbox"},
		{&m.StepsExecuted, "steward.steps.executed", "Plan steps handed to the executor"},
		{&m.StepFailures, "steward.steps.failed", "Failed plan steps by category"},
		{&m.ApprovalsOpened, "steward.approvals.opened", "Approval requests created"},
		{&m.ApprovalsClosed, "steward.approvals.resolved", "Approval requests resolved by status"},
		{&m.Retries, "steward.retries", "Items moved back for another attempt"},
		{&m.Quarantined, "steward.quarantined", "Items moved to Errors"},
		{&m.Completed, "steward.completed", "Items archived to Done"},
	}
	for _, c := range counters {
		inst, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", c.name, err)
		}
		*c.dst = inst
	}

	var err error
	m.CycleDuration, err = meter.Float64Histogram("steward.cycle.duration",
		metric.WithDescription("Cycle phase duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Count adds n to c, tagged with the given key/value pairs.
func Count(ctx context.Context, c metric.Int64Counter, n int64, kv ...string) {
	if n == 0 {
		return
	}
	c.Add(ctx, n, metric.WithAttributes(attrs(kv)...))
}

// ObservePhase records how long a cycle phase took.
func (m *Metrics) ObservePhase(ctx context.Context, phase string, d time.Duration) {
	m.CycleDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("phase", phase)))
}

func attrs(kv []string) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, attribute.String(kv[i], kv[i+1]))
	}
	return out
}

// Enabled reports whether metrics are collected.
func (m *Metrics) Enabled() bool { return m.reader != nil }

// Snapshot collects current totals keyed by instrument name and attributes,
// e.g. "steward.steps.failed{category=network}". Histograms report their
// observation count under "<name>.count" and sum under "<name>.sum".
func (m *Metrics) Snapshot(ctx context.Context) (map[string]float64, error) {
	out := map[string]float64{}
	if m.reader == nil {
		return out, nil
	}

	var rm metricdata.ResourceMetrics
	if err := m.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			switch data := md.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[seriesName(md.Name, dp.Attributes)] += float64(dp.Value)
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					name := seriesName(md.Name, dp.Attributes)
					out[name+".count"] += float64(dp.Count)
					out[name+".sum"] += dp.Sum
				}
			}
		}
	}
	return out, nil
}

func seriesName(name string, set attribute.Set) string {
	if set.Len() == 0 {
		return name
	}
	var pairs []string
	iter := set.Iter()
	for iter.Next() {
		kv := iter.Attribute()
		pairs = append(pairs, string(kv.Key)+"="+kv.Value.Emit())
	}
	sort.Strings(pairs)
	s := name + "{"
	for i, p := range pairs {
		if i > 0 {
			s += ","
		}
		s += p
	}
	return s + "}"
}

// Shutdown releases the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.shutdown(ctx)
}
