// Package observe holds the OpenTelemetry instruments recorded by the
// conversation engine: agent requests, stream durations, streamed bytes,
// branch outcomes and history sizes.
//
// The package-level DefaultMetrics uses the global meter provider, which is a
// no-op until InitProvider installs one. Tests should build their own Metrics
// with NewMetrics and an sdk ManualReader.
package observe

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/go-go-golems/coeus"

type Metrics struct {
	// AgentRequests counts HTTP calls to the agent by op and status.
	AgentRequests metric.Int64Counter

	// StreamDuration measures a whole streamed reply, headers to EOF, by op and outcome.
	StreamDuration metric.Float64Histogram

	// StreamBytes counts decoded bytes appended to streaming turns.
	StreamBytes metric.Int64Counter

	// BranchAttempts counts branch submissions by terminal outcome.
	BranchAttempts metric.Int64Counter

	// HistoryNodes records the node count of each fetched history graph.
	HistoryNodes metric.Int64Histogram
}

var streamBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.AgentRequests, err = m.Int64Counter("coeus.agent.requests",
		metric.WithDescription("Agent HTTP requests by op and status."),
	); err != nil {
		return nil, err
	}
	if met.StreamDuration, err = m.Float64Histogram("coeus.stream.duration",
		metric.WithDescription("Duration of streamed agent replies."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(streamBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StreamBytes, err = m.Int64Counter("coeus.stream.bytes",
		metric.WithDescription("Decoded bytes appended to streaming turns."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.BranchAttempts, err = m.Int64Counter("coeus.branch.attempts",
		metric.WithDescription("Branch submissions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.HistoryNodes, err = m.Int64Histogram("coeus.history.nodes",
		metric.WithDescription("Number of checkpoints per fetched history."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level instance bound to the global
// meter provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

func (m *Metrics) RecordRequest(ctx context.Context, op string, status int) {
	if m == nil {
		return
	}
	m.AgentRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("status", strconv.Itoa(status)),
	))
}

func (m *Metrics) RecordStream(ctx context.Context, op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.StreamDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) RecordStreamBytes(ctx context.Context, op string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.StreamBytes.Add(ctx, int64(n), metric.WithAttributes(attribute.String("op", op)))
}

func (m *Metrics) RecordBranch(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.BranchAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordHistory(ctx context.Context, nodes int) {
	if m == nil {
		return
	}
	m.HistoryNodes.Record(ctx, int64(nodes))
}
