package messaging

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/quarks-tech/courier-go/pkg/continuation"
	"github.com/quarks-tech/courier-go/pkg/envelope"
)

const meterName = "github.com/quarks-tech/courier-go/pkg/messaging"

type metrics struct {
	sent            atomic.Int64
	received        atomic.Int64
	acked           atomic.Int64
	nacked          atomic.Int64
	deadLettered    atomic.Int64
	mappingFailures atomic.Int64
	scheduled       atomic.Int64
	recovered       atomic.Int64

	dispatchTime metric.Float64Histogram
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}

	meter := mp.Meter(meterName)
	m := &metrics{}

	counters := []struct {
		name  string
		value *atomic.Int64
	}{
		{"courier.envelopes.sent", &m.sent},
		{"courier.envelopes.received", &m.received},
		{"courier.envelopes.acked", &m.acked},
		{"courier.envelopes.nacked", &m.nacked},
		{"courier.envelopes.dead_lettered", &m.deadLettered},
		{"courier.envelopes.mapping_failures", &m.mappingFailures},
		{"courier.envelopes.scheduled", &m.scheduled},
		{"courier.envelopes.recovered", &m.recovered},
	}

	for _, c := range counters {
		value := c.value

		_, err := meter.Int64ObservableCounter(c.name,
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(value.Load())
				return nil
			}),
		)
		if err != nil {
			return nil, err
		}
	}

	var err error

	m.dispatchTime, err = meter.Float64Histogram("courier.dispatch.duration", metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// observe counts an executed continuation.
func (m *metrics) observe(_ *envelope.Envelope, c continuation.Continuation) {
	switch c.(type) {
	case continuation.Success:
		m.acked.Add(1)
	case continuation.ScheduledRetry:
		m.scheduled.Add(1)
	case continuation.Requeue:
		m.nacked.Add(1)
	case continuation.MoveToDeadLetter:
		m.deadLettered.Add(1)
	}
}

func (m *metrics) recordDispatch(ctx context.Context, start time.Time) {
	m.dispatchTime.Record(ctx, float64(time.Since(start).Microseconds())/1000)
}
