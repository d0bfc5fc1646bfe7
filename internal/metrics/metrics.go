package metrics

import (
	"time"

	"github.com/derektruong/fxupload/internal/pipeline"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fxupload"

// Collector exports chunk pipeline and refill scheduler statistics.
// It implements pipeline.Observer and refill.Observer.
type Collector struct {
	bytesWritten   prometheus.Counter
	chunkResults   *prometheus.CounterVec
	refillDuration prometheus.Histogram
	activeRequests prometheus.Gauge
	awaitingTasks  prometheus.GaugeFunc
}

// New creates the collectors and registers them with registerer.
// awaiting reports the number of chunk tasks waiting for allowance.
func New(registerer prometheus.Registerer, awaiting func() float64) (c *Collector, err error) {
	if awaiting == nil {
		awaiting = func() float64 { return 0 }
	}
	c = &Collector{
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "bytes_written_total",
			Help:      "Bytes appended to backing files by chunk tasks.",
		}),
		chunkResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "chunks_total",
			Help:      "Finished chunk tasks by final state.",
		}, []string{"state"}),
		refillDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "refill",
			Name:      "tick_duration_seconds",
			Help:      "Time spent refilling the allowance scopes in one tick.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 8),
		}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "refill",
			Name:      "active_requests",
			Help:      "Request scopes refilled by the last tick.",
		}),
		awaitingTasks: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "awaiting_tasks",
			Help:      "Chunk tasks waiting for the next refill.",
		}, awaiting),
	}
	for _, collector := range []prometheus.Collector{
		c.bytesWritten, c.chunkResults, c.refillDuration, c.activeRequests, c.awaitingTasks,
	} {
		if err = registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return
}

func (c *Collector) ObserveWrite(n int) {
	c.bytesWritten.Add(float64(n))
}

func (c *Collector) ObserveResult(state pipeline.State) {
	c.chunkResults.WithLabelValues(state.String()).Inc()
}

func (c *Collector) ObserveTick(activeRequests int, duration time.Duration) {
	c.activeRequests.Set(float64(activeRequests))
	c.refillDuration.Observe(duration.Seconds())
}
