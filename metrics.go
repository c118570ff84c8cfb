package dieselcore

import (
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the counters a Core reports to.
type Metrics struct {
	Allocations          prometheus.Counter
	Deallocations        prometheus.Counter
	AllocatedBytes       prometheus.Gauge
	LiveObjects          prometheus.Gauge
	LeakedObjects        prometheus.Counter
	FrameWait            prometheus.Histogram
	SwapchainRecreations prometheus.Counter
}

// NewMetrics builds the collectors and registers them with reg when it is not
// nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Allocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dieselcore",
			Name:      "allocations_total",
			Help:      "Memory blocks handed out by the allocator.",
		}),
		Deallocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dieselcore",
			Name:      "deallocations_total",
			Help:      "Memory blocks returned to the allocator.",
		}),
		AllocatedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dieselcore",
			Name:      "allocated_bytes",
			Help:      "Bytes currently held by memory blocks.",
		}),
		LiveObjects: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dieselcore",
			Name:      "live_objects",
			Help:      "Managed images and buffers not yet freed.",
		}),
		LeakedObjects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dieselcore",
			Name:      "leaked_objects_total",
			Help:      "Managed objects collected without being freed.",
		}),
		FrameWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dieselcore",
			Name:      "frame_wait_seconds",
			Help:      "Time spent waiting for a frame slot's fence.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		SwapchainRecreations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dieselcore",
			Name:      "swapchain_recreations_total",
			Help:      "Swapchains torn down after going out of date.",
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.Allocations, m.Deallocations, m.AllocatedBytes, m.LiveObjects,
			m.LeakedObjects, m.FrameWait, m.SwapchainRecreations,
		} {
			if err := reg.Register(c); err != nil {
				return nil, errors.Wrap(err, "register dieselcore metrics")
			}
		}
	}
	return m, nil
}
