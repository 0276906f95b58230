package cuda

import "github.com/prometheus/client_golang/prometheus"

// allocatorMetrics exposes the allocator's counters as prometheus
// instruments. Wiring is optional: an Allocator with no metrics attached
// runs identically, just unobserved (see Allocator.SetMetrics).
type allocatorMetrics struct {
	mallocTotal    *prometheus.CounterVec
	freeTotal      prometheus.Counter
	bytesAllocated prometheus.Counter
	bytesFreed     prometheus.Counter
	activeBytes    prometheus.GaugeFunc
	cacheBytes     prometheus.GaugeFunc
	peakBytes      prometheus.GaugeFunc
}

// NewMetrics registers the allocator's instruments with reg and returns a
// sink ready to pass to Allocator.SetMetrics. The gauge funcs read directly
// off a, so scraping never needs to take a's mutex more than once per read.
func NewMetrics(reg prometheus.Registerer, a *Allocator) *allocatorMetrics {
	m := &allocatorMetrics{
		mallocTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goml",
			Subsystem: "cuda_allocator",
			Name:      "malloc_total",
			Help:      "Malloc calls, partitioned by outcome.",
		}, []string{"outcome"}),
		freeTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goml",
			Subsystem: "cuda_allocator",
			Name:      "free_total",
			Help:      "Free calls.",
		}),
		bytesAllocated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goml",
			Subsystem: "cuda_allocator",
			Name:      "bytes_allocated_total",
			Help:      "Cumulative bytes handed out by Malloc.",
		}),
		bytesFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goml",
			Subsystem: "cuda_allocator",
			Name:      "bytes_freed_total",
			Help:      "Cumulative bytes returned through Free.",
		}),
		activeBytes: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "goml",
			Subsystem: "cuda_allocator",
			Name:      "active_bytes",
			Help:      "Bytes currently held by callers.",
		}, func() float64 { return float64(a.GetActiveMemory()) }),
		cacheBytes: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "goml",
			Subsystem: "cuda_allocator",
			Name:      "cache_bytes",
			Help:      "Bytes sitting in the free buffer cache.",
		}, func() float64 { return float64(a.GetCacheMemory()) }),
		peakBytes: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "goml",
			Subsystem: "cuda_allocator",
			Name:      "peak_active_bytes",
			Help:      "Highest active-bytes watermark since the last reset.",
		}, func() float64 { return float64(a.GetPeakMemory()) }),
	}

	reg.MustRegister(m.mallocTotal, m.freeTotal, m.bytesAllocated, m.bytesFreed,
		m.activeBytes, m.cacheBytes, m.peakBytes)
	return m
}

// observeMalloc records a completed Malloc call. ok is false when neither
// the sub-heap nor the device produced a buffer (out of memory). Zero-size
// requests, oversized requests and resource-limit errors return before this
// is reached and aren't counted here.
func (a *Allocator) observeMalloc(ok bool, byteLen int, cacheHit bool) {
	if a.metrics == nil {
		return
	}
	switch {
	case !ok:
		a.metrics.mallocTotal.WithLabelValues("oom").Inc()
	case cacheHit:
		a.metrics.mallocTotal.WithLabelValues("cache_hit").Inc()
		a.metrics.bytesAllocated.Add(float64(byteLen))
	default:
		a.metrics.mallocTotal.WithLabelValues("cache_miss").Inc()
		a.metrics.bytesAllocated.Add(float64(byteLen))
	}
}

func (a *Allocator) observeFree(byteLen int, recycled bool) {
	if a.metrics == nil {
		return
	}
	a.metrics.freeTotal.Inc()
	a.metrics.bytesFreed.Add(float64(byteLen))
}
