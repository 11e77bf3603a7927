package ksysmetrics

import (
	"context"
	"math"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/xinkaiwang/searchcoord/libs/xklib/kerror"
	"github.com/xinkaiwang/searchcoord/libs/xklib/klogging"
	"go.opencensus.io/metric"
	"go.opencensus.io/metric/metricdata"
)

// Collector samples process level stats into an opencensus registry.
// Add GetRegistry() to metricproducer.GlobalManager() to export them.
type Collector struct {
	registry *metric.Registry
	version  string

	userCPUMicros atomic.Int64
	sysCPUMicros  atomic.Int64
	heapBytes     atomic.Int64
	sysBytes      atomic.Int64
	goroutines    atomic.Int64
	gcPauseNs     atomic.Int64
	gcCPUFraction atomic.Uint64 // float64 bits
}

func NewCollector(version string) *Collector {
	if version == "" {
		version = "unknown"
	}
	c := &Collector{
		registry: metric.NewRegistry(),
		version:  version,
	}
	versionLabel := metricdata.NewLabelValue(version)
	c.addFloat("process_user_cpu_seconds", "User CPU time spent in seconds", "seconds", func() float64 {
		return float64(c.userCPUMicros.Load()) / 1e6
	}, versionLabel)
	c.addFloat("process_system_cpu_seconds", "System CPU time spent in seconds", "seconds", func() float64 {
		return float64(c.sysCPUMicros.Load()) / 1e6
	}, versionLabel)
	c.addFloat("process_gc_cpu_fraction", "Fraction of CPU time used by GC", metricdata.UnitDimensionless, func() float64 {
		return math.Float64frombits(c.gcCPUFraction.Load())
	})
	c.addInt("process_heap_bytes", "Process heap memory in bytes", metricdata.UnitBytes, c.heapBytes.Load)
	c.addInt("process_sys_memory_bytes", "Memory obtained from the OS in bytes", metricdata.UnitBytes, c.sysBytes.Load)
	c.addInt("process_goroutines", "Number of goroutines", metricdata.UnitDimensionless, c.goroutines.Load)
	c.addInt("process_gc_pause_total_ns", "Total GC pause time in nanoseconds", "ns", c.gcPauseNs.Load)
	return c
}

func (c *Collector) addFloat(name, desc string, unit metricdata.Unit, fn func() float64, labels ...metricdata.LabelValue) {
	opts := []metric.Options{metric.WithDescription(desc), metric.WithUnit(unit)}
	if len(labels) > 0 {
		opts = append(opts, metric.WithLabelKeys("version"))
	}
	gauge, err := c.registry.AddFloat64DerivedGauge(name, opts...)
	if err != nil {
		panic(kerror.Wrap(err, "MetricProducerFail", "error creating gauge", false).With("gaugeName", name))
	}
	if err := gauge.UpsertEntry(fn, labels...); err != nil {
		panic(kerror.Wrap(err, "UpsertEntryFail", "error gauge UpsertEntry", false).With("gaugeName", name))
	}
}

func (c *Collector) addInt(name, desc string, unit metricdata.Unit, fn func() int64) {
	gauge, err := c.registry.AddInt64DerivedGauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil {
		panic(kerror.Wrap(err, "MetricProducerFail", "error creating gauge", false).With("gaugeName", name))
	}
	if err := gauge.UpsertEntry(fn); err != nil {
		panic(kerror.Wrap(err, "UpsertEntryFail", "error gauge UpsertEntry", false).With("gaugeName", name))
	}
}

func (c *Collector) GetRegistry() *metric.Registry {
	return c.registry
}

// Start samples once immediately, then every interval until ctx is done.
func (c *Collector) Start(ctx context.Context, interval time.Duration) {
	c.Collect(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Collect(ctx)
			}
		}
	}()
}

func (c *Collector) Collect(ctx context.Context) {
	var rusage syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &rusage); err == nil {
		c.userCPUMicros.Store(rusage.Utime.Sec*1e6 + int64(rusage.Utime.Usec))
		c.sysCPUMicros.Store(rusage.Stime.Sec*1e6 + int64(rusage.Stime.Usec))
	} else {
		klogging.Warning(ctx).WithError(err).Log("CPUMetricsError", "failed to collect cpu usage")
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	c.heapBytes.Store(int64(memStats.HeapAlloc))
	c.sysBytes.Store(int64(memStats.Sys))
	c.gcPauseNs.Store(int64(memStats.PauseTotalNs))
	c.gcCPUFraction.Store(math.Float64bits(memStats.GCCPUFraction))
	c.goroutines.Store(int64(runtime.NumGoroutine()))
}
