package kmetrics

import (
	"sync"
	"time"

	"go.opencensus.io/metric/metricdata"
	"go.opencensus.io/resource"
)

// KmetricsRegistry implements the metricproducer.Producer interface.
type KmetricsRegistry struct {
	mu         sync.Mutex
	metrics    map[string]*Kmetric
	gauges     map[string]*Kgauge
	globalTags map[string]string
}

func NewKmetricsRegistry() *KmetricsRegistry {
	return &KmetricsRegistry{
		metrics:    make(map[string]*Kmetric),
		gauges:     make(map[string]*Kgauge),
		globalTags: make(map[string]string),
	}
}

var kmetricsRegistry = NewKmetricsRegistry()

func GetKmetricsRegistry() *KmetricsRegistry {
	return kmetricsRegistry
}

func (registry *KmetricsRegistry) RegisterKmetric(km *Kmetric) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.metrics[km.metricName] = km
}

// AddGlobalTag attaches key=value to every exported time series.
func (registry *KmetricsRegistry) AddGlobalTag(key, value string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.globalTags[key] = value
}

// Read returns all registered metrics.
func (registry *KmetricsRegistry) Read() []*metricdata.Metric {
	registry.mu.Lock()
	metrics := make([]*Kmetric, 0, len(registry.metrics))
	for _, km := range registry.metrics {
		metrics = append(metrics, km)
	}
	gauges := make([]*Kgauge, 0, len(registry.gauges))
	for _, g := range registry.gauges {
		gauges = append(gauges, g)
	}
	tags := make(map[string]string, len(registry.globalTags))
	for k, v := range registry.globalTags {
		tags[k] = v
	}
	registry.mu.Unlock()

	list := []*metricdata.Metric{}
	for _, km := range metrics {
		list = append(list, attachGlobalTags(km.ReadCount(), tags))
		if !km.countOnly {
			list = append(list, attachGlobalTags(km.ReadSum(), tags))
		}
	}
	for _, g := range gauges {
		list = append(list, attachGlobalTags(g.read(), tags))
	}
	return list
}

func attachGlobalTags(metric *metricdata.Metric, tags map[string]string) *metricdata.Metric {
	for key, value := range tags {
		metric.Descriptor.LabelKeys = append(metric.Descriptor.LabelKeys, metricdata.LabelKey{Key: key})
		for _, ts := range metric.TimeSeries {
			ts.LabelValues = append(ts.LabelValues, metricdata.NewLabelValue(value))
		}
	}
	return metric
}

// Kgauge is a derived gauge: fn is evaluated at scrape time.
type Kgauge struct {
	name        string
	description string
	fn          func() int64
}

// SetGauge registers (or replaces) the gauge with this name.
func (registry *KmetricsRegistry) SetGauge(name string, description string, fn func() int64) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.gauges[name] = &Kgauge{name: name, description: description, fn: fn}
}

func (g *Kgauge) read() *metricdata.Metric {
	return &metricdata.Metric{
		Descriptor: metricdata.Descriptor{
			Name:        g.name,
			Description: g.description,
			Unit:        metricdata.UnitDimensionless,
			Type:        metricdata.TypeGaugeInt64,
		},
		Resource: &resource.Resource{Type: "searchcoord", Labels: map[string]string{}},
		TimeSeries: []*metricdata.TimeSeries{{
			Points: []metricdata.Point{metricdata.NewInt64Point(time.Now(), g.fn())},
		}},
	}
}
