package kmetrics

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xinkaiwang/searchcoord/libs/xklib/kerror"
	"go.opencensus.io/metric/metricdata"
	"go.opencensus.io/resource"
)

// Kmetric is one counter-style metric. It is exported as "<name>_count" and, unless
// CountOnly, "<name>_sum". Each distinct tag value combination is one TimeSequence.
type Kmetric struct {
	mu          sync.Mutex // held only while adding a TimeSequence
	metricName  string
	description string
	tagNames    []string
	collection  atomic.Pointer[map[string]*TimeSequence] // copy-on-write
	startTime   time.Time
	countOnly   bool
}

func CreateKmetric(ctx context.Context, name string, description string, tags []string) *Kmetric {
	km := &Kmetric{
		metricName:  name,
		description: description,
		tagNames:    tags,
		startTime:   time.Now(),
	}
	empty := map[string]*TimeSequence{}
	km.collection.Store(&empty)
	GetKmetricsRegistry().RegisterKmetric(km)
	return km
}

func (km *Kmetric) CountOnly() *Kmetric {
	km.countOnly = true
	return km
}

// GetTimeSequence: tags must match the tag names in length and order.
func (km *Kmetric) GetTimeSequence(ctx context.Context, tags ...string) *TimeSequence {
	key := strings.Join(tags, "-")
	if seq, ok := (*km.collection.Load())[key]; ok {
		return seq
	}

	km.mu.Lock()
	defer km.mu.Unlock()
	current := *km.collection.Load()
	if seq, ok := current[key]; ok {
		return seq
	}
	if len(tags) != len(km.tagNames) {
		panic(kerror.Create("InvalidTagValues", "number of tag values does not match tag name list").
			With("metric", km.metricName).
			With("expectedLen", len(km.tagNames)).
			With("gotLen", len(tags)))
	}
	seq := &TimeSequence{parent: km}
	for _, tag := range tags {
		seq.labelValues = append(seq.labelValues, metricdata.NewLabelValue(tag))
	}
	next := make(map[string]*TimeSequence, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[key] = seq
	km.collection.Store(&next)
	return seq
}

func (km *Kmetric) read(suffix string, pick func(ts *TimeSequence) int64) *metricdata.Metric {
	keys := make([]metricdata.LabelKey, len(km.tagNames))
	for i, tagName := range km.tagNames {
		keys[i] = metricdata.LabelKey{Key: tagName}
	}
	collection := *km.collection.Load()
	now := time.Now()
	timeSeries := make([]*metricdata.TimeSeries, 0, len(collection))
	for _, ts := range collection {
		timeSeries = append(timeSeries, &metricdata.TimeSeries{
			LabelValues: append([]metricdata.LabelValue(nil), ts.labelValues...),
			Points:      []metricdata.Point{metricdata.NewInt64Point(now, pick(ts))},
			StartTime:   km.startTime,
		})
	}
	return &metricdata.Metric{
		Descriptor: metricdata.Descriptor{
			Name:        km.metricName + suffix,
			Description: km.description,
			Unit:        metricdata.UnitDimensionless,
			Type:        metricdata.TypeCumulativeInt64,
			LabelKeys:   keys,
		},
		Resource:   &resource.Resource{Type: "searchcoord", Labels: map[string]string{}},
		TimeSeries: timeSeries,
	}
}

func (km *Kmetric) ReadCount() *metricdata.Metric {
	return km.read("_count", func(ts *TimeSequence) int64 { return ts.count.Load() })
}

func (km *Kmetric) ReadSum() *metricdata.Metric {
	return km.read("_sum", func(ts *TimeSequence) int64 { return ts.sum.Load() })
}

// TimeSequence is one tag value combination of a Kmetric.
type TimeSequence struct {
	parent      *Kmetric
	labelValues []metricdata.LabelValue
	count       atomic.Int64
	sum         atomic.Int64
}

func (ts *TimeSequence) Add(val int64) {
	ts.count.Add(1)
	ts.sum.Add(val)
}

// Touch makes the sequence show up as 0 before the first Add.
func (ts *TimeSequence) Touch() {}

func (ts *TimeSequence) Get() (count int64, sum int64) {
	return ts.count.Load(), ts.sum.Load()
}
