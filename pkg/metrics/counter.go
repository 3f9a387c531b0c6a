package metrics

import (
	"context"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

// Int64Counter wraps an opencensus int64 measure that is uses as a counter.
type Int64Counter struct {
	measureCt *stats.Int64Measure
	view      *view.View
}

// NewInt64Counter creates a new Int64Counter with demensionless units.
// Records are broken down by the given tag keys.
func NewInt64Counter(name, desc string, keys ...tag.Key) *Int64Counter {
	log.Infof("registering int64 counter: %s - %s", name, desc)
	iMeasure := stats.Int64(name, desc, stats.UnitDimensionless)
	iView := &view.View{
		Name:        name,
		Measure:     iMeasure,
		Description: desc,
		TagKeys:     keys,
		Aggregation: view.Count(),
	}
	if err := view.Register(iView); err != nil {
		// a panic here indicates a developer error when creating a view.
		// Since this method is called in init() methods, this panic when hit
		// will cause running the program to fail immediately.
		panic(err)
	}

	return &Int64Counter{
		measureCt: iMeasure,
		view:      iView,
	}
}

// Inc increments the counter by value `v`.
func (c *Int64Counter) Inc(ctx context.Context, v int64) {
	stats.Record(ctx, c.measureCt.M(v))
}

// IncTagged increments the counter with key set to value.
func (c *Int64Counter) IncTagged(ctx context.Context, key tag.Key, value string, v int64) {
	ctx, err := tag.New(ctx, tag.Upsert(key, value))
	if err != nil {
		log.Warnf("tagging %s: %s", c.view.Name, err)
	}
	stats.Record(ctx, c.measureCt.M(v))
}
