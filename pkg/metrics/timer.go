package metrics

import (
	"context"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
)

// Float64Timer records durations in milliseconds.
type Float64Timer struct {
	measureMs *stats.Float64Measure
	view      *view.View
}

// NewTimerMs creates a Float64Timer that records in milliseconds with a
// distribution aggregation.
func NewTimerMs(name, desc string) *Float64Timer {
	log.Infof("registering timer: %s - %s", name, desc)
	fMeasure := stats.Float64(name, desc, stats.UnitMilliseconds)
	fView := &view.View{
		Name:        name,
		Measure:     fMeasure,
		Description: desc,
		Aggregation: view.Distribution(10, 50, 100, 500, 1000, 5000, 10000, 60000),
	}
	if err := view.Register(fView); err != nil {
		panic(err)
	}

	return &Float64Timer{
		measureMs: fMeasure,
		view:      fView,
	}
}

// Start starts a stopwatch against the timer.
func (t *Float64Timer) Start(ctx context.Context) *Stopwatch {
	return &Stopwatch{
		ctx:      ctx,
		start:    time.Now(),
		recorder: t.measureMs.M,
	}
}

// Stopwatch records a single duration when stopped.
type Stopwatch struct {
	ctx      context.Context
	start    time.Time
	recorder func(v float64) stats.Measurement
}

// Stop records the elapsed time since Start and returns it.
func (sw *Stopwatch) Stop(ctx context.Context) time.Duration {
	duration := time.Since(sw.start)
	stats.Record(ctx, sw.recorder(float64(duration)/1e6))
	return duration
}
