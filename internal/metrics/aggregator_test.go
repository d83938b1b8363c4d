package metrics_test

import (
	"math"
	"testing"
	"time"

	"github.com/conclave-ai/conclave/internal/metrics"
	"github.com/conclave-ai/conclave/pkg/models"
)

// fixedClock returns a controllable time source.
type fixedClock struct{ t time.Time }

func (c *fixedClock) now() time.Time { return c.t }

func TestRecordAndSummary(t *testing.T) {
	clock := &fixedClock{t: time.Unix(1_700_000_000, 0)}
	agg := metrics.NewAggregator(metrics.WithClock(clock.now))

	for _, v := range []float64{10, 20, 30, 40, 50} {
		agg.Record(metrics.MetricResponseTime, v, models.MetricTags{})
	}

	sum, err := agg.Summary(metrics.MetricResponseTime, metrics.Range1H)
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if sum.Count != 5 {
		t.Fatalf("Count = %d, want 5", sum.Count)
	}
	if sum.Min != 10 || sum.Max != 50 {
		t.Errorf("Min/Max = %v/%v, want 10/50", sum.Min, sum.Max)
	}
	if sum.Avg != 30 {
		t.Errorf("Avg = %v, want 30", sum.Avg)
	}
	if sum.P50 != 30 {
		t.Errorf("P50 = %v, want 30", sum.P50)
	}
	if sum.P99 != 50 {
		t.Errorf("P99 = %v, want 50", sum.P99)
	}
}

func TestTimeSeriesRawForShortRanges(t *testing.T) {
	clock := &fixedClock{t: time.Unix(1_700_000_000, 0)}
	agg := metrics.NewAggregator(metrics.WithClock(clock.now))

	agg.Record(metrics.MetricResponseTime, 1, models.MetricTags{})
	clock.t = clock.t.Add(time.Minute)
	agg.Record(metrics.MetricResponseTime, 2, models.MetricTags{})

	ts, err := agg.TimeSeries(metrics.MetricResponseTime, metrics.Range1H, models.MetricTags{})
	if err != nil {
		t.Fatalf("TimeSeries() error = %v", err)
	}
	if len(ts.Points) != 2 {
		t.Fatalf("1h range should return raw points, got %d", len(ts.Points))
	}
}

func TestTimeSeriesDownsamples24H(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	clock := &fixedClock{t: base}
	agg := metrics.NewAggregator(metrics.WithClock(clock.now))

	// Three samples inside one 10-minute bucket, two in the next.
	for i, v := range []float64{10, 20, 30} {
		clock.t = base.Add(time.Duration(i) * time.Minute)
		agg.Record("m", v, models.MetricTags{ModelID: "a"})
	}
	for i, v := range []float64{40, 60} {
		clock.t = base.Add(10*time.Minute + time.Duration(i)*time.Minute)
		agg.Record("m", v, models.MetricTags{ModelID: "b"})
	}
	// Query at a moment aligned so each group falls in its own bucket.
	clock.t = base.Add(24 * time.Hour)

	ts, err := agg.TimeSeries("m", metrics.Range24H, models.MetricTags{})
	if err != nil {
		t.Fatalf("TimeSeries() error = %v", err)
	}
	// The grid always covers the full window: 24h at 10m intervals.
	if len(ts.Points) != 144 {
		t.Fatalf("expected 144 buckets, got %d", len(ts.Points))
	}
	if math.Abs(ts.Points[0].Value-20) > 1e-9 {
		t.Errorf("bucket 0 mean = %v, want 20", ts.Points[0].Value)
	}
	if math.Abs(ts.Points[1].Value-50) > 1e-9 {
		t.Errorf("bucket 1 mean = %v, want 50", ts.Points[1].Value)
	}
	// Dominant tag comes from the bucket's first point.
	if ts.Points[0].Tags.ModelID != "a" || ts.Points[1].Tags.ModelID != "b" {
		t.Errorf("bucket tags = %q/%q, want a/b",
			ts.Points[0].Tags.ModelID, ts.Points[1].Tags.ModelID)
	}
	for _, p := range ts.Points[2:] {
		if p.Value != 0 {
			t.Fatalf("empty bucket at %v carries value %v", p.Timestamp, p.Value)
		}
	}
	// Bucket timestamps advance in lockstep.
	if got := ts.Points[1].Timestamp - ts.Points[0].Timestamp; got != 600 {
		t.Errorf("bucket spacing = %vs, want 600s", got)
	}
}

func TestTimeSeriesBucketCountPerRange(t *testing.T) {
	clock := &fixedClock{t: time.Unix(1_700_000_000, 0)}
	agg := metrics.NewAggregator(metrics.WithClock(clock.now))
	agg.Record("m", 1, models.MetricTags{})

	cases := []struct {
		rng  metrics.Range
		want int
	}{
		{metrics.Range24H, 144}, // 24h / 10m
		{metrics.Range7D, 168},  // 7d / 1h
		{metrics.Range30D, 720}, // 30d / 1h
	}
	for _, tc := range cases {
		ts, err := agg.TimeSeries("m", tc.rng, models.MetricTags{})
		if err != nil {
			t.Fatalf("TimeSeries(%s) error = %v", tc.rng, err)
		}
		if len(ts.Points) != tc.want {
			t.Errorf("range %s: %d buckets, want %d", tc.rng, len(ts.Points), tc.want)
		}
	}
}

func TestTagFilter(t *testing.T) {
	clock := &fixedClock{t: time.Unix(1_700_000_000, 0)}
	agg := metrics.NewAggregator(metrics.WithClock(clock.now))

	agg.Record("m", 1, models.MetricTags{ModelID: "a"})
	agg.Record("m", 2, models.MetricTags{ModelID: "b"})

	ts, err := agg.TimeSeries("m", metrics.Range1H, models.MetricTags{ModelID: "a"})
	if err != nil {
		t.Fatalf("TimeSeries() error = %v", err)
	}
	if len(ts.Points) != 1 || ts.Points[0].Value != 1 {
		t.Fatalf("tag filter failed: %+v", ts.Points)
	}
}

func TestModelBreakdown(t *testing.T) {
	clock := &fixedClock{t: time.Unix(1_700_000_000, 0)}
	agg := metrics.NewAggregator(metrics.WithClock(clock.now))

	agg.Record("m", 10, models.MetricTags{ModelID: "a"})
	agg.Record("m", 30, models.MetricTags{ModelID: "a"})
	agg.Record("m", 100, models.MetricTags{ModelID: "b"})
	agg.Record("m", 5, models.MetricTags{}) // untagged, excluded

	breakdown, err := agg.ModelBreakdown("m", metrics.Range1H)
	if err != nil {
		t.Fatalf("ModelBreakdown() error = %v", err)
	}
	if len(breakdown) != 2 {
		t.Fatalf("breakdown size = %d, want 2", len(breakdown))
	}
	if breakdown["a"].Avg != 20 {
		t.Errorf("model a avg = %v, want 20", breakdown["a"].Avg)
	}
	if breakdown["b"].Count != 1 {
		t.Errorf("model b count = %d, want 1", breakdown["b"].Count)
	}
}

func TestCompareAlignedBuckets(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	clock := &fixedClock{t: base}
	agg := metrics.NewAggregator(metrics.WithClock(clock.now))

	agg.Record("x", 1, models.MetricTags{})
	agg.Record("y", 2, models.MetricTags{})
	clock.t = base.Add(30 * time.Second)

	out, err := agg.Compare([]string{"x", "y"}, metrics.Range1H)
	if err != nil {
		t.Fatalf("Compare() error = %v", err)
	}
	// 1h window at 1m compare intervals, full grid for both metrics.
	if len(out["x"]) != 60 || len(out["y"]) != 60 {
		t.Fatalf("expected 60 buckets per metric, got %d/%d", len(out["x"]), len(out["y"]))
	}
	for i := range out["x"] {
		if out["x"][i].Timestamp != out["y"][i].Timestamp {
			t.Fatalf("bucket %d not aligned: %v vs %v", i, out["x"][i].Timestamp, out["y"][i].Timestamp)
		}
	}
	// Both samples landed in the final bucket of the hour.
	if out["x"][59].Value != 1 || out["y"][59].Value != 2 {
		t.Errorf("last bucket = %v/%v, want 1/2", out["x"][59].Value, out["y"][59].Value)
	}
}

func TestRingCapacityEviction(t *testing.T) {
	clock := &fixedClock{t: time.Unix(1_700_000_000, 0)}
	agg := metrics.NewAggregator(metrics.WithClock(clock.now), metrics.WithCapacity(3))

	for i := 1; i <= 5; i++ {
		agg.Record("m", float64(i), models.MetricTags{})
	}

	sum, err := agg.Summary("m", metrics.Range1H)
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if sum.Count != 3 {
		t.Fatalf("ring kept %d points, want 3", sum.Count)
	}
	if sum.Min != 3 {
		t.Errorf("oldest surviving value = %v, want 3", sum.Min)
	}
}

func TestSweepEnforcesRetention(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	clock := &fixedClock{t: base}
	agg := metrics.NewAggregator(
		metrics.WithClock(clock.now),
		metrics.WithRetention(24*time.Hour))

	agg.Record("m", 1, models.MetricTags{})
	clock.t = base.Add(48 * time.Hour)
	agg.Record("m", 2, models.MetricTags{})

	agg.Sweep()

	sum, err := agg.Summary("m", metrics.Range30D)
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if sum.Count != 1 || sum.Min != 2 {
		t.Fatalf("sweep kept %d points (min %v), want the single fresh point", sum.Count, sum.Min)
	}
}
