// Package metrics implements the time-series aggregator: per-metric ring
// buffers of samples, range-based downsampling, percentile summaries, and
// an hourly TTL sweep that enforces the retention window beyond the ring's
// automatic eviction.
package metrics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/conclave-ai/conclave/pkg/models"
	"github.com/rs/zerolog/log"
)

// Well-known metric names recorded by the orchestrator.
const (
	MetricResponseTime    = "response_time_ms"
	MetricTokensPerSecond = "tokens_per_second"
	MetricComplexityScore = "complexity_score"
	MetricRetrievalTime   = "retrieval_time_ms"
)

// Range names a query window.
type Range string

const (
	Range1H  Range = "1h"
	Range6H  Range = "6h"
	Range24H Range = "24h"
	Range7D  Range = "7d"
	Range30D Range = "30d"
)

// Window returns the range's duration.
func (r Range) Window() (time.Duration, error) {
	switch r {
	case Range1H:
		return time.Hour, nil
	case Range6H:
		return 6 * time.Hour, nil
	case Range24H:
		return 24 * time.Hour, nil
	case Range7D:
		return 7 * 24 * time.Hour, nil
	case Range30D:
		return 30 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unknown metrics range %q", r)
}

// downsampleInterval is the bucket width for TimeSeries. Zero means raw
// points are returned.
func (r Range) downsampleInterval() time.Duration {
	switch r {
	case Range24H:
		return 10 * time.Minute
	case Range7D, Range30D:
		return time.Hour
	}
	return 0
}

// compareInterval is the aligned bucket width used by Compare.
func (r Range) compareInterval() time.Duration {
	switch r {
	case Range1H:
		return time.Minute
	case Range6H:
		return 5 * time.Minute
	case Range24H:
		return 10 * time.Minute
	case Range7D, Range30D:
		return time.Hour
	}
	return time.Minute
}

// Aggregator stores samples per metric. One lock guards all buffers;
// contention is acceptable at expected ingestion rates (≤10³/s).
type Aggregator struct {
	mu       sync.Mutex
	series   map[string][]models.MetricDataPoint
	capacity int

	retention time.Duration
	now       func() time.Time

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// Option configures the aggregator.
type Option func(*Aggregator)

// WithCapacity sets the per-metric ring capacity.
func WithCapacity(n int) Option {
	return func(a *Aggregator) { a.capacity = n }
}

// WithRetention sets the TTL enforced by the sweep.
func WithRetention(d time.Duration) Option {
	return func(a *Aggregator) { a.retention = d }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// NewAggregator creates an aggregator. Call Start to run the TTL sweep.
func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{
		series:    make(map[string][]models.MetricDataPoint),
		capacity:  500_000,
		retention: 30 * 24 * time.Hour,
		now:       time.Now,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Record appends one sample to the metric's ring buffer.
func (a *Aggregator) Record(metric string, value float64, tags models.MetricTags) {
	point := models.MetricDataPoint{
		Timestamp: float64(a.now().UnixNano()) / 1e9,
		Value:     value,
		Tags:      tags,
	}
	a.mu.Lock()
	buf := a.series[metric]
	if len(buf) >= a.capacity {
		buf = buf[1:]
	}
	a.series[metric] = append(buf, point)
	a.mu.Unlock()
}

// TimeSeries returns the points in the range, tag-filtered, downsampled
// per the range's rules, plus a summary over the filtered raw points.
func (a *Aggregator) TimeSeries(metric string, rng Range, filter models.MetricTags) (models.TimeSeries, error) {
	window, err := rng.Window()
	if err != nil {
		return models.TimeSeries{}, err
	}

	raw := a.snapshot(metric, window, filter)
	points := raw
	if interval := rng.downsampleInterval(); interval > 0 {
		points = downsample(raw, a.now().Add(-window), window, interval)
	}

	return models.TimeSeries{
		Metric:  metric,
		Points:  points,
		Summary: summarize(raw),
	}, nil
}

// Summary aggregates the metric over the range.
func (a *Aggregator) Summary(metric string, rng Range) (models.MetricSummary, error) {
	window, err := rng.Window()
	if err != nil {
		return models.MetricSummary{}, err
	}
	return summarize(a.snapshot(metric, window, models.MetricTags{})), nil
}

// Compare returns aligned-bucket series for several metrics, using the
// range's explicit compare interval so callers can overlay them.
func (a *Aggregator) Compare(metricNames []string, rng Range) (map[string][]models.MetricDataPoint, error) {
	window, err := rng.Window()
	if err != nil {
		return nil, err
	}
	start := a.now().Add(-window)
	interval := rng.compareInterval()

	out := make(map[string][]models.MetricDataPoint, len(metricNames))
	for _, name := range metricNames {
		raw := a.snapshot(name, window, models.MetricTags{})
		out[name] = downsample(raw, start, window, interval)
	}
	return out, nil
}

// ModelBreakdown aggregates the metric per model_id over the range.
func (a *Aggregator) ModelBreakdown(metric string, rng Range) (map[string]models.MetricSummary, error) {
	window, err := rng.Window()
	if err != nil {
		return nil, err
	}
	raw := a.snapshot(metric, window, models.MetricTags{})

	grouped := make(map[string][]models.MetricDataPoint)
	for _, p := range raw {
		if p.Tags.ModelID == "" {
			continue
		}
		grouped[p.Tags.ModelID] = append(grouped[p.Tags.ModelID], p)
	}

	out := make(map[string]models.MetricSummary, len(grouped))
	for id, pts := range grouped {
		out[id] = summarize(pts)
	}
	return out, nil
}

// Metrics lists the metric names with at least one sample.
func (a *Aggregator) Metrics() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.series))
	for name := range a.series {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start runs the hourly TTL sweep until the context is canceled.
func (a *Aggregator) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	go func() {
		defer close(a.done)
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.Sweep()
			}
		}
	}()
	log.Info().
		Int("capacity", a.capacity).
		Dur("retention", a.retention).
		Msg("Metrics aggregator started")
}

// Stop cancels the sweep goroutine. Idempotent.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
			<-a.done
		}
	})
}

// Sweep drops samples older than the retention window.
func (a *Aggregator) Sweep() {
	cutoff := float64(a.now().Add(-a.retention).UnixNano()) / 1e9
	removed := 0

	a.mu.Lock()
	for name, buf := range a.series {
		idx := sort.Search(len(buf), func(i int) bool {
			return buf[i].Timestamp >= cutoff
		})
		if idx > 0 {
			a.series[name] = append([]models.MetricDataPoint(nil), buf[idx:]...)
			removed += idx
		}
	}
	a.mu.Unlock()

	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("Metrics TTL sweep complete")
	}
}

// snapshot copies the metric's points within the window, tag-filtered.
func (a *Aggregator) snapshot(metric string, window time.Duration, filter models.MetricTags) []models.MetricDataPoint {
	since := float64(a.now().Add(-window).UnixNano()) / 1e9

	a.mu.Lock()
	defer a.mu.Unlock()

	buf := a.series[metric]
	out := make([]models.MetricDataPoint, 0, len(buf))
	for _, p := range buf {
		if p.Timestamp < since {
			continue
		}
		if filter.ModelID != "" && p.Tags.ModelID != filter.ModelID {
			continue
		}
		if filter.Tier != "" && p.Tags.Tier != filter.Tier {
			continue
		}
		if filter.QueryMode != "" && p.Tags.QueryMode != filter.QueryMode {
			continue
		}
		out = append(out, p)
	}
	return out
}

// downsample averages points within fixed buckets starting at start. The
// output always spans the full window: ceil(window/interval) buckets,
// empty ones carrying a zero value. A bucket's tags come from its first
// point.
func downsample(points []models.MetricDataPoint, start time.Time, window, interval time.Duration) []models.MetricDataPoint {
	n := int(math.Ceil(float64(window) / float64(interval)))
	if n <= 0 {
		return nil
	}
	startSec := float64(start.UnixNano()) / 1e9
	intervalSec := interval.Seconds()

	type bucket struct {
		sum   float64
		count int
		first models.MetricDataPoint
	}
	buckets := make([]bucket, n)

	for _, p := range points {
		idx := int(math.Floor((p.Timestamp - startSec) / intervalSec))
		if idx < 0 {
			continue
		}
		if idx >= n {
			// A point stamped exactly at the window's end lands in the
			// final bucket.
			idx = n - 1
		}
		b := &buckets[idx]
		if b.count == 0 {
			b.first = p
		}
		b.sum += p.Value
		b.count++
	}

	out := make([]models.MetricDataPoint, 0, n)
	for idx := range buckets {
		b := &buckets[idx]
		point := models.MetricDataPoint{Timestamp: startSec + float64(idx)*intervalSec}
		if b.count > 0 {
			point.Value = b.sum / float64(b.count)
			point.Tags = b.first.Tags
		}
		out = append(out, point)
	}
	return out
}

// summarize computes min/max/avg and p50/p95/p99 over raw points.
func summarize(points []models.MetricDataPoint) models.MetricSummary {
	if len(points) == 0 {
		return models.MetricSummary{}
	}
	values := make([]float64, len(points))
	sum := 0.0
	for i, p := range points {
		values[i] = p.Value
		sum += p.Value
	}
	sort.Float64s(values)

	return models.MetricSummary{
		Min:   values[0],
		Max:   values[len(values)-1],
		Avg:   sum / float64(len(values)),
		P50:   percentile(values, 0.50),
		P95:   percentile(values, 0.95),
		P99:   percentile(values, 0.99),
		Count: len(values),
	}
}

// percentile uses nearest-rank on a sorted slice.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
