package health

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/tidesapp/tidelink/pool"
)

// Sample is one check outcome.
type Sample struct {
	Timestamp    time.Time     `json:"timestamp"`
	ResponseTime time.Duration `json:"response_time"`
	Success      bool          `json:"success"`
}

// TrendPoint aggregates the samples of one hour or one day.
type TrendPoint struct {
	Start               time.Time     `json:"start"`
	Checks              int           `json:"checks"`
	Availability        float64       `json:"availability"`
	AverageResponseTime time.Duration `json:"average_response_time"`
}

// Metrics is derived on demand from a connection's sample buffer.
type Metrics struct {
	ConnectionID        string               `json:"connection_id"`
	State               pool.ConnectionState `json:"state"`
	ConsecutiveFailures int                  `json:"consecutive_failures"`
	LastCheck           time.Time            `json:"last_check"`
	LastError           string               `json:"last_error,omitempty"`

	TotalChecks         int           `json:"total_checks"`
	Availability        float64       `json:"availability"`
	ErrorRate           float64       `json:"error_rate"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	P95ResponseTime     time.Duration `json:"p95_response_time"`

	// Throughput is checks per minute over the span covered by the buffer.
	Throughput float64 `json:"throughput"`

	// Hourly covers the last 24 hours, oldest first.
	Hourly []TrendPoint `json:"hourly"`
	// Daily covers the last 7 days, oldest first.
	Daily []TrendPoint `json:"daily"`
}

// pruneSamples drops samples older than retention and keeps at most limit.
func pruneSamples(samples []Sample, now time.Time, retention time.Duration, limit int) []Sample {
	cutoff := now.Add(-retention)
	i := 0
	for i < len(samples) && samples[i].Timestamp.Before(cutoff) {
		i++
	}
	samples = samples[i:]
	if len(samples) > limit {
		samples = samples[len(samples)-limit:]
	}
	return samples
}

func computeMetrics(samples []Sample, now time.Time) Metrics {
	var m Metrics
	m.TotalChecks = len(samples)
	m.Hourly = trend(samples, now, time.Hour, 24)
	m.Daily = trend(samples, now, 24*time.Hour, 7)
	if len(samples) == 0 {
		return m
	}

	successes, times := summarize(samples)
	m.Availability = float64(successes) / float64(len(samples))
	m.ErrorRate = 1 - m.Availability

	if len(times) > 0 {
		m.AverageResponseTime = time.Duration(stat.Mean(times, nil))
		sorted := append([]float64(nil), times...)
		sort.Float64s(sorted)
		m.P95ResponseTime = time.Duration(stat.Quantile(0.95, stat.Empirical, sorted, nil))
	}

	span := now.Sub(samples[0].Timestamp)
	if span < time.Minute {
		span = time.Minute
	}
	m.Throughput = float64(len(samples)) / span.Minutes()
	return m
}

// summarize counts successes and collects response times of successful checks.
func summarize(samples []Sample) (int, []float64) {
	successes := 0
	times := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s.Success {
			successes++
			times = append(times, float64(s.ResponseTime))
		}
	}
	return successes, times
}

func trend(samples []Sample, now time.Time, bucket time.Duration, buckets int) []TrendPoint {
	end := now.Truncate(bucket).Add(bucket)
	start := end.Add(-time.Duration(buckets) * bucket)

	grouped := make([][]Sample, buckets)
	for _, s := range samples {
		if s.Timestamp.Before(start) || !s.Timestamp.Before(end) {
			continue
		}
		idx := int(s.Timestamp.Sub(start) / bucket)
		grouped[idx] = append(grouped[idx], s)
	}

	points := make([]TrendPoint, buckets)
	for i := range points {
		points[i].Start = start.Add(time.Duration(i) * bucket)
		group := grouped[i]
		if len(group) == 0 {
			continue
		}
		successes, times := summarize(group)
		points[i].Checks = len(group)
		points[i].Availability = float64(successes) / float64(len(group))
		if len(times) > 0 {
			points[i].AverageResponseTime = time.Duration(stat.Mean(times, nil))
		}
	}
	return points
}
