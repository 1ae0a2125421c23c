package metrics

import (
	"math"
	"sort"
	"time"

	"anivpn/internal/model"
)

// Throughput returns receive and transmit rates in bytes per second between
// two samples. It is zero when there is no previous sample, when no time has
// passed, or when a counter went backwards (interface recreated).
func Throughput(prev, cur model.LinkStatistics) (rxRate, txRate float64) {
	if prev.SampledAt.IsZero() {
		return 0, 0
	}
	elapsed := cur.SampledAt.Sub(prev.SampledAt).Seconds()
	if elapsed <= 0 {
		return 0, 0
	}
	if cur.RxBytes < prev.RxBytes || cur.TxBytes < prev.TxBytes {
		return 0, 0
	}
	return float64(cur.RxBytes-prev.RxBytes) / elapsed, float64(cur.TxBytes-prev.TxBytes) / elapsed
}

// Summary aggregates finished sessions.
type Summary struct {
	Count       int           `json:"count"`
	From        time.Time     `json:"from"`
	To          time.Time     `json:"to"`
	Total       time.Duration `json:"total"`
	AvgDuration time.Duration `json:"avg_duration"`
	P95Duration time.Duration `json:"p95_duration"`
	MaxDuration time.Duration `json:"max_duration"`
	RxBytes     uint64        `json:"rx_bytes"`
	TxBytes     uint64        `json:"tx_bytes"`
	LinkLost    int           `json:"link_lost"`
}

// Summarize computes summary metrics for sessions started at or after since.
func Summarize(items []model.Session, since time.Time) Summary {
	filtered := make([]model.Session, 0, len(items))
	for _, s := range items {
		if s.StartedAt.After(since) || s.StartedAt.Equal(since) {
			filtered = append(filtered, s)
		}
	}

	if len(filtered) == 0 {
		return Summary{Count: 0}
	}

	values := make([]float64, 0, len(filtered))
	var sum Summary
	sum.From = filtered[0].StartedAt
	sum.To = filtered[0].EndedAt

	for _, s := range filtered {
		d := s.Duration()
		values = append(values, float64(d))
		sum.Total += d
		sum.RxBytes += s.RxBytes
		sum.TxBytes += s.TxBytes
		if d > sum.MaxDuration {
			sum.MaxDuration = d
		}
		if s.EndReason == "link_lost" {
			sum.LinkLost++
		}
		if s.StartedAt.Before(sum.From) {
			sum.From = s.StartedAt
		}
		if s.EndedAt.After(sum.To) {
			sum.To = s.EndedAt
		}
	}

	sort.Float64s(values)
	sum.Count = len(filtered)
	sum.AvgDuration = sum.Total / time.Duration(len(filtered))
	sum.P95Duration = time.Duration(percentile(values, 0.95))
	return sum
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}
