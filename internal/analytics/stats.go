package analytics

import (
	"fmt"
	"math"

	"shockscore/internal/models"
)

func clamp(x, lo, hi float64) float64 {
	if math.IsNaN(x) {
		return lo
	}
	return math.Max(lo, math.Min(hi, x))
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// pstddev is the population standard deviation.
func pstddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var variance float64
	for _, x := range xs {
		d := x - m
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(xs)))
}

// run is a maximal stretch of consecutive timeline samples matching a
// predicate; first and last are indexes into the timeline.
type run struct {
	first, last int
}

func (r run) span(samples []models.ShockScoreSample) float64 {
	return samples[r.last].Timestamp - samples[r.first].Timestamp
}

// findRuns returns every maximal run of samples satisfying match whose span
// is at least minSpan seconds.
func findRuns(samples []models.ShockScoreSample, match func(models.ShockScoreSample) bool, minSpan float64) []run {
	var runs []run
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		r := run{first: start, last: end}
		if r.span(samples) >= minSpan {
			runs = append(runs, r)
		}
		start = -1
	}
	for i, s := range samples {
		if match(s) {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i - 1)
	}
	flush(len(samples) - 1)
	return runs
}

// formatClock renders seconds as MM:SS.
func formatClock(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(seconds)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}
