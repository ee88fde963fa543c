package analytics

import (
	"sort"

	"shockscore/internal/config"
	"shockscore/internal/models"
)

const anonymizationMethod = "population_aggregation"

// ReportInput is everything a report is derived from.
type ReportInput struct {
	SessionID   string
	Metadata    models.SessionMetadata
	Timeline    []models.ShockScoreSample
	ScareEvents []models.ScareEvent
	Baseline    models.Baseline
	Reliability models.ReliabilityStats
	// FacesAggregated counts faces over every anonymized frame, including
	// calibration frames.
	FacesAggregated int
}

// BuildReport derives the session report. It is a pure function: inputs are
// copied, never modified, and identical inputs give identical reports.
func BuildReport(in ReportInput, cfg config.Report) models.Report {
	timeline := make([]models.ShockScoreSample, len(in.Timeline))
	copy(timeline, in.Timeline)
	events := make([]models.ScareEvent, len(in.ScareEvents))
	copy(events, in.ScareEvents)

	scores := make([]float64, len(timeline))
	for i, s := range timeline {
		scores[i] = s.Score
	}

	avg := mean(scores)
	peak := 0.0
	for _, s := range scores {
		if s > peak {
			peak = s
		}
	}
	consistency := consistencyFactor(pstddev(scores), cfg.ConsistencyDivisor)
	epm := epmScore(avg, peak, consistency)

	report := models.Report{
		SessionID:           in.SessionID,
		Metadata:            in.Metadata,
		EPM:                 epm,
		AverageShock:        avg,
		PeakShock:           peak,
		ConsistencyFactor:   consistency,
		ScareEventCount:     len(events),
		ScareEvents:         events,
		Timeline:            timeline,
		PeakMoments:         peakMoments(timeline, cfg.PeakMoments),
		MissedOpportunities: missedOpportunities(timeline, cfg),
		Audience:            audienceStats(timeline, in.FacesAggregated),
		BaselineQuality:     in.Baseline.Quality,
		Baseline:            in.Baseline,
		Tension:             tensionAnalysis(timeline, cfg),
		Reliability:         in.Reliability,
		Privacy: models.PrivacySummary{
			Method:          anonymizationMethod,
			FacesAggregated: in.FacesAggregated,
		},
	}
	if report.BaselineQuality == "" {
		report.BaselineQuality = models.BaselinePending
		report.Baseline.Quality = models.BaselinePending
	}
	if n := len(timeline); n > 0 {
		report.RuntimeSeconds = timeline[n-1].Timestamp
	}
	return report
}

// consistencyFactor rewards sustained tension over sporadic spikes.
func consistencyFactor(stddev, divisor float64) float64 {
	if stddev == 0 {
		return 1
	}
	return clamp(1-stddev/divisor, 0, 1)
}

// epmScore is the 0-10 session metric.
func epmScore(avg, peak, consistency float64) float64 {
	return clamp(avg*(peak/100)*consistency/10, 0, 10)
}

// peakMoments returns the n highest-scoring samples; equal scores are
// ordered by earliest timestamp.
func peakMoments(timeline []models.ShockScoreSample, n int) []models.PeakMoment {
	ranked := make([]models.ShockScoreSample, len(timeline))
	copy(ranked, timeline)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Timestamp < ranked[j].Timestamp
	})
	if n > len(ranked) {
		n = len(ranked)
	}

	moments := make([]models.PeakMoment, 0, n)
	for _, s := range ranked[:n] {
		moments = append(moments, models.PeakMoment{
			Timestamp:       s.Timestamp,
			Clock:           formatClock(s.Timestamp),
			Score:           s.Score,
			DominantEmotion: s.DominantEmotion,
			AudienceSize:    s.AudienceSize,
		})
	}
	return moments
}

func missedOpportunities(timeline []models.ShockScoreSample, cfg config.Report) []models.MissedOpportunity {
	low := func(s models.ShockScoreSample) bool { return s.Score < cfg.MissedThreshold }
	runs := findRuns(timeline, low, cfg.MissedMinDuration.Seconds())

	out := make([]models.MissedOpportunity, 0, len(runs))
	for _, r := range runs {
		scores := make([]float64, 0, r.last-r.first+1)
		for _, s := range timeline[r.first : r.last+1] {
			scores = append(scores, s.Score)
		}
		start := timeline[r.first].Timestamp
		out = append(out, models.MissedOpportunity{
			Start:        start,
			End:          timeline[r.last].Timestamp,
			Duration:     r.span(timeline),
			Clock:        formatClock(start),
			AverageScore: mean(scores),
		})
	}
	return out
}

func tensionAnalysis(timeline []models.ShockScoreSample, cfg config.Report) models.TensionAnalysis {
	high := func(s models.ShockScoreSample) bool { return s.Score > cfg.TensionThreshold }
	runs := findRuns(timeline, high, cfg.TensionMinDuration.Seconds())

	var ta models.TensionAnalysis
	if len(runs) == 0 {
		return ta
	}
	durations := make([]float64, len(runs))
	for i, r := range runs {
		durations[i] = r.span(timeline)
		if durations[i] > ta.LongestDuration {
			ta.LongestDuration = durations[i]
		}
	}
	ta.SustainedPeriods = len(runs)
	ta.AverageDuration = mean(durations)
	return ta
}

func audienceStats(timeline []models.ShockScoreSample, faces int) models.AudienceStats {
	stats := models.AudienceStats{FacesAggregated: faces}
	if len(timeline) == 0 {
		return stats
	}
	sizes := make([]float64, len(timeline))
	stats.Min = timeline[0].AudienceSize
	for i, s := range timeline {
		sizes[i] = float64(s.AudienceSize)
		if s.AudienceSize < stats.Min {
			stats.Min = s.AudienceSize
		}
		if s.AudienceSize > stats.Max {
			stats.Max = s.AudienceSize
		}
	}
	stats.Mean = mean(sizes)
	return stats
}
