package analytics

import (
	"shockscore/internal/apperrors"
	"shockscore/internal/config"
	"shockscore/internal/models"
)

const (
	minScore = 0
	maxScore = 100
)

// ShockScorer turns a population snapshot into an instantaneous shock score
// relative to the frozen baseline.
type ShockScorer struct {
	fearWeight     float64
	surpriseWeight float64
}

func NewShockScorer(w config.Weights) *ShockScorer {
	return &ShockScorer{fearWeight: w.Fear, surpriseWeight: w.Surprise}
}

// Score computes the sample for one frame. Deltas keep their sign; only the
// combined score is clamped to [0, 100].
func (s *ShockScorer) Score(frame models.AggregatedFrame, baseline models.Baseline) models.ShockScoreSample {
	fear := frame.Emotions[models.Fear]
	surprise := frame.Emotions[models.Surprise]
	disgust := frame.Emotions[models.Disgust]

	fearDelta := fear - baseline.Emotions[models.Fear]
	surpriseDelta := surprise - baseline.Emotions[models.Surprise]
	tension := (fear + disgust) / 2

	raw := fearDelta*s.fearWeight + surpriseDelta*s.surpriseWeight + tension

	return models.ShockScoreSample{
		Timestamp:       frame.Timestamp,
		Score:           clamp(raw, minScore, maxScore),
		AudienceSize:    frame.AudienceSize,
		DominantEmotion: frame.Emotions.Dominant(),
		FearDelta:       fearDelta,
		SurpriseDelta:   surpriseDelta,
	}
}

// Timeline is the ordered sequence of scored samples for one session.
type Timeline struct {
	samples []models.ShockScoreSample
}

// Append adds a sample. Timestamps must strictly increase; anything else is
// an invariant violation and the sample is not stored.
func (t *Timeline) Append(sample models.ShockScoreSample) error {
	if n := len(t.samples); n > 0 && sample.Timestamp <= t.samples[n-1].Timestamp {
		return apperrors.Invariant("timeline timestamp %.3f does not follow %.3f",
			sample.Timestamp, t.samples[n-1].Timestamp)
	}
	t.samples = append(t.samples, sample)
	return nil
}

func (t *Timeline) Len() int {
	return len(t.samples)
}

// Samples returns a copy of the timeline.
func (t *Timeline) Samples() []models.ShockScoreSample {
	out := make([]models.ShockScoreSample, len(t.samples))
	copy(out, t.samples)
	return out
}
