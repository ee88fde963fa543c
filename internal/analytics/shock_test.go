package analytics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shockscore/internal/apperrors"
	"shockscore/internal/config"
	"shockscore/internal/models"
)

func baselineOf(fear, surprise float64) models.Baseline {
	var v models.EmotionVector
	v[models.Fear] = fear
	v[models.Surprise] = surprise
	v[models.Neutral] = 100 - fear - surprise
	return models.Baseline{Emotions: v, Samples: 10, Quality: models.BaselineNominal}
}

func TestShockScorer_ClampsHighScore(t *testing.T) {
	scorer := NewShockScorer(config.Default().Weights)
	frame := aggregated(42, 12, models.Fear, 40.0, models.Surprise, 20.0, models.Disgust, 10.0, models.Neutral, 30.0)

	sample := scorer.Score(frame, baselineOf(5, 3))

	assert.InDelta(t, 35.0, sample.FearDelta, 1e-9)
	assert.InDelta(t, 17.0, sample.SurpriseDelta, 1e-9)
	// raw = 35*2 + 17*1.5 + 25 = 120.5
	assert.Equal(t, 100.0, sample.Score)
	assert.Equal(t, 42.0, sample.Timestamp)
	assert.Equal(t, 12, sample.AudienceSize)
	assert.Equal(t, models.Fear, sample.DominantEmotion)
}

func TestShockScorer_SignedDeltasAndLowerClamp(t *testing.T) {
	scorer := NewShockScorer(config.Default().Weights)
	frame := aggregated(1, 3, models.Fear, 2.0, models.Surprise, 1.0, models.Neutral, 97.0)

	sample := scorer.Score(frame, baselineOf(20, 10))

	assert.InDelta(t, -18.0, sample.FearDelta, 1e-9, "deltas are not clamped")
	assert.InDelta(t, -9.0, sample.SurpriseDelta, 1e-9)
	assert.Equal(t, 0.0, sample.Score)
	assert.Equal(t, models.Neutral, sample.DominantEmotion)
}

func TestShockScorer_MidRange(t *testing.T) {
	scorer := NewShockScorer(config.Weights{Fear: 1, Surprise: 1})
	frame := aggregated(1, 3, models.Fear, 20.0, models.Surprise, 10.0, models.Disgust, 10.0, models.Neutral, 60.0)

	sample := scorer.Score(frame, baselineOf(10, 5))

	// 10*1 + 5*1 + (20+10)/2
	assert.InDelta(t, 30.0, sample.Score, 1e-9)
}

func TestTimeline_RejectsNonIncreasing(t *testing.T) {
	var tl Timeline
	require.NoError(t, tl.Append(models.ShockScoreSample{Timestamp: 1}))
	require.NoError(t, tl.Append(models.ShockScoreSample{Timestamp: 2}))

	err := tl.Append(models.ShockScoreSample{Timestamp: 2})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvariant))

	err = tl.Append(models.ShockScoreSample{Timestamp: 1.5})
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvariant))
	assert.Equal(t, 2, tl.Len())
}

func TestTimeline_SamplesIsACopy(t *testing.T) {
	var tl Timeline
	require.NoError(t, tl.Append(models.ShockScoreSample{Timestamp: 1, Score: 10}))

	out := tl.Samples()
	out[0].Score = 99

	assert.Equal(t, 10.0, tl.Samples()[0].Score)
}
