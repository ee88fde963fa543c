package analytics

import (
	"math"

	"shockscore/internal/models"
)

// Anonymize collapses one frame's per-face samples into a population
// snapshot. Only the face count and the per-category means (0-100 scale)
// survive; confidence and everything else about a face is dropped here.
//
// Each face vector is first normalized to a probability distribution, so the
// means always sum to 100 for a non-empty frame. An empty frame yields a
// zero-audience snapshot with an all-zero vector.
func Anonymize(timestamp float64, faces []models.FaceEmotionSample) models.AggregatedFrame {
	frame := models.AggregatedFrame{Timestamp: timestamp}
	if len(faces) == 0 {
		return frame
	}

	var totals models.EmotionVector
	for _, face := range faces {
		dist := normalize(face.Emotions)
		for i, p := range dist {
			totals[i] += p
		}
	}

	n := float64(len(faces))
	for i, total := range totals {
		frame.Emotions[i] = total / n * 100
	}
	frame.AudienceSize = len(faces)
	return frame
}

// normalize turns a raw classifier vector into a distribution summing to 1.
// Negative and non-finite entries count as zero; a vector with no mass is
// treated as uniform.
func normalize(v models.EmotionVector) models.EmotionVector {
	var out models.EmotionVector
	var sum float64
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) || x < 0 {
			continue
		}
		out[i] = x
		sum += x
	}
	if sum == 0 || math.IsInf(sum, 0) {
		for i := range out {
			out[i] = 1 / float64(models.NumEmotions)
		}
		return out
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
