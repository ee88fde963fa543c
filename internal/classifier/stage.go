// Package classifier is the boundary to the face detection and emotion
// classification service. Face regions are only used to crop a classifier
// request; they never leave this package.
package classifier

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"shockscore/internal/config"
	"shockscore/internal/logging"
	"shockscore/internal/models"
)

// Region is a detected face bounding box in pixel coordinates.
type Region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type Detector interface {
	Detect(ctx context.Context, image []byte) ([]Region, error)
}

type Classifier interface {
	Classify(ctx context.Context, image []byte, region Region) (models.FaceEmotionSample, error)
}

// Stage turns a raw frame into an anonymizable observation. Upstream
// failures never escape as errors; they become gap observations.
type Stage struct {
	detector   Detector
	classifier Classifier
	timeout    time.Duration
	cutoff     float64
	maxFaces   int
	logger     *slog.Logger
}

func NewStage(d Detector, c Classifier, cfg config.Classifier) *Stage {
	return &Stage{
		detector:   d,
		classifier: c,
		timeout:    cfg.Timeout,
		cutoff:     cfg.ConfidenceCutoff,
		maxFaces:   cfg.MaxFaces,
		logger:     logging.Logger.With("component", "classifier"),
	}
}

// Run detects and classifies every face in image within the stage timeout.
// Faces below the confidence cutoff are discarded and at most maxFaces
// regions are classified.
func (s *Stage) Run(ctx context.Context, ts float64, image []byte) models.FrameObservation {
	obs := models.FrameObservation{Timestamp: ts}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	regions, err := s.detector.Detect(ctx, image)
	if err != nil {
		obs.Gap = s.gapFor(ctx, ts, "detect", err)
		return obs
	}
	if len(regions) == 0 {
		obs.Gap = models.GapNoFaces
		return obs
	}
	if s.maxFaces > 0 && len(regions) > s.maxFaces {
		regions = regions[:s.maxFaces]
	}

	faces := make([]models.FaceEmotionSample, 0, len(regions))
	for _, region := range regions {
		face, err := s.classifier.Classify(ctx, image, region)
		if err != nil {
			obs.Gap = s.gapFor(ctx, ts, "classify", err)
			return obs
		}
		if face.Confidence < s.cutoff {
			continue
		}
		faces = append(faces, face)
	}
	if len(faces) == 0 {
		obs.Gap = models.GapLowConfidence
		return obs
	}
	obs.Faces = faces
	return obs
}

func (s *Stage) gapFor(ctx context.Context, ts float64, op string, err error) models.GapKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		s.logger.Warn("classifier timed out", "op", op, "timestamp", ts, "timeout", s.timeout)
		return models.GapUpstreamTimeout
	}
	s.logger.Warn("classifier failed", "op", op, "timestamp", ts, "error", err)
	return models.GapUpstreamError
}
