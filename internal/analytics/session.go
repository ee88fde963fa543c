package analytics

import (
	"shockscore/internal/apperrors"
	"shockscore/internal/config"
	"shockscore/internal/models"
)

type Stage string

const (
	StageGap         Stage = "gap"
	StageCalibration Stage = "calibration"
	StageScored      Stage = "scored"
)

// FrameOutcome reports what the pipeline did with one observation.
type FrameOutcome struct {
	Stage  Stage
	Gap    models.GapKind
	Sample *models.ShockScoreSample
	Event  *models.ScareEvent
	// Issues are the conditions recovered locally while applying the frame:
	// data gaps, upstream timeouts and calibration failure.
	Issues []error
}

// Session runs the analytics pipeline for one screening. It owns all of its
// state and is not safe for concurrent use; callers serialize access.
type Session struct {
	id       string
	metadata models.SessionMetadata
	cfg      config.Analysis

	calibrator *Calibrator
	scorer     *ShockScorer
	detector   *ScareDetector
	timeline   Timeline
	events     []models.ScareEvent

	reliability models.ReliabilityStats
	faces       int
	lastTS      float64
	started     bool
	failure     error
}

// NewSession validates cfg and builds an empty session. Invalid
// configuration is rejected before any frame can be processed.
func NewSession(id string, metadata models.SessionMetadata, cfg config.Analysis) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Session{
		id:         id,
		metadata:   metadata,
		cfg:        cfg,
		calibrator: NewCalibrator(cfg.Calibration),
		scorer:     NewShockScorer(cfg.Weights),
		detector:   NewScareDetector(cfg.Detector),
	}, nil
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Config() config.Analysis {
	return s.cfg
}

// Err returns the invariant violation that stopped the session, if any.
func (s *Session) Err() error {
	return s.failure
}

// Process applies one observation. Observations must arrive with strictly
// increasing timestamps; a violation fails the session permanently and
// every later call returns the same error.
func (s *Session) Process(obs models.FrameObservation) (FrameOutcome, error) {
	if s.failure != nil {
		return FrameOutcome{}, s.failure
	}
	if s.started && obs.Timestamp <= s.lastTS {
		return FrameOutcome{}, s.Fail(apperrors.Invariant("frame timestamp %.3f does not follow %.3f", obs.Timestamp, s.lastTS).
			WithContext("session_id", s.id))
	}
	s.started = true
	s.lastTS = obs.Timestamp
	s.reliability.FramesReceived++

	calibrating := s.calibrator.State() == Calibrating
	out, err := s.apply(obs)
	if err != nil {
		return out, err
	}
	if calibrating && s.calibrator.State() == Frozen {
		if b, _ := s.calibrator.Baseline(); b.Quality == models.BaselineDegraded {
			out.Issues = append(out.Issues, apperrors.New(apperrors.KindCalibrationFailure,
				"calibration window ended without valid frames, using default baseline").
				WithContext("frozen_at", b.FrozenAt))
		}
	}
	return out, nil
}

func (s *Session) apply(obs models.FrameObservation) (FrameOutcome, error) {
	s.calibrator.Advance(obs.Timestamp)

	if obs.Gap != models.GapNone || len(obs.Faces) == 0 {
		return s.recordGap(obs.Gap), nil
	}
	faces := screenFaces(obs.Faces, s.cfg.Classifier)
	if len(faces) == 0 {
		return s.recordGap(models.GapLowConfidence), nil
	}

	frame := Anonymize(obs.Timestamp, faces)
	s.faces += frame.AudienceSize

	if s.calibrator.Ingest(frame) {
		s.reliability.CalibrationFrames++
		return FrameOutcome{Stage: StageCalibration}, nil
	}

	baseline, ok := s.calibrator.Baseline()
	if !ok {
		// Unreachable: a non-zero frame not consumed by calibration implies a
		// frozen baseline.
		return FrameOutcome{Stage: StageCalibration}, nil
	}

	sample := s.scorer.Score(frame, baseline)
	if err := s.timeline.Append(sample); err != nil {
		return FrameOutcome{}, s.Fail(err)
	}
	s.reliability.ScoredFrames++

	out := FrameOutcome{Stage: StageScored, Sample: &sample}
	if event, fired := s.detector.Observe(sample); fired {
		s.events = append(s.events, event)
		out.Event = &event
	}
	return out, nil
}

// Fail stops the session with err unless it already failed, and returns the
// failure in effect. Intake uses it for ordering violations caught before a
// frame reaches Process.
func (s *Session) Fail(err error) error {
	if s.failure == nil {
		s.failure = err
	}
	return s.failure
}

// screenFaces drops faces under the confidence cutoff and keeps at most
// max_faces of the rest, in the order given.
func screenFaces(faces []models.FaceEmotionSample, cfg config.Classifier) []models.FaceEmotionSample {
	kept := make([]models.FaceEmotionSample, 0, len(faces))
	for _, f := range faces {
		if !(f.Confidence >= cfg.ConfidenceCutoff) {
			continue
		}
		if cfg.MaxFaces > 0 && len(kept) == cfg.MaxFaces {
			break
		}
		kept = append(kept, f)
	}
	return kept
}

func (s *Session) recordGap(kind models.GapKind) FrameOutcome {
	if kind == models.GapNone {
		kind = models.GapNoFaces
	}
	s.reliability.DataGaps++

	var issue *apperrors.Error
	switch kind {
	case models.GapUpstreamTimeout:
		s.reliability.UpstreamTimeouts++
		issue = apperrors.New(apperrors.KindUpstreamTimeout, "classifier exceeded its time budget")
	case models.GapUpstreamError:
		s.reliability.UpstreamErrors++
		issue = apperrors.New(apperrors.KindUpstream, "classifier failed")
	default:
		issue = apperrors.New(apperrors.KindDataGap, "no usable faces")
	}
	issue = issue.WithContext("gap", string(kind))
	return FrameOutcome{Stage: StageGap, Gap: kind, Issues: []error{issue}}
}

// RecordDropped counts frames lost to a full intake queue.
func (s *Session) RecordDropped(n int) {
	s.reliability.FramesDropped += n
}

// RecordSkipped counts frames turned away by the analysis rate cap.
func (s *Session) RecordSkipped(n int) {
	s.reliability.FramesSkipped += n
}

func (s *Session) Reliability() models.ReliabilityStats {
	return s.reliability
}

func (s *Session) CalibrationState() CalibrationState {
	return s.calibrator.State()
}

func (s *Session) Baseline() models.Baseline {
	return s.calibrator.Snapshot()
}

func (s *Session) TimelineLen() int {
	return s.timeline.Len()
}

// Timeline returns a copy of the scored samples so far.
func (s *Session) Timeline() []models.ShockScoreSample {
	return s.timeline.Samples()
}

// Report builds a report from whatever the session holds right now. It is
// valid at any point, including after a failure.
func (s *Session) Report() models.Report {
	return BuildReport(ReportInput{
		SessionID:       s.id,
		Metadata:        s.metadata,
		Timeline:        s.timeline.Samples(),
		ScareEvents:     s.events,
		Baseline:        s.calibrator.Snapshot(),
		Reliability:     s.reliability,
		FacesAggregated: s.faces,
	}, s.cfg.Report)
}
