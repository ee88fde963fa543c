// Package screening runs concurrent, isolated analysis sessions. Each session
// owns a bounded intake queue drained by a single worker, so frames of one
// session are applied in submission order while sessions proceed in parallel.
package screening

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"shockscore/internal/analytics"
	"shockscore/internal/apperrors"
	"shockscore/internal/config"
	"shockscore/internal/ingest"
	"shockscore/internal/logging"
	"shockscore/internal/metrics"
	"shockscore/internal/models"
)

// Store persists final reports and the live timeline.
type Store interface {
	SaveReport(ctx context.Context, report models.Report) error
	LoadReport(ctx context.Context, sessionID string) (models.Report, error)
	AppendSample(ctx context.Context, sessionID string, sample models.ShockScoreSample) error
	RecentSamples(ctx context.Context, sessionID string, count int64) ([]models.ShockScoreSample, error)
}

// FrameAnalyzer turns a raw image into an observation. Implemented by
// classifier.Stage.
type FrameAnalyzer interface {
	Run(ctx context.Context, ts float64, image []byte) models.FrameObservation
}

// StageFactory builds the frame analyzer of one session from that session's
// classifier settings.
type StageFactory func(cfg config.Classifier) FrameAnalyzer

type State string

const (
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateFailed  State = "failed"
)

// Submission says what happened to a submitted frame.
type Submission string

const (
	Queued  Submission = "queued"
	Skipped Submission = "skipped"
)

// Info is a point-in-time view of a session.
type Info struct {
	ID             string                  `json:"session_id"`
	State          State                   `json:"state"`
	Metadata       models.SessionMetadata  `json:"metadata"`
	Calibration    string                  `json:"calibration"`
	Baseline       models.Baseline         `json:"baseline"`
	Reliability    models.ReliabilityStats `json:"reliability"`
	TimelineLength int                     `json:"timeline_length"`
	QueueDepth     int                     `json:"queue_depth"`
	StartedAt      time.Time               `json:"started_at"`
	StoppedAt      *time.Time              `json:"stopped_at,omitempty"`
	Error          string                  `json:"error,omitempty"`
}

type job struct {
	obs   models.FrameObservation
	image []byte
	// fail carries an ordering violation caught at intake, applied after
	// the frames queued before it.
	fail error
}

type handle struct {
	id       string
	metadata models.SessionMetadata
	logger   *slog.Logger
	stage    FrameAnalyzer

	// intake guards closed and rejected and serializes sampler and queue
	// access.
	intake   sync.Mutex
	closed   bool
	rejected error
	sampler  *ingest.Sampler
	queue    *ingest.Queue[job]
	done     chan struct{}

	// mu guards session and the fields below it.
	mu        sync.Mutex
	session   *analytics.Session
	startedAt time.Time
	stoppedAt time.Time
	final     *models.Report
}

type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*handle

	defaults config.Analysis
	newStage StageFactory
	store    Store
	clock    clockwork.Clock
	logger   *slog.Logger

	// loads collapses concurrent store reads of the same report.
	loads singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager builds a manager. newStage and store may be nil: without a
// stage raw images are rejected, without a store nothing is persisted.
func NewManager(defaults config.Analysis, newStage StageFactory, store Store, clock clockwork.Clock) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		sessions: make(map[string]*handle),
		defaults: defaults,
		newStage: newStage,
		store:    store,
		clock:    clock,
		logger:   logging.Logger.With("component", "screening"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Defaults returns the analysis configuration new sessions start with.
func (m *Manager) Defaults() config.Analysis {
	return m.defaults
}

// Start opens a session. A nil cfg uses the manager defaults; an invalid
// configuration is rejected before the session exists.
func (m *Manager) Start(metadata models.SessionMetadata, cfg *config.Analysis) (Info, error) {
	analysis := m.defaults
	if cfg != nil {
		analysis = *cfg
	}

	id := uuid.NewString()
	session, err := analytics.NewSession(id, metadata, analysis)
	if err != nil {
		return Info{}, err
	}

	h := &handle{
		id:        id,
		metadata:  metadata,
		logger:    logging.WithSession(id),
		sampler:   ingest.NewSampler(analysis.Sampling.MaxFPS),
		queue:     ingest.NewQueue[job](analysis.Sampling.QueueSize),
		done:      make(chan struct{}),
		session:   session,
		startedAt: m.clock.Now(),
	}

	if m.newStage != nil {
		h.stage = m.newStage(analysis.Classifier)
	}

	m.mu.Lock()
	m.sessions[id] = h
	m.mu.Unlock()

	metrics.ActiveSessions.Inc()
	go m.run(h)

	h.logger.Info("session started", "film_id", metadata.FilmID, "venue", metadata.Venue)
	return m.info(h), nil
}

func (m *Manager) lookup(id string) (*handle, error) {
	m.mu.RLock()
	h, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, apperrors.NotFound("session %s not found", id)
	}
	return h, nil
}

// Submit enqueues an already-classified observation without blocking.
func (m *Manager) Submit(id string, obs models.FrameObservation) (Submission, error) {
	return m.enqueue(id, obs.Timestamp, job{obs: obs})
}

// SubmitImage enqueues a raw frame; the worker runs it through the
// classifier stage before analysis.
func (m *Manager) SubmitImage(id string, ts float64, image []byte) (Submission, error) {
	if m.newStage == nil {
		return "", apperrors.Unavailable("no classifier configured")
	}
	if len(image) == 0 {
		return "", apperrors.Validation("empty image")
	}
	return m.enqueue(id, ts, job{obs: models.FrameObservation{Timestamp: ts}, image: image})
}

func (m *Manager) enqueue(id string, ts float64, j job) (Submission, error) {
	h, err := m.lookup(id)
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	failure := h.session.Err()
	h.mu.Unlock()
	if failure != nil {
		return "", failure
	}

	h.intake.Lock()
	defer h.intake.Unlock()
	if h.rejected != nil {
		return "", h.rejected
	}
	if h.closed {
		return "", apperrors.Unavailable("session %s is stopped", id)
	}

	admit, err := h.sampler.Admit(ts)
	if err != nil {
		return "", m.reject(h, err)
	}
	if !admit {
		h.mu.Lock()
		h.session.RecordSkipped(1)
		h.mu.Unlock()
		metrics.FramesTotal.WithLabelValues("skipped").Inc()
		return Skipped, nil
	}

	if !h.queue.Offer(j) {
		h.mu.Lock()
		h.session.RecordDropped(1)
		h.mu.Unlock()
		metrics.FramesTotal.WithLabelValues("dropped").Inc()
		h.logger.Warn("frame dropped, queue full", "timestamp", ts, "queue_size", h.queue.Cap())
		return "", apperrors.Unavailable("queue full").WithContext("session_id", id)
	}
	return Queued, nil
}

// reject refuses all further intake after an ordering violation. The
// failure is queued behind the frames already accepted; when the queue has
// no room the session fails at once. Callers hold h.intake.
func (m *Manager) reject(h *handle, err error) error {
	var ae *apperrors.Error
	if errors.As(err, &ae) {
		ae.WithContext("session_id", h.id)
	}
	h.rejected = err
	if !h.queue.Offer(job{fail: err}) {
		m.fail(h, err)
	}
	return err
}

// fail applies err to the session and logs the first failure.
func (m *Manager) fail(h *handle, err error) {
	h.mu.Lock()
	failedBefore := h.session.Err() != nil
	err = h.session.Fail(err)
	h.mu.Unlock()
	if !failedBefore {
		metrics.SessionFailuresTotal.Inc()
		h.logger.Error("session stopped processing", "error", err)
	}
}

// run is the session worker. It exits once the queue is closed and drained.
func (m *Manager) run(h *handle) {
	defer close(h.done)

	for j := range h.queue.C() {
		if j.fail != nil {
			m.fail(h, j.fail)
			continue
		}

		obs := j.obs
		if j.image != nil {
			start := m.clock.Now()
			obs = h.stage.Run(m.ctx, obs.Timestamp, j.image)
			metrics.ClassifierDuration.Observe(m.clock.Since(start).Seconds())
		}

		h.mu.Lock()
		failedBefore := h.session.Err() != nil
		out, err := h.session.Process(obs)
		h.mu.Unlock()

		if err != nil {
			if !failedBefore {
				metrics.SessionFailuresTotal.Inc()
				h.logger.Error("session stopped processing", "error", err)
			}
			continue
		}
		m.record(h, out)
	}
}

func (m *Manager) record(h *handle, out analytics.FrameOutcome) {
	metrics.FramesTotal.WithLabelValues(string(out.Stage)).Inc()

	for _, issue := range out.Issues {
		if apperrors.IsKind(issue, apperrors.KindCalibrationFailure) {
			h.logger.Warn("calibration failed", "error", issue)
			continue
		}
		h.logger.Debug("frame recovered", "kind", apperrors.KindOf(issue), "error", issue)
	}

	switch out.Stage {
	case analytics.StageGap:
		metrics.DataGapsTotal.WithLabelValues(string(out.Gap)).Inc()
	case analytics.StageScored:
		metrics.ShockScore.WithLabelValues(h.id).Set(out.Sample.Score)
		if m.store != nil {
			if err := m.store.AppendSample(m.ctx, h.id, *out.Sample); err != nil {
				h.logger.Warn("failed to store sample", "error", err)
			}
		}
	}

	if out.Event != nil {
		metrics.ScareEventsTotal.Inc()
		h.logger.Info("scare event",
			"timestamp", out.Event.Timestamp,
			"intensity", out.Event.Intensity,
		)
	}
}

// Stop closes intake, waits for queued frames to drain and returns the final
// report. Stopping again returns the same report.
func (m *Manager) Stop(ctx context.Context, id string) (models.Report, error) {
	h, err := m.lookup(id)
	if err != nil {
		return models.Report{}, err
	}

	h.intake.Lock()
	if !h.closed {
		h.closed = true
		h.queue.Close()
		metrics.ActiveSessions.Dec()
	}
	h.intake.Unlock()

	select {
	case <-h.done:
	case <-ctx.Done():
		return models.Report{}, apperrors.Wrap(apperrors.KindUnavailable, "waiting for session to drain", ctx.Err())
	}

	h.mu.Lock()
	if h.final != nil {
		report := *h.final
		h.mu.Unlock()
		return report, nil
	}
	report := h.session.Report()
	h.stoppedAt = m.clock.Now()
	h.final = &report
	h.mu.Unlock()

	metrics.ShockScore.DeleteLabelValues(id)
	if err := audit(report); err != nil {
		return models.Report{}, err
	}

	if m.store != nil {
		if err := m.store.SaveReport(ctx, report); err != nil {
			h.logger.Error("failed to store report", "error", err)
		}
	}
	h.logger.Info("session stopped",
		"epm", report.EPM,
		"scare_events", report.ScareEventCount,
		"baseline_quality", report.BaselineQuality,
		"frames_received", report.Reliability.FramesReceived,
	)
	return report, nil
}

// Report returns the live report of an in-memory session, or the stored
// final report of one this process no longer holds.
func (m *Manager) Report(ctx context.Context, id string) (models.Report, error) {
	h, err := m.lookup(id)
	if err != nil {
		if m.store == nil {
			return models.Report{}, err
		}
		v, err, _ := m.loads.Do(id, func() (any, error) {
			return m.store.LoadReport(ctx, id)
		})
		if err != nil {
			return models.Report{}, err
		}
		return v.(models.Report), nil
	}

	h.mu.Lock()
	var report models.Report
	if h.final != nil {
		report = *h.final
	} else {
		report = h.session.Report()
	}
	h.mu.Unlock()

	if err := audit(report); err != nil {
		return models.Report{}, err
	}
	return report, nil
}

// Timeline returns the newest limit scored samples; limit <= 0 means all.
func (m *Manager) Timeline(ctx context.Context, id string, limit int) ([]models.ShockScoreSample, error) {
	h, err := m.lookup(id)
	if err != nil {
		if m.store == nil || limit <= 0 {
			return nil, err
		}
		return m.store.RecentSamples(ctx, id, int64(limit))
	}

	h.mu.Lock()
	samples := h.session.Timeline()
	h.mu.Unlock()

	if limit > 0 && len(samples) > limit {
		samples = samples[len(samples)-limit:]
	}
	return samples, nil
}

func (m *Manager) Status(id string) (Info, error) {
	h, err := m.lookup(id)
	if err != nil {
		return Info{}, err
	}
	return m.info(h), nil
}

// List returns every session this process holds, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	handles := make([]*handle, 0, len(m.sessions))
	for _, h := range m.sessions {
		handles = append(handles, h)
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(handles))
	for _, h := range handles {
		out = append(out, m.info(h))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Manager) info(h *handle) Info {
	h.intake.Lock()
	closed := h.closed
	rejected := h.rejected
	depth := h.queue.Len()
	h.intake.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	info := Info{
		ID:             h.id,
		State:          StateRunning,
		Metadata:       h.metadata,
		Calibration:    h.session.CalibrationState().String(),
		Baseline:       h.session.Baseline(),
		Reliability:    h.session.Reliability(),
		TimelineLength: h.session.TimelineLen(),
		QueueDepth:     depth,
		StartedAt:      h.startedAt,
	}
	if closed {
		info.State = StateStopped
	}
	if h.final != nil {
		stopped := h.stoppedAt
		info.StoppedAt = &stopped
	}
	if err := h.session.Err(); err != nil {
		info.State = StateFailed
		info.Error = err.Error()
	} else if rejected != nil {
		info.State = StateFailed
		info.Error = rejected.Error()
	}
	return info
}

// Shutdown stops every session, waiting for their queues to drain, then
// cancels in-flight classifier calls.
func (m *Manager) Shutdown(ctx context.Context) error {
	defer m.cancel()

	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	m.logger.Info("stopping sessions", "count", len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			_, err := m.Stop(gctx, id)
			return err
		})
	}
	return g.Wait()
}

// audit refuses to release a report that carries identifying fields.
func audit(report models.Report) error {
	violations, err := analytics.AuditPrivacy(report)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, "privacy audit", err)
	}
	if len(violations) > 0 {
		return apperrors.Invariant("report carries identifying fields: %v", violations).
			WithContext("session_id", report.SessionID)
	}
	return nil
}
