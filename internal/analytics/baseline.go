package analytics

import (
	"shockscore/internal/config"
	"shockscore/internal/models"
)

type CalibrationState int

const (
	Calibrating CalibrationState = iota
	Frozen
)

func (s CalibrationState) String() string {
	if s == Frozen {
		return "frozen"
	}
	return "calibrating"
}

// Calibrator learns the session's neutral emotion distribution from the
// first valid frames and then freezes it. Once frozen, nothing changes.
//
// The window is elapsed session time from the first observation, gap frames
// included, so a screening that opens on an empty or unreadable room still
// reaches the end of its window. Zero-audience frames move that clock but
// contribute no samples.
type Calibrator struct {
	window     float64
	maxSamples int
	fallback   models.EmotionVector
	origin     float64
	originSet  bool
	sum        models.EmotionVector
	count      int
	state      CalibrationState
	baseline   models.Baseline
}

func NewCalibrator(cfg config.Calibration) *Calibrator {
	return &Calibrator{
		window:     cfg.Window.Seconds(),
		maxSamples: cfg.MaxSamples,
		fallback:   cfg.DefaultBaselineVector(),
		state:      Calibrating,
	}
}

func (c *Calibrator) State() CalibrationState {
	return c.state
}

// Advance moves the calibration clock to ts. The first call fixes the
// session origin. If the time window has elapsed the baseline freezes, even
// when no valid frame arrived in the meantime.
func (c *Calibrator) Advance(ts float64) {
	if c.state == Frozen {
		return
	}
	if !c.originSet {
		c.origin = ts
		c.originSet = true
	}
	if c.window > 0 && ts-c.origin >= c.window {
		c.freeze(ts)
	}
}

// Ingest offers a frame to calibration and reports whether the frame was
// consumed by it. Zero-audience frames are ignored. A frame that arrives
// after the window has elapsed freezes the baseline and is not consumed.
func (c *Calibrator) Ingest(frame models.AggregatedFrame) bool {
	if c.state == Frozen || frame.AudienceSize == 0 {
		return false
	}
	c.Advance(frame.Timestamp)
	if c.state == Frozen {
		return false
	}

	for i, v := range frame.Emotions {
		c.sum[i] += v
	}
	c.count++

	if c.maxSamples > 0 && c.count >= c.maxSamples {
		c.freeze(frame.Timestamp)
	}
	return true
}

// Baseline returns the frozen baseline. ok is false while calibrating.
func (c *Calibrator) Baseline() (models.Baseline, bool) {
	if c.state != Frozen {
		return models.Baseline{}, false
	}
	return c.baseline, true
}

// Snapshot describes the calibrator for reporting: the frozen baseline, or
// the running mean with pending quality.
func (c *Calibrator) Snapshot() models.Baseline {
	if c.state == Frozen {
		return c.baseline
	}
	return models.Baseline{
		Emotions: c.mean(),
		Samples:  c.count,
		Quality:  models.BaselinePending,
	}
}

func (c *Calibrator) freeze(ts float64) {
	b := models.Baseline{
		Samples:  c.count,
		FrozenAt: ts,
		Quality:  models.BaselineNominal,
	}
	if c.count == 0 {
		b.Emotions = c.fallback
		b.Quality = models.BaselineDegraded
	} else {
		b.Emotions = c.mean()
	}
	c.baseline = b
	c.state = Frozen
}

func (c *Calibrator) mean() models.EmotionVector {
	var m models.EmotionVector
	if c.count == 0 {
		return m
	}
	for i, s := range c.sum {
		m[i] = s / float64(c.count)
	}
	return m
}
