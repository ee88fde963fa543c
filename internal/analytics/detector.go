package analytics

import (
	"shockscore/internal/config"
	"shockscore/internal/models"
)

// ScareDetector fires on sharp rises of the shock score over its trailing
// average. After firing it stays disarmed until the score falls back below
// the re-arm level, so a sustained spike yields a single event.
type ScareDetector struct {
	windowSize     int
	windowDuration float64
	spikeThreshold float64
	hysteresis     float64
	window         []models.ShockScoreSample
	armed          bool
}

func NewScareDetector(cfg config.Detector) *ScareDetector {
	return &ScareDetector{
		windowSize:     cfg.WindowSize,
		windowDuration: cfg.WindowDuration.Seconds(),
		spikeThreshold: cfg.SpikeThreshold,
		hysteresis:     cfg.Hysteresis,
		window:         make([]models.ShockScoreSample, 0, cfg.WindowSize+1),
		armed:          true,
	}
}

// Observe evaluates sample against the samples seen before it and then adds
// it to the window. Nothing is evaluated until the window holds at least
// windowSize prior samples.
func (d *ScareDetector) Observe(sample models.ShockScoreSample) (models.ScareEvent, bool) {
	d.evict(sample.Timestamp)

	var event models.ScareEvent
	fired := false

	if len(d.window) >= d.windowSize {
		recentAvg := d.recentAverage()
		switch {
		case d.armed && sample.Score-recentAvg > d.spikeThreshold:
			event = models.ScareEvent{Timestamp: sample.Timestamp, Intensity: sample.Score}
			fired = true
			d.armed = false
		case !d.armed && sample.Score < recentAvg+(d.spikeThreshold-d.hysteresis):
			d.armed = true
		}
	}

	d.window = append(d.window, sample)
	if d.windowDuration == 0 && len(d.window) > d.windowSize {
		d.window = d.window[1:]
	}
	return event, fired
}

// Armed reports whether the next qualifying spike would fire.
func (d *ScareDetector) Armed() bool {
	return d.armed
}

// evict drops samples older than the trailing duration.
func (d *ScareDetector) evict(now float64) {
	if d.windowDuration == 0 {
		return
	}
	cut := 0
	for cut < len(d.window) && now-d.window[cut].Timestamp > d.windowDuration {
		cut++
	}
	if cut > 0 {
		d.window = append(d.window[:0], d.window[cut:]...)
	}
}

func (d *ScareDetector) recentAverage() float64 {
	var sum float64
	for _, s := range d.window {
		sum += s.Score
	}
	return sum / float64(len(d.window))
}
