package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shockscore/internal/apperrors"
	"shockscore/internal/models"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2.0, cfg.Weights.Fear)
	assert.Equal(t, 1.5, cfg.Weights.Surprise)
	assert.Equal(t, 30.0, cfg.Detector.SpikeThreshold)
	assert.Equal(t, 5.0, cfg.Detector.Hysteresis)
	assert.Equal(t, 50.0, cfg.Report.ConsistencyDivisor)
	assert.Equal(t, 3, cfg.Report.PeakMoments)
}

func TestParseAnalysis_OverridesDefaults(t *testing.T) {
	data := []byte(`
calibration:
  window: 10s
  max_samples: 40
weights:
  fear: 3
detector:
  window_duration: 2s
report:
  peak_moments: 5
`)
	cfg, err := ParseAnalysis(data)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Calibration.Window)
	assert.Equal(t, 40, cfg.Calibration.MaxSamples)
	assert.Equal(t, 3.0, cfg.Weights.Fear)
	assert.Equal(t, 1.5, cfg.Weights.Surprise, "unset fields keep defaults")
	assert.Equal(t, 2*time.Second, cfg.Detector.WindowDuration)
	assert.Equal(t, 5, cfg.Report.PeakMoments)
}

func TestParseAnalysis_AcceptsJSON(t *testing.T) {
	cfg, err := ParseAnalysis([]byte(`{"detector": {"spike_threshold": 25, "hysteresis": 4}}`))
	require.NoError(t, err)
	assert.Equal(t, 25.0, cfg.Detector.SpikeThreshold)
	assert.Equal(t, 4.0, cfg.Detector.Hysteresis)
}

func TestOverlay_KeepsBase(t *testing.T) {
	base := Default()
	base.Sampling.QueueSize = 8
	base.Calibration.DefaultBaseline = map[string]float64{"neutral": 80, "happy": 20}

	cfg, err := Overlay(base, []byte(`{"calibration": {"default_baseline": {"fear": 5}}}`))
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Sampling.QueueSize)
	assert.Equal(t, 5.0, cfg.Calibration.DefaultBaseline["fear"])
	assert.NotContains(t, base.Calibration.DefaultBaseline, "fear", "base must not be modified")
}

func TestParseAnalysis_Empty(t *testing.T) {
	cfg, err := ParseAnalysis(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseAnalysis_UnknownField(t *testing.T) {
	_, err := ParseAnalysis([]byte("weights:\n  happy: 0.3\n"))
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindConfiguration))
}

func TestValidate_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Analysis)
	}{
		{"negative window", func(a *Analysis) { a.Calibration.Window = -time.Second }},
		{"no calibration bound", func(a *Analysis) { a.Calibration.Window = 0; a.Calibration.MaxSamples = 0 }},
		{"negative samples", func(a *Analysis) { a.Calibration.MaxSamples = -1 }},
		{"unknown default emotion", func(a *Analysis) { a.Calibration.DefaultBaseline = map[string]float64{"joy": 1} }},
		{"zero default baseline", func(a *Analysis) { a.Calibration.DefaultBaseline = map[string]float64{"fear": 0} }},
		{"zero divisor", func(a *Analysis) { a.Report.ConsistencyDivisor = 0 }},
		{"zero spike threshold", func(a *Analysis) { a.Detector.SpikeThreshold = 0 }},
		{"hysteresis above threshold", func(a *Analysis) { a.Detector.Hysteresis = 30 }},
		{"zero window size", func(a *Analysis) { a.Detector.WindowSize = 0 }},
		{"negative window duration", func(a *Analysis) { a.Detector.WindowDuration = -time.Second }},
		{"negative peak moments", func(a *Analysis) { a.Report.PeakMoments = -1 }},
		{"missed threshold out of range", func(a *Analysis) { a.Report.MissedThreshold = 101 }},
		{"negative missed duration", func(a *Analysis) { a.Report.MissedMinDuration = -time.Second }},
		{"cutoff above one", func(a *Analysis) { a.Classifier.ConfidenceCutoff = 1.2 }},
		{"zero timeout", func(a *Analysis) { a.Classifier.Timeout = 0 }},
		{"negative fps", func(a *Analysis) { a.Sampling.MaxFPS = -1 }},
		{"zero queue", func(a *Analysis) { a.Sampling.QueueSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, apperrors.IsKind(err, apperrors.KindConfiguration))
		})
	}
}

func TestDefaultBaselineVector(t *testing.T) {
	uniform := Calibration{}.DefaultBaselineVector()
	assert.InDelta(t, 100.0, uniform.Sum(), 1e-9)
	assert.InDelta(t, 100.0/7, uniform[models.Fear], 1e-9)

	custom := Calibration{DefaultBaseline: map[string]float64{"neutral": 3, "fear": 1}}.DefaultBaselineVector()
	assert.InDelta(t, 75.0, custom[models.Neutral], 1e-9)
	assert.InDelta(t, 25.0, custom[models.Fear], 1e-9)
	assert.Zero(t, custom[models.Surprise])
}

func TestLoadAnalysis_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "analysis.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sampling:\n  max_fps: 5\n"), 0o600))

	cfg, err := LoadAnalysis(path)
	require.NoError(t, err)
	assert.Equal(t, 5.0, cfg.Sampling.MaxFPS)

	_, err = LoadAnalysis(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadService(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("REPORT_TTL", "2h")

	cfg, err := LoadService()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 2*time.Hour, cfg.ReportTTL)
	assert.Equal(t, "info", cfg.LogLevel)
}
