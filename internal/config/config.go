package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
	"gopkg.in/yaml.v3"

	"shockscore/internal/apperrors"
	"shockscore/internal/models"
)

// Service holds process-level settings read from the environment.
type Service struct {
	Port           string        `env:"PORT" default:"8080"`
	RedisAddr      string        `env:"REDIS_ADDR"`
	LogLevel       string        `env:"LOG_LEVEL" default:"info"`
	LogFormat      string        `env:"LOG_FORMAT" default:"text"`
	AnalysisConfig string        `env:"ANALYSIS_CONFIG"`
	ClassifierURL  string        `env:"CLASSIFIER_URL"`
	ReportTTL      time.Duration `env:"REPORT_TTL" default:"24h"`
}

func LoadService() (*Service, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Service
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	if cfg.ReportTTL < 0 {
		return nil, apperrors.Configuration("REPORT_TTL must not be negative")
	}
	return &cfg, nil
}

type Calibration struct {
	// Window is measured in session media time. Zero disables the time bound.
	Window time.Duration `yaml:"window"`
	// MaxSamples freezes the baseline once this many valid frames were seen.
	// Zero disables the sample bound.
	MaxSamples int `yaml:"max_samples"`
	// DefaultBaseline is used when the window ends without samples. Empty
	// means equal weight per category.
	DefaultBaseline map[string]float64 `yaml:"default_baseline"`
}

type Weights struct {
	Fear     float64 `yaml:"fear"`
	Surprise float64 `yaml:"surprise"`
}

type Detector struct {
	SpikeThreshold float64       `yaml:"spike_threshold"`
	Hysteresis     float64       `yaml:"hysteresis"`
	WindowSize     int           `yaml:"window_size"`
	WindowDuration time.Duration `yaml:"window_duration"`
}

type Report struct {
	ConsistencyDivisor float64       `yaml:"consistency_divisor"`
	PeakMoments        int           `yaml:"peak_moments"`
	MissedThreshold    float64       `yaml:"missed_opportunity_threshold"`
	MissedMinDuration  time.Duration `yaml:"missed_opportunity_min_duration"`
	TensionThreshold   float64       `yaml:"tension_threshold"`
	TensionMinDuration time.Duration `yaml:"tension_min_duration"`
}

type Classifier struct {
	ConfidenceCutoff float64       `yaml:"confidence_cutoff"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxFaces         int           `yaml:"max_faces"`
}

type Sampling struct {
	// MaxFPS caps how many frames per second of media time are analyzed.
	// Zero analyzes every frame.
	MaxFPS    float64 `yaml:"max_fps"`
	QueueSize int     `yaml:"queue_size"`
}

// Analysis is the per-session tuning surface.
type Analysis struct {
	Calibration Calibration `yaml:"calibration"`
	Weights     Weights     `yaml:"weights"`
	Detector    Detector    `yaml:"detector"`
	Report      Report      `yaml:"report"`
	Classifier  Classifier  `yaml:"classifier"`
	Sampling    Sampling    `yaml:"sampling"`
}

func Default() Analysis {
	return Analysis{
		Calibration: Calibration{
			Window: 30 * time.Second,
		},
		Weights: Weights{
			Fear:     2.0,
			Surprise: 1.5,
		},
		Detector: Detector{
			SpikeThreshold: 30,
			Hysteresis:     5,
			WindowSize:     5,
			WindowDuration: 5 * time.Second,
		},
		Report: Report{
			ConsistencyDivisor: 50,
			PeakMoments:        3,
			MissedThreshold:    10,
			MissedMinDuration:  10 * time.Second,
			TensionThreshold:   20,
			TensionMinDuration: 30 * time.Second,
		},
		Classifier: Classifier{
			ConfidenceCutoff: 0.7,
			Timeout:          500 * time.Millisecond,
			MaxFaces:         50,
		},
		Sampling: Sampling{
			MaxFPS:    15,
			QueueSize: 256,
		},
	}
}

// LoadAnalysis reads YAML from path over the defaults. An empty path
// returns the defaults.
func LoadAnalysis(path string) (Analysis, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Analysis{}, fmt.Errorf("failed to read analysis config: %w", err)
	}
	return ParseAnalysis(data)
}

// ParseAnalysis decodes YAML over the defaults and validates the result.
func ParseAnalysis(data []byte) (Analysis, error) {
	return Overlay(Default(), data)
}

// Overlay decodes YAML (or JSON) over base and validates the result.
// Fields absent from data keep their base values.
func Overlay(base Analysis, data []byte) (Analysis, error) {
	cfg := base
	if base.Calibration.DefaultBaseline != nil {
		cfg.Calibration.DefaultBaseline = make(map[string]float64, len(base.Calibration.DefaultBaseline))
		for k, v := range base.Calibration.DefaultBaseline {
			cfg.Calibration.DefaultBaseline[k] = v
		}
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Analysis{}, apperrors.Wrap(apperrors.KindConfiguration, "failed to decode analysis config", err)
	}
	if err := cfg.Validate(); err != nil {
		return Analysis{}, err
	}
	return cfg, nil
}

// Validate rejects configurations no session can start with.
func (a Analysis) Validate() error {
	c := a.Calibration
	if c.Window < 0 {
		return apperrors.Configuration("calibration.window must not be negative")
	}
	if c.MaxSamples < 0 {
		return apperrors.Configuration("calibration.max_samples must not be negative")
	}
	if c.Window == 0 && c.MaxSamples == 0 {
		return apperrors.Configuration("calibration needs a window or max_samples")
	}
	if len(c.DefaultBaseline) > 0 {
		var sum float64
		for name, v := range c.DefaultBaseline {
			if _, err := models.ParseEmotion(name); err != nil {
				return apperrors.Configuration("calibration.default_baseline: %v", err)
			}
			if !finite(v) || v < 0 {
				return apperrors.Configuration("calibration.default_baseline.%s must be a non-negative number", name)
			}
			sum += v
		}
		if sum == 0 {
			return apperrors.Configuration("calibration.default_baseline must not be all zero")
		}
	}

	if !finite(a.Weights.Fear) || !finite(a.Weights.Surprise) {
		return apperrors.Configuration("weights must be finite")
	}

	d := a.Detector
	if !finite(d.SpikeThreshold) || d.SpikeThreshold <= 0 {
		return apperrors.Configuration("detector.spike_threshold must be positive")
	}
	if !finite(d.Hysteresis) || d.Hysteresis < 0 || d.Hysteresis >= d.SpikeThreshold {
		return apperrors.Configuration("detector.hysteresis must be in [0, spike_threshold)")
	}
	if d.WindowSize < 1 {
		return apperrors.Configuration("detector.window_size must be at least 1")
	}
	if d.WindowDuration < 0 {
		return apperrors.Configuration("detector.window_duration must not be negative")
	}

	r := a.Report
	if !finite(r.ConsistencyDivisor) || r.ConsistencyDivisor <= 0 {
		return apperrors.Configuration("report.consistency_divisor must be positive")
	}
	if r.PeakMoments < 0 {
		return apperrors.Configuration("report.peak_moments must not be negative")
	}
	if !inScoreRange(r.MissedThreshold) {
		return apperrors.Configuration("report.missed_opportunity_threshold must be in [0, 100]")
	}
	if r.MissedMinDuration < 0 {
		return apperrors.Configuration("report.missed_opportunity_min_duration must not be negative")
	}
	if !inScoreRange(r.TensionThreshold) {
		return apperrors.Configuration("report.tension_threshold must be in [0, 100]")
	}
	if r.TensionMinDuration < 0 {
		return apperrors.Configuration("report.tension_min_duration must not be negative")
	}

	cl := a.Classifier
	if !finite(cl.ConfidenceCutoff) || cl.ConfidenceCutoff < 0 || cl.ConfidenceCutoff > 1 {
		return apperrors.Configuration("classifier.confidence_cutoff must be in [0, 1]")
	}
	if cl.Timeout <= 0 {
		return apperrors.Configuration("classifier.timeout must be positive")
	}
	if cl.MaxFaces < 0 {
		return apperrors.Configuration("classifier.max_faces must not be negative")
	}

	if !finite(a.Sampling.MaxFPS) || a.Sampling.MaxFPS < 0 {
		return apperrors.Configuration("sampling.max_fps must not be negative")
	}
	if a.Sampling.QueueSize < 1 {
		return apperrors.Configuration("sampling.queue_size must be at least 1")
	}
	return nil
}

// DefaultBaselineVector returns the fallback baseline on the 0-100 scale.
func (c Calibration) DefaultBaselineVector() models.EmotionVector {
	var v models.EmotionVector
	if len(c.DefaultBaseline) == 0 {
		for i := range v {
			v[i] = 100 / float64(models.NumEmotions)
		}
		return v
	}
	for name, x := range c.DefaultBaseline {
		e, err := models.ParseEmotion(name)
		if err != nil {
			continue
		}
		v[e] = x
	}
	if sum := v.Sum(); sum > 0 {
		for i := range v {
			v[i] = v[i] / sum * 100
		}
	}
	return v
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

func inScoreRange(x float64) bool {
	return finite(x) && x >= 0 && x <= 100
}
