package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type Emotion int

const (
	Angry Emotion = iota
	Disgust
	Fear
	Happy
	Sad
	Surprise
	Neutral

	NumEmotions = int(Neutral) + 1
)

var emotionNames = [NumEmotions]string{"angry", "disgust", "fear", "happy", "sad", "surprise", "neutral"}

func (e Emotion) String() string {
	if e < 0 || int(e) >= NumEmotions {
		return fmt.Sprintf("emotion(%d)", int(e))
	}
	return emotionNames[e]
}

func (e Emotion) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *Emotion) UnmarshalText(text []byte) error {
	parsed, err := ParseEmotion(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

func ParseEmotion(name string) (Emotion, error) {
	for i, n := range emotionNames {
		if n == name {
			return Emotion(i), nil
		}
	}
	return 0, fmt.Errorf("unknown emotion %q", name)
}

// EmotionVector holds one value per emotion category, in category order.
// It serializes as a JSON object keyed by category name.
type EmotionVector [NumEmotions]float64

func (v EmotionVector) Get(e Emotion) float64 { return v[e] }

func (v EmotionVector) Sum() float64 {
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum
}

// Dominant returns the category with the highest value; ties go to the
// category that comes first.
func (v EmotionVector) Dominant() Emotion {
	best := Emotion(0)
	for i := 1; i < NumEmotions; i++ {
		if v[i] > v[best] {
			best = Emotion(i)
		}
	}
	return best
}

func (v EmotionVector) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, x := range v {
		if i > 0 {
			buf.WriteByte(',')
		}
		val, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&buf, "%q:%s", emotionNames[i], val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (v *EmotionVector) UnmarshalJSON(data []byte) error {
	var raw map[string]float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("emotion vector: %w", err)
	}
	var out EmotionVector
	for name, val := range raw {
		e, err := ParseEmotion(name)
		if err != nil {
			return fmt.Errorf("emotion vector: %w", err)
		}
		out[e] = val
	}
	*v = out
	return nil
}

// FaceEmotionSample is the per-face classifier output for one frame. It never
// leaves the anonymizer.
type FaceEmotionSample struct {
	Emotions   EmotionVector `json:"emotions"`
	Confidence float64       `json:"confidence"`
}

type GapKind string

const (
	GapNone            GapKind = ""
	GapNoFaces         GapKind = "no_faces"
	GapLowConfidence   GapKind = "low_confidence"
	GapUpstreamTimeout GapKind = "upstream_timeout"
	GapUpstreamError   GapKind = "upstream_error"
)

// FrameObservation is what the detection stage hands to a session for one
// sampled frame: either faces, or an explicit gap.
type FrameObservation struct {
	Timestamp float64             `json:"timestamp"`
	Faces     []FaceEmotionSample `json:"faces"`
	Gap       GapKind             `json:"gap,omitempty"`
}

type AggregatedFrame struct {
	Timestamp    float64       `json:"timestamp"`
	AudienceSize int           `json:"audience_size"`
	Emotions     EmotionVector `json:"emotions"`
}

type BaselineQuality string

const (
	BaselinePending  BaselineQuality = "pending"
	BaselineNominal  BaselineQuality = "nominal"
	BaselineDegraded BaselineQuality = "degraded"
)

type Baseline struct {
	Emotions EmotionVector   `json:"emotions"`
	Samples  int             `json:"samples"`
	Quality  BaselineQuality `json:"quality"`
	FrozenAt float64         `json:"frozen_at"`
}

type ShockScoreSample struct {
	Timestamp       float64 `json:"timestamp"`
	Score           float64 `json:"score"`
	AudienceSize    int     `json:"audience_size"`
	DominantEmotion Emotion `json:"dominant_emotion"`
	FearDelta       float64 `json:"fear_delta"`
	SurpriseDelta   float64 `json:"surprise_delta"`
}

type ScareEvent struct {
	Timestamp float64 `json:"timestamp"`
	Intensity float64 `json:"intensity"`
}

type SessionMetadata struct {
	FilmID        string `json:"film_id,omitempty"`
	Venue         string `json:"venue,omitempty"`
	ScreeningTime string `json:"screening_time,omitempty"`
}

type PeakMoment struct {
	Timestamp       float64 `json:"timestamp"`
	Clock           string  `json:"clock"`
	Score           float64 `json:"score"`
	DominantEmotion Emotion `json:"dominant_emotion"`
	AudienceSize    int     `json:"audience_size"`
}

type MissedOpportunity struct {
	Start        float64 `json:"start"`
	End          float64 `json:"end"`
	Duration     float64 `json:"duration"`
	Clock        string  `json:"clock"`
	AverageScore float64 `json:"average_score"`
}

type AudienceStats struct {
	Min             int     `json:"min"`
	Max             int     `json:"max"`
	Mean            float64 `json:"mean"`
	FacesAggregated int     `json:"faces_aggregated"`
}

type TensionAnalysis struct {
	SustainedPeriods int     `json:"sustained_periods"`
	AverageDuration  float64 `json:"average_duration"`
	LongestDuration  float64 `json:"longest_duration"`
}

// ReliabilityStats counts how every frame handed to a session was handled.
type ReliabilityStats struct {
	FramesReceived    int `json:"frames_received"`
	CalibrationFrames int `json:"calibration_frames"`
	ScoredFrames      int `json:"scored_frames"`
	DataGaps          int `json:"data_gaps"`
	UpstreamTimeouts  int `json:"upstream_timeouts"`
	UpstreamErrors    int `json:"upstream_errors"`

	// FramesSkipped were over the analysis rate; FramesDropped met a full queue.
	FramesSkipped int `json:"frames_skipped"`
	FramesDropped int `json:"frames_dropped"`
}

type PrivacySummary struct {
	Method          string `json:"anonymization_method"`
	FacesAggregated int    `json:"faces_aggregated"`
	FramesStored    int    `json:"video_frames_stored"`
	ContainsPII     bool   `json:"contains_pii"`
}

type Report struct {
	SessionID           string              `json:"session_id"`
	Metadata            SessionMetadata     `json:"metadata"`
	EPM                 float64             `json:"epm"`
	AverageShock        float64             `json:"average_shock"`
	PeakShock           float64             `json:"peak_shock"`
	ConsistencyFactor   float64             `json:"consistency_factor"`
	ScareEventCount     int                 `json:"scare_event_count"`
	ScareEvents         []ScareEvent        `json:"scare_events"`
	Timeline            []ShockScoreSample  `json:"timeline"`
	PeakMoments         []PeakMoment        `json:"peak_moments"`
	MissedOpportunities []MissedOpportunity `json:"missed_opportunities"`
	Audience            AudienceStats       `json:"audience"`
	BaselineQuality     BaselineQuality     `json:"baseline_quality"`
	Baseline            Baseline            `json:"baseline"`
	RuntimeSeconds      float64             `json:"runtime_seconds"`
	Tension             TensionAnalysis     `json:"tension"`
	Reliability         ReliabilityStats    `json:"reliability"`
	Privacy             PrivacySummary      `json:"privacy"`
}
