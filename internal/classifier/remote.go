package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"shockscore/internal/apperrors"
	"shockscore/internal/logging"
	"shockscore/internal/metrics"
	"shockscore/internal/models"
)

type detectResp struct {
	Faces []Region `json:"faces"`
}

type classifyReq struct {
	Image  []byte `json:"image"`
	Region Region `json:"region"`
}

type classifyResp struct {
	Emotions   models.EmotionVector `json:"emotions"`
	Confidence float64              `json:"confidence"`
}

// RemoteClient talks to an HTTP face analysis service exposing /detect and
// /classify. Calls go through a circuit breaker so a failing service is
// answered locally instead of stalling every session worker.
type RemoteClient struct {
	baseURL string
	c       *http.Client
	breaker *gobreaker.CircuitBreaker
}

var (
	_ Detector   = (*RemoteClient)(nil)
	_ Classifier = (*RemoteClient)(nil)
)

// NewRemoteClient trips the breaker once at least 5 requests in a 10s window
// fail at a rate of 60% or more, and lets a trial request through after 30s.
func NewRemoteClient(baseURL string) *RemoteClient {
	return NewRemoteClientWithSettings(baseURL, gobreaker.Settings{
		Interval: 10 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
	})
}

func NewRemoteClientWithSettings(baseURL string, st gobreaker.Settings) *RemoteClient {
	if st.Name == "" {
		st.Name = "classifier"
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		logging.Logger.Warn("circuit breaker state changed",
			"component", name,
			"from", from.String(),
			"to", to.String(),
		)
		metrics.RecordBreakerState(name, to)
	}
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        128,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
	}
	return &RemoteClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		c:       &http.Client{Transport: tr},
		breaker: gobreaker.NewCircuitBreaker(st),
	}
}

// State exposes the breaker state for health reporting.
func (r *RemoteClient) State() gobreaker.State {
	return r.breaker.State()
}

func (r *RemoteClient) Detect(ctx context.Context, image []byte) ([]Region, error) {
	var out detectResp
	if err := r.call(ctx, "/detect", "application/octet-stream", image, &out); err != nil {
		return nil, err
	}
	return out.Faces, nil
}

func (r *RemoteClient) Classify(ctx context.Context, image []byte, region Region) (models.FaceEmotionSample, error) {
	b, err := json.Marshal(classifyReq{Image: image, Region: region})
	if err != nil {
		return models.FaceEmotionSample{}, fmt.Errorf("classify marshal: %w", err)
	}
	var out classifyResp
	if err := r.call(ctx, "/classify", "application/json", b, &out); err != nil {
		return models.FaceEmotionSample{}, err
	}
	return models.FaceEmotionSample{Emotions: out.Emotions, Confidence: out.Confidence}, nil
}

func (r *RemoteClient) call(ctx context.Context, path, contentType string, body []byte, out any) error {
	_, err := r.breaker.Execute(func() (interface{}, error) {
		return nil, r.post(ctx, path, contentType, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperrors.Wrap(apperrors.KindUnavailable, "classifier circuit open", err)
	}
	return err
}

func (r *RemoteClient) post(ctx context.Context, path, contentType string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := r.c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		const maxErr = 4096
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErr))
		return apperrors.New(apperrors.KindUpstream,
			fmt.Sprintf("%s %s: %s", path, resp.Status, strings.TrimSpace(string(msg))))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(apperrors.KindUpstream, path+" decode", err)
	}
	return nil
}
