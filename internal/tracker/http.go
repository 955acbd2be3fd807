package tracker

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPConfig holds configuration for the detector sidecar client.
type HTTPConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	RetryCount int
	// JPEGQuality for uploaded frames; 0 uses 85.
	JPEGQuality int
}

// HTTPClient talks to a detector/tracker sidecar that keeps one tracker state
// per session id.
type HTTPClient struct {
	client  *resty.Client
	quality int
}

// NewHTTPClient creates a sidecar client.
// Parameters:
//   - cfg: sidecar base URL, credentials, timeout and retry count.
//
// Returns:
//   - *HTTPClient: client ready to open sessions.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	client := resty.New()
	client.SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/"))
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client.SetTimeout(timeout)
	if cfg.RetryCount > 0 {
		client.SetRetryCount(cfg.RetryCount).
			SetRetryWaitTime(200 * time.Millisecond).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() >= 500
			})
	}

	quality := cfg.JPEGQuality
	if quality <= 0 {
		quality = 85
	}
	return &HTTPClient{client: client, quality: quality}
}

type openRequest struct {
	SessionID  string   `json:"session_id"`
	Tracker    string   `json:"tracker"`
	Confidence float64  `json:"conf"`
	IoU        float64  `json:"iou"`
	Classes    []string `json:"classes,omitempty"`
}

type apiError struct {
	Error string `json:"error"`
}

type trackResponse struct {
	Detections []wireDetection `json:"detections"`
}

type wireDetection struct {
	Box        [4]float64 `json:"box"`
	Class      string     `json:"class"`
	Confidence float64    `json:"confidence"`
	TrackID    *int       `json:"track_id"`
}

// Open starts a tracker session on the sidecar keyed by the job id.
func (c *HTTPClient) Open(ctx context.Context, jobID string, cfg Config) (Session, error) {
	var apiErr apiError
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(openRequest{
			SessionID:  jobID,
			Tracker:    cfg.Tracker,
			Confidence: cfg.Confidence,
			IoU:        cfg.IoU,
			Classes:    cfg.Classes,
		}).
		SetError(&apiErr).
		Post("/v1/sessions")
	if err != nil {
		return nil, fmt.Errorf("failed to open tracker session: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("tracker session rejected: %s", describe(resp, apiErr))
	}
	return &httpSession{client: c, id: jobID}, nil
}

type httpSession struct {
	client *HTTPClient
	id     string
}

func (s *httpSession) Track(ctx context.Context, frame image.Image, index int) ([]Detection, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: s.client.quality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame %d: %w", index, err)
	}

	var result trackResponse
	var apiErr apiError
	resp, err := s.client.client.R().
		SetContext(ctx).
		SetPathParam("session", s.id).
		SetHeader("Content-Type", "image/jpeg").
		SetQueryParam("frame_index", strconv.Itoa(index)).
		SetBody(buf.Bytes()).
		SetResult(&result).
		SetError(&apiErr).
		Post("/v1/sessions/{session}/track")
	if err != nil {
		return nil, fmt.Errorf("failed to call tracker for frame %d: %w", index, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("tracker failed on frame %d: %s", index, describe(resp, apiErr))
	}

	detections := make([]Detection, 0, len(result.Detections))
	for _, d := range result.Detections {
		det := Detection{
			Box:        Box{X1: d.Box[0], Y1: d.Box[1], X2: d.Box[2], Y2: d.Box[3]},
			Class:      d.Class,
			Confidence: d.Confidence,
		}
		if d.TrackID != nil {
			det.TrackID = *d.TrackID
			det.Tracked = true
		}
		detections = append(detections, det)
	}
	return detections, nil
}

// Close releases the sidecar session. It does not take a context so it can run
// in deferred cleanup.
func (s *httpSession) Close() error {
	resp, err := s.client.client.R().
		SetPathParam("session", s.id).
		Delete("/v1/sessions/{session}")
	if err != nil {
		return fmt.Errorf("failed to close tracker session: %w", err)
	}
	if resp.IsError() && resp.StatusCode() != 404 {
		return fmt.Errorf("failed to close tracker session: HTTP %d", resp.StatusCode())
	}
	return nil
}

func describe(resp *resty.Response, apiErr apiError) string {
	if apiErr.Error != "" {
		return fmt.Sprintf("HTTP %d: %s", resp.StatusCode(), apiErr.Error)
	}
	return fmt.Sprintf("HTTP %d: %s", resp.StatusCode(), string(resp.Body()))
}
