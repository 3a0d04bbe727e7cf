// Package faceapi talks to the face encoding service: POST /encode with the
// raw image bytes, POST /distance with an encoding and its candidates.
package faceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/camden-git/mediapipeline/clients"
	"github.com/camden-git/mediapipeline/media"
	"github.com/camden-git/mediapipeline/metrics"
)

const service = "face-service"

type Options struct {
	BaseURL    string
	Timeout    time.Duration
	Dimension  int
	HTTPClient *http.Client
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Client implements media.FaceEncoder and media.FaceComparator.
type Client struct {
	baseURL   string
	dimension int
	caller    *clients.Caller
}

func New(opts Options) *Client {
	return &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		dimension: opts.Dimension,
		caller: clients.NewCaller(clients.Options{
			Service:    service,
			Timeout:    opts.Timeout,
			HTTPClient: opts.HTTPClient,
			Logger:     opts.Logger,
			Metrics:    opts.Metrics,
		}),
	}
}

type encodeResponse struct {
	Faces []media.DetectedFace `json:"faces"`
}

// Encode detects and embeds the faces in an encoded image.
func (c *Client) Encode(ctx context.Context, data []byte) ([]media.DetectedFace, error) {
	body, err := c.caller.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/encode", bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var resp encodeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, clients.Permanent(service, fmt.Errorf("malformed encode response: %w", err))
	}
	for i, f := range resp.Faces {
		if f.Encoding != nil && c.dimension > 0 && len(f.Encoding) != c.dimension {
			return nil, clients.Permanent(service, fmt.Errorf("face %d has a %d-component encoding, want %d", i, len(f.Encoding), c.dimension))
		}
	}
	return resp.Faces, nil
}

type distanceRequest struct {
	Target     []float32   `json:"target"`
	Candidates [][]float32 `json:"candidates"`
}

type distanceResponse struct {
	Distances []float64 `json:"distances"`
}

// Distances asks the service for the distance from target to each candidate.
func (c *Client) Distances(ctx context.Context, target []float32, candidates [][]float32) ([]float64, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(distanceRequest{Target: target, Candidates: candidates})
	if err != nil {
		return nil, fmt.Errorf("failed to encode distance request: %w", err)
	}

	body, err := c.caller.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/distance", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var resp distanceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, clients.Permanent(service, fmt.Errorf("malformed distance response: %w", err))
	}
	if len(resp.Distances) != len(candidates) {
		return nil, clients.Permanent(service, fmt.Errorf("got %d distances for %d candidates", len(resp.Distances), len(candidates)))
	}
	return resp.Distances, nil
}
