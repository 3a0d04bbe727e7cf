// Package geocoder is a reverse-geocoding client for Nominatim-compatible
// services.
package geocoder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/camden-git/mediapipeline/clients"
	"github.com/camden-git/mediapipeline/metrics"
)

const service = "geocoder"

// ErrNoResult means the service answered but knows no place at the coordinates.
var ErrNoResult = errors.New("geocoder: no result for coordinates")

// Address is a reverse-geocoded place.
type Address struct {
	SourceID    string
	DisplayName string
	LatMin      float64
	LatMax      float64
	LonMin      float64
	LonMax      float64
	Payload     map[string]any
}

type Options struct {
	BaseURL           string
	UserAgent         string
	Timeout           time.Duration
	RequestsPerSecond float64
	HTTPClient        *http.Client
	Logger            *zap.Logger
	Metrics           *metrics.Metrics
}

type Client struct {
	baseURL   string
	userAgent string
	caller    *clients.Caller
}

func New(opts Options) *Client {
	return &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		userAgent: opts.UserAgent,
		caller: clients.NewCaller(clients.Options{
			Service:           service,
			Timeout:           opts.Timeout,
			RequestsPerSecond: opts.RequestsPerSecond,
			HTTPClient:        opts.HTTPClient,
			Logger:            opts.Logger,
			Metrics:           opts.Metrics,
		}),
	}
}

type reverseResponse struct {
	PlaceID     json.Number    `json:"place_id"`
	OSMType     string         `json:"osm_type"`
	OSMID       json.Number    `json:"osm_id"`
	DisplayName string         `json:"display_name"`
	BoundingBox []string       `json:"boundingbox"` // lat_min, lat_max, lon_min, lon_max
	Address     map[string]any `json:"address"`
	Error       string         `json:"error"`
}

// Reverse resolves a coordinate pair to an address.
func (c *Client) Reverse(ctx context.Context, lat, lon float64) (*Address, error) {
	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	q.Set("zoom", "18")
	q.Set("addressdetails", "1")
	endpoint := c.baseURL + "/reverse?" + q.Encode()

	body, err := c.caller.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var resp reverseResponse
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()
	if err := dec.Decode(&resp); err != nil {
		return nil, clients.Permanent(service, fmt.Errorf("malformed response: %w", err))
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w (%f, %f): %s", ErrNoResult, lat, lon, resp.Error)
	}
	return toAddress(resp)
}

func toAddress(resp reverseResponse) (*Address, error) {
	sourceID := ""
	switch {
	case resp.OSMType != "" && resp.OSMID != "":
		sourceID = resp.OSMType + ":" + resp.OSMID.String()
	case resp.PlaceID != "":
		sourceID = "place:" + resp.PlaceID.String()
	default:
		return nil, clients.Permanent(service, errors.New("response carries no place identifier"))
	}

	if len(resp.BoundingBox) != 4 {
		return nil, clients.Permanent(service, fmt.Errorf("bounding box has %d values, want 4", len(resp.BoundingBox)))
	}
	var box [4]float64
	for i, s := range resp.BoundingBox {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, clients.Permanent(service, fmt.Errorf("invalid bounding box value %q: %w", s, err))
		}
		box[i] = v
	}

	payload := map[string]any{}
	for k, v := range resp.Address {
		payload[k] = v
	}
	return &Address{
		SourceID:    sourceID,
		DisplayName: resp.DisplayName,
		LatMin:      min(box[0], box[1]),
		LatMax:      max(box[0], box[1]),
		LonMin:      min(box[2], box[3]),
		LonMax:      max(box[2], box[3]),
		Payload:     payload,
	}, nil
}
