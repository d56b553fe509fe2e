package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"loop-dosing/internal/dosing"
	"loop-dosing/internal/retrospective"
)

const (
	discrepanciesPath  = "/v1/discrepancies"
	recommendationPath = "/v1/recommendation"
)

// HTTPOptions parameterise the HTTP predictor client.
type HTTPOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// HTTPClient fetches discrepancies and recommendations from a prediction
// service over JSON/HTTP.
type HTTPClient struct {
	opts    HTTPOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewHTTPClient constructs a predictor client.
func NewHTTPClient(opts HTTPOptions, logger zerolog.Logger) (*HTTPClient, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("predictor.base_url is required")
	}

	return &HTTPClient{
		opts:    opts,
		logger:  logger.With().Str("component", "predictor").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}, nil
}

// Discrepancies implements Predictor.
func (c *HTTPClient) Discrepancies(ctx context.Context, since time.Time) ([]retrospective.Discrepancy, error) {
	params := url.Values{}
	params.Set("since", since.UTC().Format(time.RFC3339))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+discrepanciesPath+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var res discrepanciesResponse
	if err := c.do(req, &res); err != nil {
		return nil, fmt.Errorf("fetch discrepancies: %w", err)
	}

	out := make([]retrospective.Discrepancy, 0, len(res.Discrepancies))
	for i, d := range res.Discrepancies {
		start, err := time.Parse(time.RFC3339, d.Start)
		if err != nil {
			return nil, fmt.Errorf("parse discrepancy %d start: %w", i, err)
		}
		end, err := time.Parse(time.RFC3339, d.End)
		if err != nil {
			return nil, fmt.Errorf("parse discrepancy %d end: %w", i, err)
		}
		if end.Before(start) {
			return nil, fmt.Errorf("discrepancy %d ends before it starts", i)
		}
		out = append(out, retrospective.Discrepancy{Start: start, End: end, Magnitude: d.Magnitude})
	}
	c.logger.Debug().Int("count", len(out)).Time("since", since).Msg("discrepancies fetched")
	return retrospective.SortByEnd(out), nil
}

// Recommend implements Predictor.
func (c *HTTPClient) Recommend(ctx context.Context, in Input) (dosing.Recommendation, error) {
	body, err := json.Marshal(newRecommendationRequest(in))
	if err != nil {
		return dosing.Recommendation{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+recommendationPath, bytes.NewReader(body))
	if err != nil {
		return dosing.Recommendation{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var res recommendationResponse
	if err := c.do(req, &res); err != nil {
		return dosing.Recommendation{}, fmt.Errorf("fetch recommendation: %w", err)
	}

	var rec dosing.Recommendation
	if res.TempBasal != nil {
		rec.TempBasal = &dosing.TempBasal{
			UnitsPerHour: res.TempBasal.UnitsPerHour,
			Duration:     time.Duration(res.TempBasal.DurationMinutes * float64(time.Minute)),
		}
	}
	if res.BolusUnits != nil {
		units := *res.BolusUnits
		rec.BolusUnits = &units
	}
	return rec, nil
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "loopd/1.0")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return parseHTTPError(resp.StatusCode, payload)
	}
	return json.Unmarshal(payload, out)
}

type discrepancyJSON struct {
	Start     string  `json:"start"`
	End       string  `json:"end"`
	Magnitude float64 `json:"magnitude"`
}

type discrepanciesResponse struct {
	Discrepancies []discrepancyJSON `json:"discrepancies"`
}

type sampleJSON struct {
	Time  string  `json:"time"`
	Value float64 `json:"mgdl"`
}

type effectJSON struct {
	Time  string  `json:"time"`
	Delta float64 `json:"delta"`
}

type recommendationRequest struct {
	At               string       `json:"at"`
	Device           string       `json:"device"`
	Current          sampleJSON   `json:"current"`
	Glucose          []sampleJSON `json:"glucose"`
	CorrectionEffect []effectJSON `json:"correction_effect"`
	TotalEffect      *float64     `json:"total_correction_effect"`
	TargetLower      float64      `json:"target_lower"`
	TargetUpper      float64      `json:"target_upper"`
}

func newRecommendationRequest(in Input) recommendationRequest {
	req := recommendationRequest{
		At:               in.At.UTC().Format(time.RFC3339),
		Device:           in.DeviceID,
		Current:          sampleJSON{Time: in.Current.Time.UTC().Format(time.RFC3339), Value: in.Current.Value},
		Glucose:          make([]sampleJSON, 0, len(in.Glucose)),
		CorrectionEffect: make([]effectJSON, 0, len(in.CorrectionEffect)),
		TargetLower:      in.TargetLower,
		TargetUpper:      in.TargetUpper,
	}
	for _, s := range in.Glucose {
		req.Glucose = append(req.Glucose, sampleJSON{Time: s.Time.UTC().Format(time.RFC3339), Value: s.Value})
	}
	for _, e := range in.CorrectionEffect {
		req.CorrectionEffect = append(req.CorrectionEffect, effectJSON{Time: e.Time.UTC().Format(time.RFC3339), Delta: e.Delta})
	}
	if m, ok := in.TotalEffect.Value(); ok {
		req.TotalEffect = &m
	}
	return req
}

type recommendationResponse struct {
	TempBasal *struct {
		UnitsPerHour    float64 `json:"units_per_hour"`
		DurationMinutes float64 `json:"duration_minutes"`
	} `json:"temp_basal"`
	BolusUnits *float64 `json:"bolus_units"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Error != "" {
			return fmt.Errorf("predictor api error (%d): %s", status, apiErr.Error)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("predictor api error (%d): %s", status, apiErr.Message)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("predictor api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("predictor api error (%d)", status)
}

var _ Predictor = (*HTTPClient)(nil)
