// Package nightscout reads glucose entries from a Nightscout server.
package nightscout

import (
	"context"
	"crypto/sha1" //nolint:gosec // Nightscout authenticates with the SHA1 of the API secret
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"loop-dosing/internal/glucose"
)

const entriesPath = "/api/v1/entries/sgv"

// Options configure the client.
type Options struct {
	BaseURL   string
	APISecret string
	APIToken  string
	UseToken  bool
	Timeout   time.Duration
	// MaxEntries caps a RecentSamples query.
	MaxEntries int
}

// Entry is a Nightscout sensor glucose value.
type Entry struct {
	ID     string `json:"_id"`
	SGV    int    `json:"sgv"`
	Date   int64  `json:"date"`
	Device string `json:"device"`
	Type   string `json:"type"`
}

// Client implements glucose.Source over the Nightscout REST API.
type Client struct {
	opts       Options
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient constructs a Nightscout client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 288
	}
	return &Client{
		opts:       opts,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "nightscout").Logger(),
	}
}

func hashSecret(secret string) string {
	sum := sha1.Sum([]byte(secret)) //nolint:gosec // required by the Nightscout API
	return hex.EncodeToString(sum[:])
}

// LatestSample implements glucose.Source.
func (c *Client) LatestSample(ctx context.Context, since time.Time) (glucose.Sample, bool, error) {
	entries, err := c.entries(ctx, since, 1)
	if err != nil {
		return glucose.Sample{}, false, err
	}
	samples := toSamples(entries, since)
	latest, ok := glucose.Latest(samples)
	return latest, ok, nil
}

// RecentSamples implements glucose.Source.
func (c *Client) RecentSamples(ctx context.Context, since time.Time) ([]glucose.Sample, error) {
	entries, err := c.entries(ctx, since, c.opts.MaxEntries)
	if err != nil {
		return nil, err
	}
	return glucose.SortByTime(toSamples(entries, since)), nil
}

func (c *Client) entries(ctx context.Context, since time.Time, count int) ([]Entry, error) {
	params := url.Values{}
	params.Set("find[date][$gte]", strconv.FormatInt(since.UnixMilli(), 10))
	params.Set("count", strconv.Itoa(count))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+entriesPath+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.opts.UseToken && c.opts.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.APIToken)
	} else if c.opts.APISecret != "" {
		req.Header.Set("API-SECRET", hashSecret(c.opts.APISecret))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request entries: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read entries: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("nightscout api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var entries []Entry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("parse entries: %w", err)
	}
	c.logger.Debug().Int("count", len(entries)).Time("since", since).Msg("entries fetched")
	return entries, nil
}

// toSamples drops non-sgv rows, zero readings and anything before since.
func toSamples(entries []Entry, since time.Time) []glucose.Sample {
	out := make([]glucose.Sample, 0, len(entries))
	for _, e := range entries {
		if e.SGV <= 0 || (e.Type != "" && e.Type != "sgv") {
			continue
		}
		at := time.UnixMilli(e.Date).UTC()
		if at.Before(since) {
			continue
		}
		source := e.Device
		if source == "" {
			source = "nightscout"
		}
		out = append(out, glucose.Sample{Time: at, Value: float64(e.SGV), Source: source})
	}
	return out
}

var _ glucose.Source = (*Client)(nil)
