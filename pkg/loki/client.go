// Package loki queries a Loki query_range endpoint for mesh flow log lines.
package loki

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fastjson"
)

// ErrMalformedResponse is returned when the response body does not have the
// expected data.result[].values[][timestamp, line] shape.
var ErrMalformedResponse = errors.New("malformed loki response")

// maxResponseSize bounds a single query_range body.
const maxResponseSize = 64 << 20

// Window is a half-open query interval.
type Window struct {
	Start time.Time
	End   time.Time
}

// LastWindow returns the window of length d ending at now.
func LastWindow(now time.Time, d time.Duration) Window {
	return Window{Start: now.Add(-d), End: now}
}

// Entry is one log line returned by the query.
type Entry struct {
	Timestamp string
	Line      string
}

// Config for the Loki client
type Config struct {
	URL      string
	Username string
	Password string
	OrgID    string
	Query    string
	Limit    int
	Timeout  time.Duration
}

// Client fetches flow log entries from Loki
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        *logrus.Logger
	userAgent  string
}

// NewClient creates a new Loki client
func NewClient(cfg Config, userAgent string, log *logrus.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 1000
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		log:       log,
		userAgent: userAgent,
	}
}

// Fetch returns every entry the query matches inside w.
func (c *Client) Fetch(ctx context.Context, w Window) ([]Entry, error) {
	if c.cfg.URL == "" {
		return nil, fmt.Errorf("loki client not configured")
	}

	params := url.Values{}
	params.Set("query", c.cfg.Query)
	params.Set("start", strconv.FormatInt(w.Start.UnixNano(), 10))
	params.Set("end", strconv.FormatInt(w.End.UnixNano(), 10))
	params.Set("limit", strconv.Itoa(c.cfg.Limit))
	params.Set("direction", "forward")

	sep := "?"
	if strings.Contains(c.cfg.URL, "?") {
		sep = "&"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL+sep+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("User-Agent", c.userAgent)
	if c.cfg.OrgID != "" {
		req.Header.Set("X-Scope-OrgID", c.cfg.OrgID)
	}
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query loki: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip response: %w", err)
		}
		defer zr.Close()
		body = zr
	}

	data, err := io.ReadAll(io.LimitReader(body, maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(data) > maxResponseSize {
		return nil, fmt.Errorf("response exceeds %d bytes", maxResponseSize)
	}

	entries, err := ParseResponse(data)
	if err != nil {
		return nil, err
	}

	c.log.WithFields(logrus.Fields{
		"entries": len(entries),
		"start":   w.Start.UTC().Format(time.RFC3339),
		"end":     w.End.UTC().Format(time.RFC3339),
	}).Debug("Fetched flow logs")

	return entries, nil
}

// ParseResponse extracts entries from a query_range JSON body. A non-success
// status is a query failure; any deviation from the expected shape wraps
// ErrMalformedResponse.
func ParseResponse(data []byte) ([]Entry, error) {
	var p fastjson.Parser
	v, err := p.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	if status := v.Get("status"); status != nil {
		if s := string(status.GetStringBytes()); s != "success" {
			return nil, fmt.Errorf("loki query status %q: %s", s, v.GetStringBytes("error"))
		}
	}

	result := v.Get("data", "result")
	if result == nil || result.Type() != fastjson.TypeArray {
		return nil, fmt.Errorf("%w: data.result is missing or not an array", ErrMalformedResponse)
	}
	streams, _ := result.Array()

	var entries []Entry
	for si, stream := range streams {
		values := stream.Get("values")
		if values == nil || values.Type() != fastjson.TypeArray {
			return nil, fmt.Errorf("%w: result[%d].values is missing or not an array", ErrMalformedResponse, si)
		}
		pairs, _ := values.Array()
		for vi, pair := range pairs {
			items, err := pair.Array()
			if err != nil || len(items) < 2 {
				return nil, fmt.Errorf("%w: result[%d].values[%d] is not a [timestamp, line] pair", ErrMalformedResponse, si, vi)
			}
			ts, err := items[0].StringBytes()
			if err != nil {
				return nil, fmt.Errorf("%w: result[%d].values[%d] timestamp: %v", ErrMalformedResponse, si, vi, err)
			}
			line, err := items[1].StringBytes()
			if err != nil {
				return nil, fmt.Errorf("%w: result[%d].values[%d] line: %v", ErrMalformedResponse, si, vi, err)
			}
			entries = append(entries, Entry{Timestamp: string(ts), Line: string(line)})
		}
	}
	return entries, nil
}
