// Package backend is the HTTP client for the remote scan backend. The backend
// executes scans; this package only speaks its JSON contract.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/L1nMay/scanconsole/internal/model"
)

// ErrScanNotFound is returned by ScanStatus when the backend no longer knows
// the scan id (HTTP 404).
var ErrScanNotFound = errors.New("scan not found")

// HTTPError is a non-2xx backend response.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: http %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

type Options struct {
	BaseURL string
	// Token is sent as a bearer credential when non-empty.
	Token   string
	Timeout time.Duration
	// MaxRPS limits outgoing requests (0 = unlimited).
	MaxRPS float64
}

type Client struct {
	http    *http.Client
	base    *url.URL
	token   string
	limiter *rate.Limiter
}

func NewClient(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/") + "/")
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.Errorf("invalid backend base URL %q", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	c := &Client{
		http:  &http.Client{Timeout: opts.Timeout},
		base:  base,
		token: opts.Token,
	}
	if opts.MaxRPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.MaxRPS), 1)
	}
	return c, nil
}

type CheckIPRequest struct {
	Target string `json:"target"`
}

type CheckIPResponse struct {
	IsReachable bool   `json:"is_reachable"`
	Message     string `json:"message"`
}

type StartRequest struct {
	ScanType model.ScanType `json:"scan_type"`
	Target   string         `json:"target"`
}

type StartResponse struct {
	ScanID    string         `json:"scan_id"`
	Target    string         `json:"target"`
	ScanType  model.ScanType `json:"scan_type"`
	StartedAt time.Time      `json:"started_at"`
}

type StatusResponse struct {
	ScanID      string         `json:"scan_id,omitempty"`
	Status      string         `json:"status"`
	Progress    *float64       `json:"progress,omitempty"`
	Message     string         `json:"message,omitempty"`
	Results     *model.Results `json:"results,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

type StoreCVEsRequest struct {
	ScanID          string                `json:"scan_id"`
	Target          string                `json:"target"`
	Vulnerabilities []model.Vulnerability `json:"vulnerabilities"`
}

type StoreCVEsResponse struct {
	StoredCount int `json:"stored_count"`
}

type GenerateReportRequest struct {
	ScanID string `json:"scan_id"`
}

// CheckIP asks the backend whether target answers at all.
func (c *Client) CheckIP(ctx context.Context, target string) (*CheckIPResponse, error) {
	var out CheckIPResponse
	if err := c.do(ctx, http.MethodPost, "check-ip", CheckIPRequest{Target: target}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StartScan(ctx context.Context, req StartRequest) (*StartResponse, error) {
	var out StartResponse
	if err := c.do(ctx, http.MethodPost, "scanning/start", req, &out); err != nil {
		return nil, err
	}
	if out.ScanID == "" {
		return nil, errors.New("scanning/start: response without scan_id")
	}
	return &out, nil
}

func (c *Client) ScanStatus(ctx context.Context, scanID string) (*StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "scanning/status/"+url.PathEscape(scanID), nil, &out)
	if err != nil {
		var he *HTTPError
		if errors.As(err, &he) && he.StatusCode == http.StatusNotFound {
			return nil, errors.Wrapf(ErrScanNotFound, "scan %s", scanID)
		}
		return nil, err
	}
	return &out, nil
}

func (c *Client) StoreCVEs(ctx context.Context, req StoreCVEsRequest) (*StoreCVEsResponse, error) {
	var out StoreCVEsResponse
	if err := c.do(ctx, http.MethodPost, "scanning/store-cves", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateReport only waits for the acknowledgement; the report job itself
// runs on the backend.
func (c *Client) GenerateReport(ctx context.Context, scanID string) error {
	return c.do(ctx, http.MethodPost, "scanning/generate-report", GenerateReportRequest{ScanID: scanID}, nil)
}

// StoredResults returns results the backend already stored for target. A
// target with nothing stored yields an empty payload, not an error.
func (c *Client) StoredResults(ctx context.Context, target string) (*model.Results, error) {
	var out model.Results
	err := c.do(ctx, http.MethodGet, "scanning/results?target="+url.QueryEscape(target), nil, &out)
	if err != nil {
		var he *HTTPError
		if errors.As(err, &he) && he.StatusCode == http.StatusNotFound {
			return &model.Results{}, nil
		}
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return errors.Wrap(err, "rate limiter")
		}
	}

	ref, err := url.Parse(path)
	if err != nil {
		return errors.Wrapf(err, "build url for %s", path)
	}
	u := c.base.ResolveReference(ref)

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "marshal request")
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s response", path)
	}
	return nil
}
