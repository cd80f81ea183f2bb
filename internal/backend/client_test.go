package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/L1nMay/scanconsole/internal/model"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewClient(Options{BaseURL: srv.URL + "/api/v1", Token: "secret", Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient(Options{BaseURL: "not a url"})
	assert.Error(t, err)
}

func TestCheckIP(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/check-ip", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_, err := uuid.Parse(r.Header.Get("X-Request-ID"))
		assert.NoError(t, err)

		var req CheckIPRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "10.0.0.5", req.Target)

		_, _ = w.Write([]byte(`{"is_reachable": true, "message": "host is up"}`))
	})

	resp, err := c.CheckIP(context.Background(), "10.0.0.5")
	require.NoError(t, err)
	assert.True(t, resp.IsReachable)
	assert.Equal(t, "host is up", resp.Message)
}

func TestStartScan(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/scanning/start", r.URL.Path)
		var req StartRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, model.ScanDeep, req.ScanType)

		_, _ = w.Write([]byte(`{"scan_id":"abc","target":"10.0.0.0/24","scan_type":"deep","started_at":"2026-03-01T09:00:00Z"}`))
	})

	resp, err := c.StartScan(context.Background(), StartRequest{ScanType: model.ScanDeep, Target: "10.0.0.0/24"})
	require.NoError(t, err)
	assert.Equal(t, "abc", resp.ScanID)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), resp.StartedAt)
}

func TestStartScanRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "scanner busy", http.StatusServiceUnavailable)
	})

	_, err := c.StartScan(context.Background(), StartRequest{ScanType: model.ScanLight, Target: "10.0.0.5"})
	var he *HTTPError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusServiceUnavailable, he.StatusCode)
	assert.Equal(t, "scanner busy", he.Body)
}

func TestStartScanWithoutID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	_, err := c.StartScan(context.Background(), StartRequest{ScanType: model.ScanLight, Target: "10.0.0.5"})
	assert.Error(t, err)
}

func TestScanStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/scanning/status/abc", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"status": "running",
			"progress": 30,
			"results": {
				"services": [{"host":"10.0.0.5","port":22,"protocol":"tcp","service":"ssh","state":"open"}],
				"vulnerabilities": [{"cve_id":"CVE-2024-6387","severity":"high","cvss_score":8.1}],
				"summary": {"ports_scanned": 100, "open_ports": 1}
			}
		}`))
	})

	resp, err := c.ScanStatus(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "running", resp.Status)
	require.NotNil(t, resp.Progress)
	assert.Equal(t, 30.0, *resp.Progress)
	require.True(t, resp.Results.Available())
	assert.Equal(t, "ssh", resp.Results.Services[0].Name)
	assert.Equal(t, "CVE-2024-6387", resp.Results.Vulnerabilities[0].CVEID)
	assert.Equal(t, 100, resp.Results.Summary.PortsScanned)
}

func TestScanStatusNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	_, err := c.ScanStatus(context.Background(), "gone")
	assert.ErrorIs(t, err, ErrScanNotFound)
}

func TestStoreCVEsAndReport(t *testing.T) {
	var paths []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		switch r.URL.Path {
		case "/api/v1/scanning/store-cves":
			var req StoreCVEsRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Len(t, req.Vulnerabilities, 2)
			_, _ = w.Write([]byte(`{"stored_count": 2}`))
		case "/api/v1/scanning/generate-report":
			w.WriteHeader(http.StatusAccepted)
		}
	})

	resp, err := c.StoreCVEs(context.Background(), StoreCVEsRequest{
		ScanID: "abc", Target: "10.0.0.5",
		Vulnerabilities: []model.Vulnerability{{CVEID: "CVE-1"}, {CVEID: "CVE-2"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.StoredCount)

	require.NoError(t, c.GenerateReport(context.Background(), "abc"))
	assert.Equal(t, []string{"/api/v1/scanning/store-cves", "/api/v1/scanning/generate-report"}, paths)
}

func TestStoredResults(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/scanning/results", r.URL.Path)
		if r.URL.Query().Get("target") == "10.0.0.0/24" {
			_, _ = w.Write([]byte(`{"vulnerabilities":[{"cve_id":"CVE-1","severity":"low"}]}`))
			return
		}
		http.NotFound(w, r)
	})

	res, err := c.StoredResults(context.Background(), "10.0.0.0/24")
	require.NoError(t, err)
	assert.Len(t, res.Vulnerabilities, 1)

	res, err = c.StoredResults(context.Background(), "10.0.0.9")
	require.NoError(t, err)
	assert.False(t, res.Available())
}

func TestRateLimiterHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"is_reachable": true}`))
	}))
	defer srv.Close()

	c, err := NewClient(Options{BaseURL: srv.URL, MaxRPS: 0.001})
	require.NoError(t, err)

	_, err = c.CheckIP(context.Background(), "10.0.0.5")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.CheckIP(ctx, "10.0.0.5")
	assert.Error(t, err)
}
