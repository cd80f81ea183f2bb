package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/L1nMay/scanconsole/internal/model"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, backendURL string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := fmt.Sprintf(`backend:
  base_url: %s/api/v1
  token: test-token
db_path: %s
log_level: error
session:
  tick_interval_ms: 10
  poll_interval_ms: 10
  reset_delay_seconds: 1
`, backendURL, filepath.Join(dir, "data", "scanconsole.db"))
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func TestValidateCommand(t *testing.T) {
	out, err := execute(t, "validate", "192.168.1.1")
	require.NoError(t, err)
	assert.Contains(t, out, "192.168.1.1 is a valid target")

	_, err = execute(t, "validate", "8.8.8.8")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside private networks")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "scanconsole dev"))
}

func TestScanRequiresTarget(t *testing.T) {
	_, err := execute(t, "scan", "--target", "", "--resume=false")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target is required")
}

func TestScanFollowsToCompletion(t *testing.T) {
	var polls atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		switch {
		case r.URL.Path == "/api/v1/check-ip":
			_, _ = w.Write([]byte(`{"is_reachable": true}`))
		case r.URL.Path == "/api/v1/scanning/start":
			_, _ = w.Write([]byte(`{"scan_id":"cli-1","target":"10.0.0.5","scan_type":"light"}`))
		case r.URL.Path == "/api/v1/scanning/status/cli-1":
			if polls.Add(1) < 3 {
				_, _ = w.Write([]byte(`{"status":"running","progress":20}`))
				return
			}
			_, _ = w.Write([]byte(`{"status":"completed","results":{
				"services":[{"host":"10.0.0.5","port":22,"protocol":"tcp","service":"ssh","state":"open"}],
				"vulnerabilities":[{"cve_id":"CVE-2024-6387","severity":"critical","title":"regreSSHion"}]}}`))
		case r.URL.Path == "/api/v1/scanning/store-cves":
			_, _ = w.Write([]byte(`{"stored_count":1}`))
		case r.URL.Path == "/api/v1/scanning/generate-report":
			w.WriteHeader(http.StatusAccepted)
		default:
			http.NotFound(w, r)
		}
	}))
	defer backend.Close()

	cfgPath := writeConfig(t, backend.URL)

	out, err := execute(t, "scan", "--config", cfgPath, "--target", "10.0.0.5", "--type", "light", "--resume=false")
	require.NoError(t, err, out)
	assert.Contains(t, out, "light scan of 10.0.0.5 (session cli-1)")
	assert.Contains(t, out, "[+] completed")
	assert.Contains(t, out, "1 critical, 0 high, 0 medium, 0 low")
	assert.Contains(t, out, "CVE-2024-6387")

	out, err = execute(t, "history", "--config", cfgPath, "--format", "json", "--limit", "5")
	require.NoError(t, err)
	var runs []model.ScanRun
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "cli-1", runs[0].ID)
	assert.Equal(t, model.StatusCompleted, runs[0].Status)
}

func TestScanRejectsPublicTarget(t *testing.T) {
	_, err := execute(t, "scan", "--target", "1.1.1.1", "--resume=false")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside private networks")
}
