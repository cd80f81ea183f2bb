package notifier

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/L1nMay/scanconsole/internal/config"
	"github.com/L1nMay/scanconsole/internal/model"
)

func finishedSession() model.ScanSession {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return model.ScanSession{
		ID:       "abc",
		Target:   "10.0.0.5",
		ScanType: model.ScanLight,
		Status:   model.StatusCompleted,
		Progress: 100,
		Statistics: model.Statistics{
			PortsScanned:         100,
			OpenPortsFound:       2,
			ServicesFound:        2,
			VulnerabilitiesFound: model.VulnerabilityCounts{Critical: 1, Low: 1},
		},
		Results: &model.Results{Vulnerabilities: []model.Vulnerability{
			{CVEID: "CVE-2024-6387", Severity: "critical", Host: "10.0.0.5", Port: 22},
			{CVEID: "CVE-2023-0001", Severity: "low"},
		}},
		StartedAt:  start,
		FinishedAt: start.Add(42 * time.Second),
	}
}

func TestTelegramNotifierSendsSummary(t *testing.T) {
	var got telegramMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier(config.TelegramConfig{Enabled: true, BotToken: "TOKEN", ChatID: "42", APIURL: srv.URL + "/"})
	require.NoError(t, n.NotifyScanFinished(finishedSession()))

	assert.Equal(t, "42", got.ChatID)
	assert.Equal(t, "Markdown", got.ParseMode)
	assert.Contains(t, got.Text, "Scan completed")
	assert.Contains(t, got.Text, "`10.0.0.5` (light)")
	assert.Contains(t, got.Text, "Duration: 42s")
	assert.Contains(t, got.Text, "1 critical, 0 high, 0 medium, 1 low")
	assert.Contains(t, got.Text, "- CVE-2024-6387 (critical) on 10.0.0.5:22")
}

func TestTelegramNotifierReportsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "chat not found", http.StatusBadRequest)
	}))
	defer srv.Close()

	n := NewTelegramNotifier(config.TelegramConfig{BotToken: "T", ChatID: "1", APIURL: srv.URL})
	err := n.NotifyScanFinished(finishedSession())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestTelegramNotifierSkipsRunningSessions(t *testing.T) {
	n := NewTelegramNotifier(config.TelegramConfig{APIURL: "http://127.0.0.1:1"})
	s := finishedSession()
	s.Status = model.StatusScanning
	assert.NoError(t, n.NotifyScanFinished(s))
}

func TestFormatSessionTruncatesLongLists(t *testing.T) {
	s := finishedSession()
	s.Status = model.StatusFailed
	s.Results.Vulnerabilities = make([]model.Vulnerability, maxListedCVEs+3)
	for i := range s.Results.Vulnerabilities {
		s.Results.Vulnerabilities[i] = model.Vulnerability{CVEID: "CVE-X", Severity: "low"}
	}

	text := FormatSession(s)
	assert.Contains(t, text, "🔴 *Scan failed*")
	assert.Contains(t, text, "...and 3 more")
}
