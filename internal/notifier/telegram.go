package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/L1nMay/scanconsole/internal/config"
	"github.com/L1nMay/scanconsole/internal/model"
)

const maxListedCVEs = 10

type TelegramNotifier struct {
	apiURL   string
	botToken string
	chatID   string
	http     *http.Client
}

func NewTelegramNotifier(cfg config.TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		apiURL:   strings.TrimRight(cfg.APIURL, "/"),
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

func (t *TelegramNotifier) NotifyScanFinished(s model.ScanSession) error {
	if !s.Status.Terminal() {
		return nil
	}

	msg := telegramMessage{
		ChatID:    t.chatID,
		Text:      FormatSession(s),
		ParseMode: "Markdown",
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiURL, t.botToken)
	resp, err := t.http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "telegram sendMessage")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("telegram http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

// FormatSession renders the Markdown summary sent for a finished session.
func FormatSession(s model.ScanSession) string {
	var b strings.Builder

	icon := "🟢"
	switch s.Status {
	case model.StatusFailed:
		icon = "🔴"
	case model.StatusCancelled, model.StatusCompletedFileMissing:
		icon = "🟡"
	}

	fmt.Fprintf(&b, "%s *Scan %s*\n", icon, s.Status)
	fmt.Fprintf(&b, "Target: `%s` (%s)\n", s.Target, s.ScanType)
	if !s.StartedAt.IsZero() && !s.FinishedAt.IsZero() {
		fmt.Fprintf(&b, "Duration: %s\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Second))
	}
	if s.Message != "" {
		fmt.Fprintf(&b, "%s\n", s.Message)
	}

	st := s.Statistics
	fmt.Fprintf(&b, "\nPorts scanned: %d\nOpen ports: %d\nServices: %d\n",
		st.PortsScanned, st.OpenPortsFound, st.ServicesFound)

	v := st.VulnerabilitiesFound
	if v.Total() > 0 {
		fmt.Fprintf(&b, "Vulnerabilities: %d critical, %d high, %d medium, %d low\n",
			v.Critical, v.High, v.Medium, v.Low)
	}

	if s.Results != nil && len(s.Results.Vulnerabilities) > 0 {
		b.WriteString("\n")
		for i, vuln := range s.Results.Vulnerabilities {
			if i == maxListedCVEs {
				fmt.Fprintf(&b, "...and %d more\n", len(s.Results.Vulnerabilities)-maxListedCVEs)
				break
			}
			fmt.Fprintf(&b, "- %s (%s)", vuln.CVEID, vuln.Severity)
			if vuln.Host != "" {
				fmt.Fprintf(&b, " on %s", vuln.Host)
				if vuln.Port > 0 {
					fmt.Fprintf(&b, ":%d", vuln.Port)
				}
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}
