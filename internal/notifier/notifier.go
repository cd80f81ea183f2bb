package notifier

import "github.com/L1nMay/scanconsole/internal/model"

// Notifier announces finished scan sessions.
type Notifier interface {
	NotifyScanFinished(s model.ScanSession) error
}

// Noop is used when no channel is configured.
type Noop struct{}

func (Noop) NotifyScanFinished(model.ScanSession) error { return nil }
