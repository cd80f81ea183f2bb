package session

import (
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/L1nMay/scanconsole/internal/model"
)

var ErrScanInProgress = errors.New("another scan is already running")

type EventKind int

const (
	// EventStarted installs a freshly launched session.
	EventStarted EventKind = iota
	// EventSynthetic carries a ticker estimate.
	EventSynthetic
	// EventPollUpdate carries a non-terminal backend response.
	EventPollUpdate
	// EventTerminal finalizes the session with a terminal status.
	EventTerminal
	// EventReset drops the session and returns to idle.
	EventReset
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventSynthetic:
		return "synthetic"
	case EventPollUpdate:
		return "poll_update"
	case EventTerminal:
		return "terminal"
	case EventReset:
		return "reset"
	}
	return "unknown"
}

type Event struct {
	Kind      EventKind
	SessionID string

	// EventStarted
	Session *model.ScanSession

	// EventSynthetic, EventPollUpdate; ignored when <= 0
	Progress float64

	// EventTerminal
	Status model.Status

	Message    string
	Results    *model.Results
	Statistics *model.Statistics
}

// Reduce applies ev to old and returns the next state. A nil state means idle.
// changed is false when the event was ignored (stale id, not scanning, or
// synthetic progress after an authoritative override).
//
// Progress never decreases while scanning. Once a result payload or terminal
// status arrives progress is forced to 100 and marked authoritative.
func Reduce(old *model.ScanSession, ev Event, now time.Time) (next *model.ScanSession, changed bool, err error) {
	switch ev.Kind {
	case EventStarted:
		if old != nil && old.Status == model.StatusScanning {
			return old, false, ErrScanInProgress
		}
		if ev.Session == nil {
			return old, false, errors.New("started event without session")
		}
		s := *ev.Session
		s.Status = model.StatusScanning
		s.Progress = 0
		s.Authoritative = false
		s.Statistics = model.Statistics{}
		s.Results = nil
		s.FinishedAt = time.Time{}
		if s.StartedAt.IsZero() {
			s.StartedAt = now
		}
		s.UpdatedAt = now
		return &s, true, nil

	case EventReset:
		if old == nil {
			return nil, false, nil
		}
		if ev.SessionID != "" && ev.SessionID != old.ID {
			return old, false, nil
		}
		return nil, true, nil
	}

	if old == nil || old.ID != ev.SessionID || old.Status != model.StatusScanning {
		return old, false, nil
	}
	s := *old

	switch ev.Kind {
	case EventSynthetic:
		p := math.Min(ev.Progress, 100)
		if s.Authoritative || p <= s.Progress {
			return old, false, nil
		}
		s.Progress = p

	case EventPollUpdate:
		if ev.Results.Available() {
			s.Results = ev.Results
			if ev.Statistics != nil {
				s.Statistics = *ev.Statistics
			}
			s.Progress = 100
			s.Authoritative = true
		} else if ev.Progress > 0 {
			s.Progress = math.Max(s.Progress, math.Min(ev.Progress, 100))
		}
		if ev.Message != "" {
			s.Message = ev.Message
		}

	case EventTerminal:
		if !ev.Status.Terminal() {
			return old, false, errors.Errorf("status %q is not terminal", ev.Status)
		}
		s.Status = ev.Status
		s.Progress = 100
		s.Authoritative = true
		if ev.Results.Available() {
			s.Results = ev.Results
		}
		if ev.Statistics != nil {
			s.Statistics = *ev.Statistics
		}
		if ev.Message != "" {
			s.Message = ev.Message
		}
		s.FinishedAt = now

	default:
		return old, false, errors.Errorf("unknown event kind %d", ev.Kind)
	}

	s.UpdatedAt = now
	return &s, true, nil
}
