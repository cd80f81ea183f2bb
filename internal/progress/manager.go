// Package progress animates synthetic scan progress while the backend has not
// reported anything authoritative yet. One Manager exists per process and its
// ticker outlives any view attached to it.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/L1nMay/scanconsole/internal/clock"
	"github.com/L1nMay/scanconsole/internal/logger"
	"github.com/L1nMay/scanconsole/internal/metrics"
	"github.com/L1nMay/scanconsole/internal/model"
	"github.com/L1nMay/scanconsole/internal/scan"
	"github.com/L1nMay/scanconsole/internal/session"
)

const DefaultInterval = 500 * time.Millisecond

var ErrTickerBusy = errors.New("progress ticker already running for another session")

type Store interface {
	SaveProgress(gp model.GlobalProgress) error
	LoadProgress(sessionID string) (*model.GlobalProgress, bool, error)
	DeleteProgress(sessionID string) error
}

// Sink receives synthetic progress events; the session coordinator in practice.
type Sink interface {
	Apply(ev session.Event) (model.ScanSession, bool, error)
}

type Options struct {
	Interval time.Duration
	Clock    clock.Clock
	Metrics  *metrics.Metrics
}

type ticker struct {
	rec    model.GlobalProgress
	cancel context.CancelFunc
	done   chan struct{}
}

type Manager struct {
	store    Store
	sink     Sink
	clock    clock.Clock
	interval time.Duration
	metrics  *metrics.Metrics

	mu     sync.Mutex
	active *ticker
}

func NewManager(store Store, sink Sink, opts Options) *Manager {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.SystemClock{}
	}
	return &Manager{
		store:    store,
		sink:     sink,
		clock:    opts.Clock,
		interval: opts.Interval,
		metrics:  opts.Metrics,
	}
}

// Start begins ticking for sessionID. It is a no-op when the ticker already
// runs for the same id and fails with ErrTickerBusy for any other id.
//
// A stored GlobalProgress record for the id wins over startedAt, so a view
// that comes back after navigation or a restart resumes the same curve
// instead of restarting from zero. A zero startedAt means now.
func (m *Manager) Start(sessionID string, scanType model.ScanType, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		if m.active.rec.SessionID == sessionID {
			return nil
		}
		return errors.Wrapf(ErrTickerBusy, "active=%s requested=%s", m.active.rec.SessionID, sessionID)
	}

	if startedAt.IsZero() {
		startedAt = m.clock.Now()
	}
	rec := model.GlobalProgress{
		SessionID: sessionID,
		ScanType:  scanType,
		StartTime: startedAt,
		IsActive:  true,
	}

	prev, ok, err := m.store.LoadProgress(sessionID)
	if err != nil {
		logger.WithSession(sessionID).Warnf("load progress record: %v", err)
	}
	if ok {
		rec.StartTime = prev.StartTime
		rec.CurrentProgress = prev.CurrentProgress
	}

	if err := m.store.SaveProgress(rec); err != nil {
		return errors.Wrap(err, "save progress record")
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &ticker{rec: rec, cancel: cancel, done: make(chan struct{})}
	m.active = t
	go m.run(ctx, t)

	logger.WithSession(sessionID).Infof("progress ticker started (type=%s, resumed=%t)", scanType, ok)
	return nil
}

func (m *Manager) run(ctx context.Context, t *ticker) {
	defer close(t.done)

	tk := time.NewTicker(m.interval)
	defer tk.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			m.Tick()
		}
	}
}

// Tick advances the active ticker once. Exported so tests can drive the
// curve with a fake clock instead of waiting on the interval.
func (m *Manager) Tick() {
	m.mu.Lock()
	t := m.active
	if t == nil {
		m.mu.Unlock()
		return
	}
	p := scan.ResumeProgress(t.rec, m.clock.Now())
	t.rec.CurrentProgress = p
	rec := t.rec
	if err := m.store.SaveProgress(rec); err != nil {
		logger.WithSession(rec.SessionID).Errorf("save progress record: %v", err)
	}
	m.mu.Unlock()

	m.metrics.SetSynthetic(p)
	if _, _, err := m.sink.Apply(session.Event{
		Kind:      session.EventSynthetic,
		SessionID: rec.SessionID,
		Progress:  p,
	}); err != nil {
		logger.WithSession(rec.SessionID).Errorf("apply synthetic progress: %v", err)
	}
}

// CurrentProgress recovers the in-flight percentage for a view that mounts
// while the ticker (or a previous process) is already tracking sessionID.
func (m *Manager) CurrentProgress(sessionID string) (float64, bool) {
	now := m.clock.Now()

	m.mu.Lock()
	if t := m.active; t != nil && t.rec.SessionID == sessionID {
		rec := t.rec
		m.mu.Unlock()
		return scan.ResumeProgress(rec, now), true
	}
	m.mu.Unlock()

	rec, ok, err := m.store.LoadProgress(sessionID)
	if err != nil || !ok {
		return 0, false
	}
	return scan.ResumeProgress(*rec, now), true
}

// Running returns the session id the ticker currently serves.
func (m *Manager) Running() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return "", false
	}
	return m.active.rec.SessionID, true
}

// Stop halts the ticker and deletes its GlobalProgress record entirely, so a
// later load cannot mistake it for a running scan.
func (m *Manager) Stop() {
	m.mu.Lock()
	t := m.active
	m.active = nil
	m.mu.Unlock()

	if t == nil {
		return
	}
	m.halt(t)
}

// StopSession stops the ticker only if it serves sessionID; any leftover
// record for that id is deleted either way.
func (m *Manager) StopSession(sessionID string) {
	m.mu.Lock()
	t := m.active
	if t != nil && t.rec.SessionID == sessionID {
		m.active = nil
	} else {
		t = nil
	}
	m.mu.Unlock()

	if t != nil {
		m.halt(t)
		return
	}
	if err := m.store.DeleteProgress(sessionID); err != nil {
		logger.WithSession(sessionID).Errorf("delete progress record: %v", err)
	}
}

// Close stops ticking but keeps the GlobalProgress record, so the next
// process resumes the same curve. Used on shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	t := m.active
	m.active = nil
	m.mu.Unlock()

	if t == nil {
		return
	}
	t.cancel()
	<-t.done
}

func (m *Manager) halt(t *ticker) {
	t.cancel()
	<-t.done
	if err := m.store.DeleteProgress(t.rec.SessionID); err != nil {
		logger.WithSession(t.rec.SessionID).Errorf("delete progress record: %v", err)
	}
	m.metrics.SetSynthetic(0)
	logger.WithSession(t.rec.SessionID).Infof("progress ticker stopped at %.1f%%", t.rec.CurrentProgress)
}
