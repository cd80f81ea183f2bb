// Package session owns the canonical state of the single active scan. Every
// writer (progress ticker, status poller, controller) funnels its change
// through Coordinator.Apply, which runs Reduce, persists the result and
// notifies subscribers.
package session

import (
	"sync"

	"github.com/L1nMay/scanconsole/internal/clock"
	"github.com/L1nMay/scanconsole/internal/logger"
	"github.com/L1nMay/scanconsole/internal/model"
	"github.com/L1nMay/scanconsole/internal/storage"
)

// Store is the serialization boundary the coordinator writes through.
type Store interface {
	SaveSession(s *model.ScanSession) error
	LoadSession() (*model.ScanSession, storage.LoadOutcome, error)
	ClearSession() error
}

type Coordinator struct {
	mu      sync.Mutex
	store   Store
	hub     *Hub
	clock   clock.Clock
	current *model.ScanSession
}

func NewCoordinator(store Store, clk clock.Clock) *Coordinator {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Coordinator{store: store, hub: NewHub(), clock: clk}
}

func snapshot(s *model.ScanSession) model.ScanSession {
	if s == nil {
		return model.IdleSession()
	}
	return *s
}

// Apply reduces ev into the current state. The returned snapshot is the state
// after the event; applied is false when the event was ignored.
func (c *Coordinator) Apply(ev Event) (model.ScanSession, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, changed, err := Reduce(c.current, ev, c.clock.Now())
	if err != nil || !changed {
		return snapshot(c.current), false, err
	}
	c.current = next
	c.persist(ev)

	snap := snapshot(next)
	c.hub.Publish(snap)
	return snap, true, nil
}

// persist mirrors c.current into the store. Failed, cancelled and
// file-missing sessions have nothing worth keeping and are cleared at once;
// completed sessions stay until the idle reset.
func (c *Coordinator) persist(ev Event) {
	var err error
	switch {
	case c.current == nil:
		err = c.store.ClearSession()
	case c.current.Status.Terminal() && c.current.Status != model.StatusCompleted:
		err = c.store.ClearSession()
	default:
		err = c.store.SaveSession(c.current)
	}
	if err != nil {
		logger.WithField("event", ev.Kind.String()).Errorf("persist session: %v", err)
	}
}

// Forget clears the persisted copy while keeping the in-memory snapshot, used
// when a scan vanished from the backend.
func (c *Coordinator) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.current.ID != id {
		return
	}
	if err := c.store.ClearSession(); err != nil {
		logger.WithSession(id).Errorf("clear session: %v", err)
	}
}

// Restore adopts a persisted session when nothing is tracked in memory yet.
// A finished session found on disk is reported as storage.LoadTerminal and
// never replayed.
func (c *Coordinator) Restore() (model.ScanSession, storage.LoadOutcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		outcome := storage.LoadResumable
		if c.current.Status.Terminal() {
			outcome = storage.LoadTerminal
		}
		return snapshot(c.current), outcome, nil
	}

	s, outcome, err := c.store.LoadSession()
	if err != nil {
		return model.IdleSession(), storage.LoadEmpty, err
	}
	if outcome != storage.LoadResumable {
		return model.IdleSession(), outcome, nil
	}

	c.current = s
	snap := snapshot(s)
	c.hub.Publish(snap)
	return snap, outcome, nil
}

func (c *Coordinator) Current() model.ScanSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return snapshot(c.current)
}

// IsActive reports whether id is the tracked session and still scanning.
func (c *Coordinator) IsActive(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil && c.current.ID == id && c.current.Status == model.StatusScanning
}

func (c *Coordinator) Subscribe() chan model.ScanSession {
	return c.hub.Subscribe()
}

func (c *Coordinator) Unsubscribe(ch chan model.ScanSession) {
	c.hub.Unsubscribe(ch)
}
