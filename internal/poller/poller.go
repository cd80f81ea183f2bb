// Package poller follows a running backend scan until it reaches a terminal
// state. Each loop is a cancellable task owned by a Handle; at most one loop
// runs per session id.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/L1nMay/scanconsole/internal/backend"
	"github.com/L1nMay/scanconsole/internal/logger"
	"github.com/L1nMay/scanconsole/internal/metrics"
	"github.com/L1nMay/scanconsole/internal/model"
	"github.com/L1nMay/scanconsole/internal/scan"
	"github.com/L1nMay/scanconsole/internal/session"
)

const (
	DefaultInterval = 5 * time.Second
	// DefaultMaxPolls is about two hours at the default interval.
	DefaultMaxPolls = 1440
)

// Client is the slice of the backend API the poller needs.
type Client interface {
	ScanStatus(ctx context.Context, scanID string) (*backend.StatusResponse, error)
	StoredResults(ctx context.Context, target string) (*model.Results, error)
}

type Coordinator interface {
	Apply(ev session.Event) (model.ScanSession, bool, error)
	Current() model.ScanSession
	IsActive(id string) bool
	Forget(id string)
}

// ProgressStopper is satisfied by *progress.Manager.
type ProgressStopper interface {
	StopSession(sessionID string)
}

type Outcome int

const (
	OutcomeRunning Outcome = iota
	// OutcomeTerminal: the backend reported a terminal status.
	OutcomeTerminal
	// OutcomeNotFound: the backend forgot the scan; stored results were used.
	OutcomeNotFound
	// OutcomeTimeout: the poll ceiling was reached and the session failed.
	OutcomeTimeout
	// OutcomeCancelled: the handle was cancelled.
	OutcomeCancelled
	// OutcomeSuperseded: the session stopped being the active one.
	OutcomeSuperseded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRunning:
		return "running"
	case OutcomeTerminal:
		return "terminal"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeSuperseded:
		return "superseded"
	}
	return "unknown"
}

// Handle controls one poll loop.
type Handle struct {
	id      string
	cancel  context.CancelFunc
	done    chan struct{}
	outcome Outcome
}

func (h *Handle) ID() string { return h.id }

// Cancel asks the loop to stop; it returns without waiting.
func (h *Handle) Cancel() { h.cancel() }

func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the loop exits and reports why it did.
func (h *Handle) Wait() Outcome {
	<-h.done
	return h.outcome
}

type Options struct {
	Interval time.Duration
	MaxPolls int
	Metrics  *metrics.Metrics
	// OnTerminal runs on the loop goroutine after a terminal transition was
	// applied. It must not call Stop for the same session.
	OnTerminal func(s model.ScanSession)
}

type Poller struct {
	client     Client
	coord      Coordinator
	progress   ProgressStopper
	interval   time.Duration
	maxPolls   int
	metrics    *metrics.Metrics
	onTerminal func(model.ScanSession)

	mu    sync.Mutex
	loops map[string]*Handle
}

func New(client Client, coord Coordinator, progress ProgressStopper, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxPolls <= 0 {
		opts.MaxPolls = DefaultMaxPolls
	}
	return &Poller{
		client:     client,
		coord:      coord,
		progress:   progress,
		interval:   opts.Interval,
		maxPolls:   opts.MaxPolls,
		metrics:    opts.Metrics,
		onTerminal: opts.OnTerminal,
		loops:      make(map[string]*Handle),
	}
}

// Start launches the poll loop for sessionID under ctx. When a loop for the
// id already runs its handle is returned with started=false.
func (p *Poller) Start(ctx context.Context, sessionID string) (h *Handle, started bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.loops[sessionID]; ok {
		return h, false
	}

	loopCtx, cancel := context.WithCancel(ctx)
	h = &Handle{id: sessionID, cancel: cancel, done: make(chan struct{})}
	p.loops[sessionID] = h

	p.metrics.PollerStarted()
	go p.run(loopCtx, h)
	return h, true
}

// Stop cancels the loop for sessionID and waits for it to exit.
func (p *Poller) Stop(sessionID string) {
	p.mu.Lock()
	h := p.loops[sessionID]
	p.mu.Unlock()

	if h == nil {
		return
	}
	h.Cancel()
	<-h.done
}

// StopAll cancels every loop and waits for them.
func (p *Poller) StopAll() {
	p.mu.Lock()
	handles := make([]*Handle, 0, len(p.loops))
	for _, h := range p.loops {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
	for _, h := range handles {
		<-h.done
	}
}

func (p *Poller) Active(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.loops[sessionID]
	return ok
}

func (p *Poller) run(ctx context.Context, h *Handle) {
	log := logger.WithSession(h.id)
	defer func() {
		h.cancel()
		p.mu.Lock()
		if p.loops[h.id] == h {
			delete(p.loops, h.id)
		}
		p.mu.Unlock()
		p.metrics.PollerStopped()
		log.Infof("poll loop finished: %s", h.outcome)
		close(h.done)
	}()

	var b backoff.BackOff = backoff.WithMaxRetries(backoff.NewConstantBackOff(p.interval), uint64(p.maxPolls-1))
	b = backoff.WithContext(b, ctx)
	b.Reset()

	log.Infof("poll loop started (interval=%s, max=%d)", p.interval, p.maxPolls)

	for polls := 1; ; polls++ {
		if !p.coord.IsActive(h.id) {
			h.outcome = OutcomeSuperseded
			return
		}

		if out := p.pollOnce(ctx, h.id); out != OutcomeRunning {
			h.outcome = out
			return
		}

		next := b.NextBackOff()
		if next == backoff.Stop {
			if ctx.Err() != nil {
				h.outcome = OutcomeCancelled
				return
			}
			log.Warnf("no terminal status after %d polls, giving up", polls)
			p.finish(h.id, session.Event{
				Kind:      session.EventTerminal,
				SessionID: h.id,
				Status:    model.StatusFailed,
				Message:   fmt.Sprintf("scan timed out: no terminal status after %d status checks", polls),
			}, false)
			h.outcome = OutcomeTimeout
			return
		}

		t := time.NewTimer(next)
		select {
		case <-ctx.Done():
			t.Stop()
			h.outcome = OutcomeCancelled
			return
		case <-t.C:
		}
	}
}

// pollOnce performs one status request and applies what it learned.
func (p *Poller) pollOnce(ctx context.Context, id string) Outcome {
	log := logger.WithSession(id)

	resp, err := p.client.ScanStatus(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeCancelled
		}
		if errors.Is(err, backend.ErrScanNotFound) {
			p.metrics.IncPoll(metrics.PollNotFound)
			p.recoverVanished(ctx, id)
			return OutcomeNotFound
		}
		p.metrics.IncPoll(metrics.PollTransient)
		log.Warnf("status poll failed, retrying: %v", err)
		return OutcomeRunning
	}
	p.metrics.IncPoll(metrics.PollOK)

	status, terminal := mapStatus(resp.Status)
	if !terminal {
		if resp.Status != "running" && resp.Status != "pending" {
			log.Debugf("unknown backend status %q treated as running", resp.Status)
		}
		p.update(id, resp)
		return OutcomeRunning
	}

	ev := session.Event{
		Kind:      session.EventTerminal,
		SessionID: id,
		Status:    status,
		Message:   resp.Message,
	}
	if ev.Message == "" {
		ev.Message = defaultMessage(status)
	}
	withResults(&ev, resp.Results)
	p.finish(id, ev, false)
	return OutcomeTerminal
}

// update applies a non-terminal response. Any result payload is a stronger
// signal than the backend's own progress, so it overrides the ticker.
func (p *Poller) update(id string, resp *backend.StatusResponse) {
	ev := session.Event{
		Kind:      session.EventPollUpdate,
		SessionID: id,
		Message:   resp.Message,
	}
	if resp.Progress != nil {
		ev.Progress = *resp.Progress
	}
	withResults(&ev, resp.Results)

	if _, _, err := p.coord.Apply(ev); err != nil {
		logger.WithSession(id).Errorf("apply poll update: %v", err)
	}
	if ev.Results != nil {
		p.progress.StopSession(id)
	}
}

// recoverVanished handles a scan the backend no longer knows: it most likely
// finished while nobody was watching, so whatever results the backend stored
// for the target are shown instead.
func (p *Poller) recoverVanished(ctx context.Context, id string) {
	log := logger.WithSession(id)
	p.progress.StopSession(id)

	target := p.coord.Current().Target
	res, err := p.client.StoredResults(ctx, target)
	if err != nil {
		log.Warnf("load stored results for %s: %v", target, err)
	}

	ev := session.Event{
		Kind:      session.EventTerminal,
		SessionID: id,
		Status:    model.StatusCompleted,
		Message:   "scan finished while unobserved; showing stored results",
	}
	if !res.Available() {
		ev.Message = "scan finished while unobserved; no stored results found"
	}
	withResults(&ev, res)
	p.finish(id, ev, true)
}

func (p *Poller) finish(id string, ev session.Event, forget bool) {
	snap, applied, err := p.coord.Apply(ev)
	if err != nil {
		logger.WithSession(id).Errorf("apply terminal status: %v", err)
	}
	p.progress.StopSession(id)
	if forget {
		p.coord.Forget(id)
	}
	if applied && p.onTerminal != nil {
		p.onTerminal(snap)
	}
}

func withResults(ev *session.Event, res *model.Results) {
	if !res.Available() {
		return
	}
	stats := scan.Aggregate(res)
	ev.Results = res
	ev.Statistics = &stats
}

// mapStatus translates a backend status. Anything unrecognised is treated as
// still running so the ceiling eventually decides.
func mapStatus(s string) (model.Status, bool) {
	switch s {
	case "completed":
		return model.StatusCompleted, true
	case "completed_file_missing":
		return model.StatusCompletedFileMissing, true
	case "failed":
		return model.StatusFailed, true
	case "cancelled":
		return model.StatusCancelled, true
	}
	return model.StatusScanning, false
}

func defaultMessage(s model.Status) string {
	switch s {
	case model.StatusCompleted:
		return "scan completed"
	case model.StatusCompletedFileMissing:
		return "scan completed but the result file is missing"
	case model.StatusFailed:
		return "scan failed"
	case model.StatusCancelled:
		return "scan cancelled"
	}
	return ""
}
