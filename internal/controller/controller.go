// Package controller drives the scan session state machine:
// idle -> scanning -> terminal -> idle. It gates launches behind target
// validation and a reachability probe, owns the status poller and schedules
// the reset back to idle once a terminal banner has been shown.
package controller

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/L1nMay/scanconsole/internal/backend"
	"github.com/L1nMay/scanconsole/internal/clock"
	"github.com/L1nMay/scanconsole/internal/logger"
	"github.com/L1nMay/scanconsole/internal/metrics"
	"github.com/L1nMay/scanconsole/internal/model"
	"github.com/L1nMay/scanconsole/internal/poller"
	"github.com/L1nMay/scanconsole/internal/progress"
	"github.com/L1nMay/scanconsole/internal/scan"
	"github.com/L1nMay/scanconsole/internal/session"
	"github.com/L1nMay/scanconsole/internal/storage"
)

const (
	DefaultResetDelay      = 3 * time.Second
	DefaultReachableNotice = 2 * time.Second
	DefaultFailureNotice   = 4 * time.Second

	// sideEffectTimeout bounds fire-and-forget backend calls made after a
	// session finished.
	sideEffectTimeout = 30 * time.Second
)

var (
	ErrInvalidTarget     = errors.New("invalid target")
	ErrInvalidScanType   = errors.New("invalid scan type")
	ErrScanInProgress    = session.ErrScanInProgress
	ErrTargetUnreachable = errors.New("target is not reachable")
	ErrStartRejected     = errors.New("backend rejected scan start")
)

// Backend is everything the controller and its poller call remotely.
type Backend interface {
	poller.Client
	CheckIP(ctx context.Context, target string) (*backend.CheckIPResponse, error)
	StartScan(ctx context.Context, req backend.StartRequest) (*backend.StartResponse, error)
	StoreCVEs(ctx context.Context, req backend.StoreCVEsRequest) (*backend.StoreCVEsResponse, error)
	GenerateReport(ctx context.Context, scanID string) error
}

// Store holds the per-session markers next to the session slot.
type Store interface {
	PurgeStale(maxAge time.Duration) (int, error)
	PutMarker(key string) error
}

// History archives finished sessions.
type History interface {
	AddScanRun(run *model.ScanRun) error
}

type Notifier interface {
	NotifyScanFinished(s model.ScanSession) error
}

type Deps struct {
	Backend     Backend
	Coordinator *session.Coordinator
	Progress    *progress.Manager
	Store       Store
	// History and Notifier are optional.
	History  History
	Notifier Notifier
}

type Options struct {
	ResetDelay      time.Duration
	ReachableNotice time.Duration
	FailureNotice   time.Duration
	Retention       time.Duration
	PollInterval    time.Duration
	MaxPolls        int
	Clock           clock.Clock
	Metrics         *metrics.Metrics
}

type NoticeKind string

const (
	NoticeSuccess NoticeKind = "success"
	NoticeError   NoticeKind = "error"
)

// Notice is a short-lived message shown next to the target input.
type Notice struct {
	Kind      NoticeKind `json:"kind"`
	Text      string     `json:"text"`
	ExpiresAt time.Time  `json:"expires_at"`
}

type Controller struct {
	backend  Backend
	coord    *session.Coordinator
	progress *progress.Manager
	poller   *poller.Poller
	store    Store
	history  History
	notifier Notifier
	clock    clock.Clock
	metrics  *metrics.Metrics

	resetDelay      time.Duration
	reachableNotice time.Duration
	failureNotice   time.Duration
	retention       time.Duration

	// ctx bounds poll loops and side effects; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// startMu serializes launch attempts across the probe and start calls.
	startMu sync.Mutex

	mu         sync.Mutex
	notice     *Notice
	resetTimer *time.Timer
	closed     bool
}

func New(d Deps, opts Options) *Controller {
	if opts.ResetDelay <= 0 {
		opts.ResetDelay = DefaultResetDelay
	}
	if opts.ReachableNotice <= 0 {
		opts.ReachableNotice = DefaultReachableNotice
	}
	if opts.FailureNotice <= 0 {
		opts.FailureNotice = DefaultFailureNotice
	}
	if opts.Retention <= 0 {
		opts.Retention = storage.DefaultRetention
	}
	if opts.Clock == nil {
		opts.Clock = clock.SystemClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		backend:         d.Backend,
		coord:           d.Coordinator,
		progress:        d.Progress,
		store:           d.Store,
		history:         d.History,
		notifier:        d.Notifier,
		clock:           opts.Clock,
		metrics:         opts.Metrics,
		resetDelay:      opts.ResetDelay,
		reachableNotice: opts.ReachableNotice,
		failureNotice:   opts.FailureNotice,
		retention:       opts.Retention,
		ctx:             ctx,
		cancel:          cancel,
	}
	c.poller = poller.New(d.Backend, d.Coordinator, d.Progress, poller.Options{
		Interval:   opts.PollInterval,
		MaxPolls:   opts.MaxPolls,
		Metrics:    opts.Metrics,
		OnTerminal: c.onTerminal,
	})
	return c
}

// Validate runs the target check without side effects.
func (c *Controller) Validate(target string) scan.Validation {
	return scan.ValidateTarget(target)
}

// Start launches a scan. Guard failures leave the controller idle with
// nothing persisted and surface as both an error and a Notice.
func (c *Controller) Start(ctx context.Context, target string, scanType model.ScanType) (model.ScanSession, error) {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	if v := scan.ValidateTarget(target); !v.IsValid {
		return c.reject("invalid_target", errors.Wrap(ErrInvalidTarget, v.Reason))
	}
	if !scanType.Valid() {
		return c.reject("invalid_scan_type", errors.Wrapf(ErrInvalidScanType, "%q", scanType))
	}
	if cur := c.coord.Current(); cur.Status == model.StatusScanning {
		return c.reject("in_progress", errors.Wrapf(ErrScanInProgress, "session %s on %s", cur.ID, cur.Target))
	}

	probe, err := c.backend.CheckIP(ctx, target)
	if err != nil {
		return c.reject("unreachable", errors.Wrapf(ErrTargetUnreachable, "check-ip %s: %v", target, err))
	}
	if !probe.IsReachable {
		msg := probe.Message
		if msg == "" {
			msg = target + " did not answer"
		}
		return c.reject("unreachable", errors.Wrap(ErrTargetUnreachable, msg))
	}
	c.setNotice(NoticeSuccess, "Target "+target+" is reachable", c.reachableNotice)

	started, err := c.backend.StartScan(ctx, backend.StartRequest{ScanType: scanType, Target: target})
	if err != nil {
		return c.reject("start_rejected", errors.Wrap(ErrStartRejected, err.Error()))
	}

	sess := &model.ScanSession{
		ID:        started.ScanID,
		Target:    target,
		ScanType:  scanType,
		StartedAt: started.StartedAt,
	}
	snap, _, err := c.coord.Apply(session.Event{Kind: session.EventStarted, Session: sess})
	if err != nil {
		return c.reject("in_progress", err)
	}

	log := logger.WithSession(snap.ID)
	if err := c.store.PutMarker(storage.MarkerKey("started", snap.ID)); err != nil {
		log.Warnf("put start marker: %v", err)
	}

	// a ticker left over from an earlier session must not block this one
	if id, ok := c.progress.Running(); ok && id != snap.ID {
		c.progress.StopSession(id)
	}
	if err := c.progress.Start(snap.ID, scanType, time.Time{}); err != nil {
		log.Errorf("start progress ticker: %v", err)
	}
	c.poller.Start(c.ctx, snap.ID)
	c.metrics.IncStarted()

	log.Infof("scan started: target=%s type=%s", target, scanType)
	return snap, nil
}

func (c *Controller) reject(reason string, err error) (model.ScanSession, error) {
	c.metrics.IncRejected(reason)
	c.setNotice(NoticeError, err.Error(), c.failureNotice)
	logger.WithField("reason", reason).Warnf("scan start refused: %v", err)
	return c.coord.Current(), err
}

// Mount attaches a view. It sweeps orphaned markers, adopts a resumable
// persisted session and makes sure exactly one ticker and one poll loop
// observe it. Calling it repeatedly is harmless.
func (c *Controller) Mount() (model.ScanSession, error) {
	if n, err := c.store.PurgeStale(c.retention); err != nil {
		logger.Warnf("purge stale markers: %v", err)
	} else if n > 0 {
		logger.Debugf("purged %d stale markers", n)
	}

	snap, outcome, err := c.coord.Restore()
	if err != nil {
		return snap, errors.Wrap(err, "restore session")
	}

	switch outcome {
	case storage.LoadResumable:
		if snap.Status != model.StatusScanning {
			break
		}
		if !snap.Authoritative {
			if err := c.progress.Start(snap.ID, snap.ScanType, snap.StartedAt); err != nil {
				logger.WithSession(snap.ID).Warnf("resume progress ticker: %v", err)
			}
		}
		if _, started := c.poller.Start(c.ctx, snap.ID); started {
			logger.WithSession(snap.ID).Infof("resumed observing scan at %.1f%%", snap.Progress)
		}
	case storage.LoadExpired, storage.LoadCorrupt, storage.LoadTerminal:
		logger.Infof("persisted session was %s, staying idle", outcome)
	}
	return snap, nil
}

// Discard stops observing the current session and returns to idle. The
// backend scan itself keeps running.
func (c *Controller) Discard() model.ScanSession {
	cur := c.coord.Current()
	if cur.ID == "" {
		return cur
	}

	c.poller.Stop(cur.ID)
	c.progress.StopSession(cur.ID)
	snap, applied, err := c.coord.Apply(session.Event{Kind: session.EventReset, SessionID: cur.ID})
	if err != nil {
		logger.WithSession(cur.ID).Errorf("discard session: %v", err)
	}
	if applied {
		logger.WithSession(cur.ID).Infof("session discarded (status was %s)", cur.Status)
	}
	return snap
}

func (c *Controller) Session() model.ScanSession {
	return c.coord.Current()
}

// Notice returns the current message if it has not expired yet.
func (c *Controller) Notice() (Notice, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notice == nil || !c.clock.Now().Before(c.notice.ExpiresAt) {
		return Notice{}, false
	}
	return *c.notice, true
}

func (c *Controller) setNotice(kind NoticeKind, text string, ttl time.Duration) {
	c.mu.Lock()
	c.notice = &Notice{Kind: kind, Text: text, ExpiresAt: c.clock.Now().Add(ttl)}
	c.mu.Unlock()
}

func (c *Controller) Subscribe() chan model.ScanSession {
	return c.coord.Subscribe()
}

func (c *Controller) Unsubscribe(ch chan model.ScanSession) {
	c.coord.Unsubscribe(ch)
}

// Close stops poll loops and waits for pending side effects. A running
// session stays persisted together with its progress record so the next
// start resumes it.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	if c.resetTimer != nil {
		c.resetTimer.Stop()
	}
	c.mu.Unlock()

	c.poller.StopAll()
	c.progress.Close()
	c.wg.Wait()
	c.cancel()
}

// onTerminal runs on the poll loop goroutine right after the session reached
// a terminal status.
func (c *Controller) onTerminal(s model.ScanSession) {
	log := logger.WithSession(s.ID)
	log.Infof("scan finished: status=%s open_ports=%d vulns=%d",
		s.Status, s.Statistics.OpenPortsFound, s.Statistics.VulnerabilitiesFound.Total())
	c.metrics.IncFinished(string(s.Status))

	if c.history != nil {
		if err := c.history.AddScanRun(model.RunFromSession(s)); err != nil {
			log.Errorf("archive scan run: %v", err)
		}
	}

	if c.notifier != nil {
		c.goBackground(func(context.Context) {
			if err := c.notifier.NotifyScanFinished(s); err != nil {
				log.Warnf("notify: %v", err)
			}
		})
	}

	if s.Status == model.StatusCompleted && s.Results != nil && len(s.Results.Vulnerabilities) > 0 {
		c.goBackground(func(ctx context.Context) { c.archiveCVEs(ctx, s) })
	}

	c.scheduleReset(s.ID)
}

// archiveCVEs stores the discovered CVEs on the backend and then asks for a
// report. Failures are logged only.
func (c *Controller) archiveCVEs(ctx context.Context, s model.ScanSession) {
	log := logger.WithSession(s.ID)

	resp, err := c.backend.StoreCVEs(ctx, backend.StoreCVEsRequest{
		ScanID:          s.ID,
		Target:          s.Target,
		Vulnerabilities: s.Results.Vulnerabilities,
	})
	if err != nil {
		log.Warnf("store cves: %v", err)
		return
	}
	log.Infof("stored %d cves", resp.StoredCount)

	if err := c.backend.GenerateReport(ctx, s.ID); err != nil {
		log.Warnf("generate report: %v", err)
	}
}

func (c *Controller) goBackground(fn func(ctx context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, sideEffectTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (c *Controller) scheduleReset(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.resetTimer != nil {
		c.resetTimer.Stop()
	}
	c.resetTimer = time.AfterFunc(c.resetDelay, func() { c.resetToIdle(id) })
}

// resetToIdle clears a finished session. A session started in the meantime
// has a different id and is left alone.
func (c *Controller) resetToIdle(id string) {
	_, applied, err := c.coord.Apply(session.Event{Kind: session.EventReset, SessionID: id})
	if err != nil {
		logger.WithSession(id).Errorf("reset session: %v", err)
		return
	}
	if !applied {
		return
	}
	c.progress.StopSession(id)
	if _, err := c.store.PurgeStale(c.retention); err != nil {
		logger.WithSession(id).Warnf("purge markers: %v", err)
	}
	logger.WithSession(id).Debugf("session reset to idle")
}
