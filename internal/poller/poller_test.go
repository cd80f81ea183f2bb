package poller

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/L1nMay/scanconsole/internal/backend"
	"github.com/L1nMay/scanconsole/internal/clock"
	"github.com/L1nMay/scanconsole/internal/metrics"
	"github.com/L1nMay/scanconsole/internal/model"
	"github.com/L1nMay/scanconsole/internal/progress"
	"github.com/L1nMay/scanconsole/internal/session"
	"github.com/L1nMay/scanconsole/internal/storage"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type step struct {
	resp *backend.StatusResponse
	err  error
}

// scriptedClient replays steps in order and repeats the last one forever.
type scriptedClient struct {
	mu      sync.Mutex
	steps   []step
	calls   int
	stored  *model.Results
	targets []string
}

func (c *scriptedClient) ScanStatus(ctx context.Context, scanID string) (*backend.StatusResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls
	if i >= len(c.steps) {
		i = len(c.steps) - 1
	}
	c.calls++
	return c.steps[i].resp, c.steps[i].err
}

func (c *scriptedClient) StoredResults(ctx context.Context, target string) (*model.Results, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets = append(c.targets, target)
	return c.stored, nil
}

func (c *scriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func running(p float64) step {
	return step{resp: &backend.StatusResponse{Status: "running", Progress: &p}}
}

func withVulns() *model.Results {
	return &model.Results{
		Services: []model.Service{
			{Host: "10.0.0.5", Port: 22, Protocol: "tcp", Name: "ssh", State: "open"},
			{Host: "10.0.0.5", Port: 80, Protocol: "tcp", Name: "http", State: "open"},
		},
		Vulnerabilities: []model.Vulnerability{
			{CVEID: "CVE-2024-6387", Severity: "critical"},
			{CVEID: "CVE-2023-0001", Severity: "medium"},
		},
		Summary: &model.Summary{PortsScanned: 100, OpenPorts: 2},
	}
}

type fixture struct {
	clk      *clock.Fake
	store    *storage.Storage
	coord    *session.Coordinator
	progress *progress.Manager
	client   *scriptedClient
	poller   *Poller
	metrics  *metrics.Metrics

	mu        sync.Mutex
	terminals []model.ScanSession
}

func newFixture(t *testing.T, client *scriptedClient, maxPolls int) *fixture {
	t.Helper()
	clk := clock.NewFake(t0)
	st, err := storage.NewStorage(filepath.Join(t.TempDir(), "poller.db"), storage.WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	m := metrics.New(prometheus.NewRegistry())

	f := &fixture{clk: clk, store: st, client: client, metrics: m}
	f.coord = session.NewCoordinator(st, clk)
	f.progress = progress.NewManager(st, f.coord, progress.Options{Interval: time.Hour, Clock: clk, Metrics: m})
	t.Cleanup(f.progress.Stop)

	f.poller = New(client, f.coord, f.progress, Options{
		Interval: 5 * time.Millisecond,
		MaxPolls: maxPolls,
		Metrics:  m,
		OnTerminal: func(s model.ScanSession) {
			f.mu.Lock()
			f.terminals = append(f.terminals, s)
			f.mu.Unlock()
		},
	})
	t.Cleanup(f.poller.StopAll)
	return f
}

func (f *fixture) begin(t *testing.T, id string) {
	t.Helper()
	_, _, err := f.coord.Apply(session.Event{Kind: session.EventStarted, Session: &model.ScanSession{
		ID: id, Target: "10.0.0.5", ScanType: model.ScanLight,
	}})
	require.NoError(t, err)
	require.NoError(t, f.progress.Start(id, model.ScanLight, time.Time{}))
}

func (f *fixture) terminalCalls() []model.ScanSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.ScanSession(nil), f.terminals...)
}

func TestStartIsSingleFlight(t *testing.T) {
	f := newFixture(t, &scriptedClient{steps: []step{running(5)}}, 0)
	f.begin(t, "a")

	h1, started := f.poller.Start(context.Background(), "a")
	require.True(t, started)
	h2, started := f.poller.Start(context.Background(), "a")
	assert.False(t, started)
	assert.Same(t, h1, h2)
	assert.True(t, f.poller.Active("a"))

	h1.Cancel()
	assert.Equal(t, OutcomeCancelled, h1.Wait())
	assert.False(t, f.poller.Active("a"))
}

func TestResultsOverrideSyntheticProgress(t *testing.T) {
	client := &scriptedClient{steps: []step{
		running(10),
		{resp: &backend.StatusResponse{Status: "running", Results: withVulns()}},
	}}
	f := newFixture(t, client, 0)
	f.begin(t, "a")

	f.clk.Advance(9 * time.Second)
	f.progress.Tick()
	require.InDelta(t, 19.0, f.coord.Current().Progress, 1e-9)

	h, _ := f.poller.Start(context.Background(), "a")
	t.Cleanup(h.Cancel)

	require.Eventually(t, func() bool {
		return f.coord.Current().Progress == 100
	}, 2*time.Second, 5*time.Millisecond)

	cur := f.coord.Current()
	assert.True(t, cur.Authoritative)
	assert.Equal(t, model.StatusScanning, cur.Status)
	assert.Equal(t, 2, cur.Statistics.OpenPortsFound)
	assert.Equal(t, 2, cur.Statistics.ServicesFound)
	assert.Equal(t, 100, cur.Statistics.PortsScanned)
	assert.Equal(t, model.VulnerabilityCounts{Critical: 1, Medium: 1}, cur.Statistics.VulnerabilitiesFound)

	_, ticking := f.progress.Running()
	assert.False(t, ticking)
	_, ok, err := f.store.LoadProgress("a")
	require.NoError(t, err)
	assert.False(t, ok)

	// a late synthetic tick changes nothing
	f.progress.Tick()
	assert.Equal(t, 100.0, f.coord.Current().Progress)
}

func TestBackendProgressIsMonotonic(t *testing.T) {
	client := &scriptedClient{steps: []step{running(40), running(25), running(30)}}
	f := newFixture(t, client, 3)
	f.begin(t, "a")

	ch := f.coord.Subscribe()
	defer f.coord.Unsubscribe(ch)

	h, _ := f.poller.Start(context.Background(), "a")
	require.Equal(t, OutcomeTimeout, h.Wait())
	assert.Equal(t, 3, client.Calls())

	var seen []float64
	for len(ch) > 0 {
		seen = append(seen, (<-ch).Progress)
	}
	require.NotEmpty(t, seen)
	assert.Equal(t, 40.0, seen[0])
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1])
	}
	assert.Equal(t, model.StatusFailed, f.coord.Current().Status)
}

func TestCompletedKeepsSessionUntilReset(t *testing.T) {
	client := &scriptedClient{steps: []step{
		running(50),
		{resp: &backend.StatusResponse{Status: "completed", Results: withVulns()}},
	}}
	f := newFixture(t, client, 0)
	f.begin(t, "a")

	h, _ := f.poller.Start(context.Background(), "a")
	require.Equal(t, OutcomeTerminal, h.Wait())

	cur := f.coord.Current()
	assert.Equal(t, model.StatusCompleted, cur.Status)
	assert.Equal(t, 100.0, cur.Progress)
	assert.Equal(t, "scan completed", cur.Message)
	assert.Equal(t, 2, cur.Statistics.VulnerabilitiesFound.Total())

	terms := f.terminalCalls()
	require.Len(t, terms, 1)
	assert.Equal(t, model.StatusCompleted, terms[0].Status)

	_, ticking := f.progress.Running()
	assert.False(t, ticking)

	// persisted until the idle reset, but never resumable
	_, outcome, err := f.store.LoadSession()
	require.NoError(t, err)
	assert.Equal(t, storage.LoadTerminal, outcome)
}

func TestFailureStatusesClearPersistedSession(t *testing.T) {
	for _, tc := range []struct {
		backend string
		want    model.Status
	}{
		{"failed", model.StatusFailed},
		{"cancelled", model.StatusCancelled},
		{"completed_file_missing", model.StatusCompletedFileMissing},
	} {
		t.Run(tc.backend, func(t *testing.T) {
			client := &scriptedClient{steps: []step{
				{resp: &backend.StatusResponse{Status: tc.backend, Message: "backend says " + tc.backend}},
			}}
			f := newFixture(t, client, 0)
			f.begin(t, "a")

			h, _ := f.poller.Start(context.Background(), "a")
			require.Equal(t, OutcomeTerminal, h.Wait())

			cur := f.coord.Current()
			assert.Equal(t, tc.want, cur.Status)
			assert.Equal(t, "backend says "+tc.backend, cur.Message)

			_, outcome, err := f.store.LoadSession()
			require.NoError(t, err)
			assert.Equal(t, storage.LoadEmpty, outcome)
		})
	}
}

func TestNotFoundFallsBackToStoredResults(t *testing.T) {
	client := &scriptedClient{
		steps:  []step{{err: errors.Wrap(backend.ErrScanNotFound, "scan a")}},
		stored: withVulns(),
	}
	f := newFixture(t, client, 0)
	f.begin(t, "a")

	h, _ := f.poller.Start(context.Background(), "a")
	require.Equal(t, OutcomeNotFound, h.Wait())

	cur := f.coord.Current()
	assert.Equal(t, model.StatusCompleted, cur.Status)
	assert.Equal(t, 100.0, cur.Progress)
	require.NotNil(t, cur.Results)
	assert.Len(t, cur.Results.Vulnerabilities, 2)
	assert.Equal(t, []string{"10.0.0.5"}, client.targets)

	_, outcome, err := f.store.LoadSession()
	require.NoError(t, err)
	assert.Equal(t, storage.LoadEmpty, outcome)
	assert.Len(t, f.terminalCalls(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PollsTotal.WithLabelValues(metrics.PollNotFound)))
}

func TestTransientErrorsAreRetried(t *testing.T) {
	client := &scriptedClient{steps: []step{
		{err: errors.New("connection refused")},
		{err: errors.New("connection reset")},
		{resp: &backend.StatusResponse{Status: "completed"}},
	}}
	f := newFixture(t, client, 0)
	f.begin(t, "a")

	h, _ := f.poller.Start(context.Background(), "a")
	require.Equal(t, OutcomeTerminal, h.Wait())
	assert.Equal(t, 3, client.Calls())
	assert.Equal(t, model.StatusCompleted, f.coord.Current().Status)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.PollsTotal.WithLabelValues(metrics.PollTransient)))
}

func TestCeilingFailsSession(t *testing.T) {
	client := &scriptedClient{steps: []step{{err: errors.New("timeout")}}}
	f := newFixture(t, client, 4)
	f.begin(t, "a")

	h, _ := f.poller.Start(context.Background(), "a")
	require.Equal(t, OutcomeTimeout, h.Wait())
	assert.Equal(t, 4, client.Calls())

	cur := f.coord.Current()
	assert.Equal(t, model.StatusFailed, cur.Status)
	assert.Contains(t, cur.Message, "timed out")
	require.Len(t, f.terminalCalls(), 1)
}

func TestLoopExitsWhenSessionReplaced(t *testing.T) {
	client := &scriptedClient{steps: []step{running(5)}}
	f := newFixture(t, client, 0)
	f.begin(t, "a")

	h, _ := f.poller.Start(context.Background(), "a")
	require.Eventually(t, func() bool { return client.Calls() > 0 }, time.Second, time.Millisecond)

	_, _, err := f.coord.Apply(session.Event{Kind: session.EventReset, SessionID: "a"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuperseded, h.Wait())
	assert.Empty(t, f.terminalCalls())
}

func TestParentContextCancelsLoop(t *testing.T) {
	f := newFixture(t, &scriptedClient{steps: []step{running(5)}}, 0)
	f.begin(t, "a")

	ctx, cancel := context.WithCancel(context.Background())
	h, _ := f.poller.Start(ctx, "a")
	cancel()
	assert.Equal(t, OutcomeCancelled, h.Wait())
	assert.Equal(t, model.StatusScanning, f.coord.Current().Status)
}
