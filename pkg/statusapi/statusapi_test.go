package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/pkg/config"
	"relay/pkg/metrics"
	"relay/pkg/proc"
	"relay/pkg/queue"
	"relay/pkg/reconcile"
	"relay/pkg/resilience"
	"relay/pkg/runs"
	"relay/pkg/session"
	"relay/pkg/tracker"
)

type memLedger struct {
	mu     sync.Mutex
	events []runs.Event
}

func (l *memLedger) Append(_ context.Context, ev runs.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *memLedger) Unterminated(context.Context) ([]runs.UntermRun, error) {
	return nil, nil
}

type fakeQueues struct {
	statuses []queue.Status
}

func (f *fakeQueues) Statuses() []queue.Status { return f.statuses }

func newTestTracker(t *testing.T) (*tracker.Tracker, *proc.Fake) {
	t.Helper()
	procs := proc.NewFake()
	return tracker.New(&memLedger{}, procs, metrics.Nop(), tracker.DefaultConfig()), procs
}

func TestHandleHealth(t *testing.T) {
	server := NewServer(nil, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	server.handleHealth(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var response map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "ok", response["status"])
	assert.Equal(t, "dev", response["version"])
}

func TestHandleStatusEmpty(t *testing.T) {
	server := NewServer(nil, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	server.handleStatus(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var response StatusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Empty(t, response.Queues)
	assert.Empty(t, response.ActiveRuns)
	assert.Empty(t, response.Breakers)
	assert.Zero(t, response.Reconcile.TotalRuns)
}

func TestHandleStatusPopulated(t *testing.T) {
	trk, procs := newTestTracker(t)
	ctx := context.Background()
	require.NoError(t, trk.StartRun(ctx, "run-1", "dev", "ELLIE-1"))
	require.NoError(t, trk.StartRun(ctx, "run-2", "writer", ""))

	led := &memLedger{}
	rec := reconcile.New(trk, led, session.Nop(), procs, metrics.Nop(), config.ReconcilerConfig{})
	rec.ReconcileOnce(ctx, false)

	breakers := resilience.NewRegistry(nil)
	breakers.Get("anthropic")

	queues := &fakeQueues{statuses: []queue.Status{{
		Queue:       "telegram",
		Busy:        true,
		QueueLength: 2,
		Queued:      []queue.QueuedItem{},
	}}}

	server := NewServer(queues, trk, rec, breakers)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	server.handleStatus(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var response StatusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))

	require.Len(t, response.Queues, 1)
	assert.Equal(t, "telegram", response.Queues[0].Queue)
	assert.True(t, response.Queues[0].Busy)

	require.Len(t, response.ActiveRuns, 2)
	assert.Equal(t, "run-1", response.ActiveRuns[0].RunID)
	assert.Equal(t, "run-2", response.ActiveRuns[1].RunID)

	assert.Equal(t, resilience.StateClosed, response.Breakers["anthropic"])
	assert.Equal(t, 1, response.Reconcile.TotalRuns)
}

func TestHandleKill(t *testing.T) {
	trk, procs := newTestTracker(t)
	ctx := context.Background()
	require.NoError(t, trk.StartRun(ctx, "run-1", "dev", ""))
	trk.SetRunPID("run-1", 4242)
	procs.SetAlive(4242, true)

	server := NewServer(nil, trk, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/runs/kill?run=run-1", nil)
	w := httptest.NewRecorder()
	server.handleKill(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var response KillResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "run-1", response.Run)
	assert.Equal(t, string(runs.ReasonUserCancel), response.Reason)
	assert.True(t, response.Signaled)
	assert.Equal(t, []int{4242}, procs.Terminated())
}

func TestHandleKillNotFound(t *testing.T) {
	trk, _ := newTestTracker(t)
	server := NewServer(nil, trk, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/runs/kill?run=ghost", nil)
	w := httptest.NewRecorder()
	server.handleKill(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleKillRequiresRunParam(t *testing.T) {
	trk, _ := newTestTracker(t)
	server := NewServer(nil, trk, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/runs/kill", nil)
	w := httptest.NewRecorder()
	server.handleKill(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleMethodNotAllowed(t *testing.T) {
	server := NewServer(nil, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/healthz", nil)
	w := httptest.NewRecorder()
	server.handleHealth(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/status", nil)
	w = httptest.NewRecorder()
	server.handleStatus(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/runs/kill?run=x", nil)
	w = httptest.NewRecorder()
	server.handleKill(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestRegisterRoutes(t *testing.T) {
	trk, _ := newTestTracker(t)
	server := NewServer(&fakeQueues{}, trk, nil, resilience.NewRegistry(nil))

	mux := http.NewServeMux()
	server.RegisterRoutes(mux)

	for _, path := range []string{"/healthz", "/status", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, "GET %s", path)
	}
}

func TestHandleStatusRunOrdering(t *testing.T) {
	trk, _ := newTestTracker(t)
	ctx := context.Background()
	require.NoError(t, trk.StartRun(ctx, "run-b", "dev", ""))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, trk.StartRun(ctx, "run-a", "dev", ""))

	server := NewServer(nil, trk, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	server.handleStatus(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var response StatusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	require.Len(t, response.ActiveRuns, 2)
	assert.Equal(t, "run-b", response.ActiveRuns[0].RunID)
	assert.Equal(t, "run-a", response.ActiveRuns[1].RunID)
}
