package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClancyDennis/claude-commander/internal/events"
	"github.com/ClancyDennis/claude-commander/internal/protocol"
)

type fakeStore struct {
	mu      sync.Mutex
	runs    map[string]*RunRecord
	prompts []string
	events  []protocol.OutputEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{runs: make(map[string]*RunRecord)}
}

func (f *fakeStore) CreateRun(rec *RunRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	f.runs[rec.ID] = &cp
	return nil
}

func (f *fakeStore) UpdateRun(rec *RunRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	f.runs[rec.ID] = &cp
	return nil
}

func (f *fakeStore) GetRun(id string) (*RunRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.runs[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) QueryRuns(filter RunFilter) ([]*RunRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*RunRecord
	for _, rec := range f.runs {
		if len(filter.Statuses) > 0 {
			match := false
			for _, st := range filter.Statuses {
				if rec.Status == st {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStore) RecordPrompt(runID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, text)
	return nil
}

func (f *fakeStore) AppendEvent(ev protocol.OutputEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeStore) run(id string) *RunRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[id]
}

func newTestSupervisor(t *testing.T) (*Supervisor, *fakeStore, *events.Bus) {
	t.Helper()
	store := newFakeStore()
	bus := events.New(slog.Default())
	sup := NewSupervisor(store, bus, protocol.NewSessionIndex(), slog.Default(), Options{})
	t.Cleanup(sup.Close)
	return sup, store, bus
}

// insertWorker installs a live worker backed by a real sleeping process so
// process-end handling can be exercised without the worker executable.
func insertWorker(t *testing.T, s *Supervisor, id string) *live {
	t.Helper()
	cmd := exec.Command("sleep", "60")
	stdin, err := cmd.StdinPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())

	w := &live{
		info:     Info{ID: id, Status: StatusIdle},
		cmd:      cmd,
		stdin:    stdin,
		record:   &RunRecord{ID: id, Status: RunRunning, StartedAt: time.Now()},
		turnDone: make(chan TurnOutcome, 4),
	}
	s.mu.Lock()
	s.workers[id] = w
	s.mu.Unlock()
	t.Cleanup(func() { terminateProcess(cmd) })
	return w
}

func parseAndApply(s *Supervisor, w *live, line string) {
	s.applyLine(w, s.parser.ParseLine(w.info.ID, line))
}

func contextWithTimeout(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func stringsReader(s string) io.Reader {
	return strings.NewReader(s)
}

func TestSpawnUnknownExecutable(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)
	sup.opts.Command = "commander-test-no-such-binary"

	_, err := sup.Spawn(t.TempDir(), SpawnOptions{})

	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, "commander-test-no-such-binary", spawnErr.Command)
	assert.Empty(t, sup.List())
}

func TestToolUseSetsProcessing(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)
	w := insertWorker(t, sup, "w1")

	parseAndApply(sup, w, `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{"command":"ls"}}]}}`)

	info, err := sup.Get("w1")
	require.NoError(t, err)
	assert.True(t, info.IsProcessing)
	assert.False(t, info.PendingInput)
	assert.Equal(t, StatusProcessing, info.Status)
	assert.Equal(t, 1, info.Stats.ToolCalls)
}

func TestTurnEndWithoutToolUseRaisesInputRequired(t *testing.T) {
	sup, _, bus := newTestSupervisor(t)
	w := insertWorker(t, sup, "w1")

	var inputRequired []events.Event
	bus.Subscribe(EventInputRequired, func(e events.Event) {
		inputRequired = append(inputRequired, e)
	})

	parseAndApply(sup, w, `{"type":"assistant","message":{"content":[{"type":"text","text":"Done"}],"stop_reason":"end_turn"}}`)

	info, err := sup.Get("w1")
	require.NoError(t, err)
	assert.True(t, info.PendingInput)
	assert.False(t, info.IsProcessing)
	assert.Equal(t, StatusWaitingForInput, info.Status)

	require.Len(t, inputRequired, 1)
	assert.Equal(t, "Done", inputRequired[0].Payload["last_output"])
}

func TestResultSuccessSetsPendingInput(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)
	w := insertWorker(t, sup, "w1")

	parseAndApply(sup, w, `{"type":"result","subtype":"success","result":"ok","total_cost_usd":0.1,"num_turns":2}`)

	info, err := sup.Get("w1")
	require.NoError(t, err)
	assert.True(t, info.PendingInput)
	assert.False(t, info.IsProcessing)
	assert.InDelta(t, 0.1, info.Stats.CostUSD, 1e-9)
	assert.Equal(t, 2, info.Stats.Turns)
}

func TestPlainTextLeavesFlagsUnchanged(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)
	w := insertWorker(t, sup, "w1")

	parseAndApply(sup, w, "hello world")

	info, err := sup.Get("w1")
	require.NoError(t, err)
	assert.False(t, info.IsProcessing)
	assert.False(t, info.PendingInput)
	assert.Equal(t, StatusIdle, info.Status)
	assert.Equal(t, int64(len("hello world")), info.Stats.OutputBytes)
}

func TestModelUsageMergesAdditively(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)
	w := insertWorker(t, sup, "w1")

	line := `{"type":"result","subtype":"success","modelUsage":{"claude-sonnet-4":{"inputTokens":10,"outputTokens":5,"costUSD":0.01}}}`
	parseAndApply(sup, w, line)
	parseAndApply(sup, w, line)

	stats, err := sup.Statistics("w1")
	require.NoError(t, err)
	usage := stats.ModelUsage["claude-sonnet-4"]
	assert.Equal(t, int64(20), usage.InputTokens)
	assert.Equal(t, int64(10), usage.OutputTokens)
	assert.InDelta(t, 0.02, usage.CostUSD, 1e-9)
}

func TestWaitTurnDeliversLastText(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)
	w := insertWorker(t, sup, "w1")

	parseAndApply(sup, w, `{"type":"assistant","message":{"content":[{"type":"text","text":"the plan"}],"stop_reason":"end_turn"}}`)

	ctx, cancel := contextWithTimeout(t)
	defer cancel()
	out, err := sup.WaitTurn(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "the plan", out.Text)
	assert.False(t, out.Failed)
}

func TestProcessCrashFinalizesAsCrashed(t *testing.T) {
	sup, store, _ := newTestSupervisor(t)
	w := insertWorker(t, sup, "w1")

	require.NoError(t, w.cmd.Process.Kill())
	sup.waitProcess(w)

	rec := store.run("w1")
	require.NotNil(t, rec)
	assert.Equal(t, RunCrashed, rec.Status)
	assert.True(t, rec.CanResume)
	assert.NotEmpty(t, rec.Error)
	assert.NotNil(t, rec.EndedAt)
	assert.Empty(t, sup.List(), "crashed worker removed from live table")
}

func TestExplicitStopFinalizesAsStopped(t *testing.T) {
	sup, store, _ := newTestSupervisor(t)
	w := insertWorker(t, sup, "w1")

	require.NoError(t, sup.Stop("w1"))
	require.NoError(t, sup.Stop("w1"), "stop is idempotent")
	sup.waitProcess(w)

	rec := store.run("w1")
	require.NotNil(t, rec)
	assert.Equal(t, RunStopped, rec.Status)
	assert.False(t, rec.CanResume)
}

func TestSendInputUnknownWorker(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)

	err := sup.SendInput("nope", "hi")
	assert.ErrorIs(t, err, ErrWorkerNotFound)
}

func TestSendInputRecordsPrompt(t *testing.T) {
	sup, store, _ := newTestSupervisor(t)
	w := insertWorker(t, sup, "w1")

	require.NoError(t, sup.SendInput("w1", "do the thing"))

	info, err := sup.Get("w1")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Stats.Prompts)
	assert.True(t, info.IsProcessing)
	assert.Equal(t, StatusProcessing, info.Status)
	assert.Equal(t, []string{"do the thing"}, store.prompts)
	_ = w
}

func TestStderrForwardedAsErrorEvents(t *testing.T) {
	sup, store, _ := newTestSupervisor(t)
	w := insertWorker(t, sup, "w1")

	w.streams.Add(1)
	sup.consumeStderr(w, stringsReader("panic: boom\n"))

	recent, err := sup.RecentOutput("w1")
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, protocol.OutputError, recent[0].Type)
	assert.Equal(t, "panic: boom", recent[0].Content)

	sup.Close() // drain the persistence queue
	require.Len(t, store.events, 1)
}

func TestReconcileOrphans(t *testing.T) {
	sup, store, _ := newTestSupervisor(t)

	now := time.Now()
	require.NoError(t, store.CreateRun(&RunRecord{ID: "r1", Status: RunRunning, StartedAt: now}))
	require.NoError(t, store.CreateRun(&RunRecord{ID: "r2", Status: RunWaitingInput, StartedAt: now}))
	require.NoError(t, store.CreateRun(&RunRecord{ID: "r3", Status: RunCompleted, StartedAt: now}))

	n, err := sup.ReconcileOrphans()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{"r1", "r2"} {
		rec := store.run(id)
		assert.Equal(t, RunCrashed, rec.Status, id)
		assert.True(t, rec.CanResume, id)
	}
	assert.Equal(t, RunCompleted, store.run("r3").Status, "completed run untouched")
}

func TestReconcileOrphansSkipsLiveProcesses(t *testing.T) {
	sup, store, _ := newTestSupervisor(t)

	// A Running record owned by another commander process. Using our own pid
	// guarantees the process is alive.
	now := time.Now()
	require.NoError(t, store.CreateRun(&RunRecord{ID: "live", Status: RunRunning, PID: os.Getpid(), StartedAt: now}))
	require.NoError(t, store.CreateRun(&RunRecord{ID: "dead", Status: RunRunning, PID: -1, StartedAt: now}))

	n, err := sup.ReconcileOrphans()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	live := store.run("live")
	assert.Equal(t, RunRunning, live.Status)
	assert.False(t, live.CanResume)
	assert.Empty(t, live.Error)

	dead := store.run("dead")
	assert.Equal(t, RunCrashed, dead.Status)
	assert.True(t, dead.CanResume)
}

func TestSessionIDRegisteredFromOutput(t *testing.T) {
	store := newFakeStore()
	bus := events.New(slog.Default())
	sessions := protocol.NewSessionIndex()
	sup := NewSupervisor(store, bus, sessions, slog.Default(), Options{})
	t.Cleanup(sup.Close)

	w := insertWorker(t, sup, "w1")
	parseAndApply(sup, w, `{"type":"system","subtype":"init","session_id":"sess-42"}`)

	workerID, ok := sessions.WorkerFor("sess-42")
	require.True(t, ok)
	assert.Equal(t, "w1", workerID)

	info, err := sup.Get("w1")
	require.NoError(t, err)
	assert.Equal(t, "sess-42", info.SessionID)
}
