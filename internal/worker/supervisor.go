package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ClancyDennis/claude-commander/internal/events"
	"github.com/ClancyDennis/claude-commander/internal/protocol"
)

// Notification names emitted by the supervisor.
const (
	EventWorkerOutput  = "worker.output"
	EventWorkerStatus  = "worker.status"
	EventWorkerStats   = "worker.stats"
	EventInputRequired = "worker.input_required"
)

type Options struct {
	// Command is the worker executable, "claude" by default.
	Command string
	// DefaultModel is passed to spawned workers that do not request one.
	DefaultModel string
	// RecentBuffer bounds the per-worker in-memory output history.
	RecentBuffer int
	// QueueDepth bounds the best-effort persistence queue.
	QueueDepth int
	// Source is the provenance recorded on run records.
	Source string
}

type SpawnOptions struct {
	Model string
	// Resume respawns an earlier session by its opaque resume payload.
	Resume string
}

// Supervisor owns the table of live workers: it spawns and stops processes,
// feeds their output through the protocol parser, applies the derived
// lifecycle signals, and persists run history best-effort.
type Supervisor struct {
	mu       sync.Mutex
	workers  map[string]*live
	sessions *protocol.SessionIndex
	parser   *protocol.Parser
	store    Store
	bus      events.Emitter
	logger   *slog.Logger
	queue    *persistQueue
	opts     Options
}

func NewSupervisor(store Store, bus events.Emitter, sessions *protocol.SessionIndex, logger *slog.Logger, opts Options) *Supervisor {
	if opts.Command == "" {
		opts.Command = "claude"
	}
	if opts.RecentBuffer <= 0 {
		opts.RecentBuffer = 500
	}
	if opts.Source == "" {
		opts.Source = "commander"
	}
	return &Supervisor{
		workers:  make(map[string]*live),
		sessions: sessions,
		parser:   protocol.NewParser(sessions),
		store:    store,
		bus:      bus,
		logger:   logger,
		queue:    newPersistQueue(opts.QueueDepth, logger),
		opts:     opts,
	}
}

// Spawn launches a worker process in workingDir and begins consuming its
// output. The returned id doubles as the durable run record id.
func (s *Supervisor) Spawn(workingDir string, opts SpawnOptions) (string, error) {
	model := opts.Model
	if model == "" {
		model = s.opts.DefaultModel
	}

	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}

	cmd := exec.Command(s.opts.Command, args...)
	cmd.Dir = workingDir
	configureProcess(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", &SpawnError{Command: s.opts.Command, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", &SpawnError{Command: s.opts.Command, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", &SpawnError{Command: s.opts.Command, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return "", &SpawnError{Command: s.opts.Command, Err: err}
	}

	id := ulid.Make().String()
	now := time.Now()
	rec := &RunRecord{
		ID:            id,
		WorkingDir:    workingDir,
		Source:        s.opts.Source,
		Status:        RunRunning,
		PID:           cmd.Process.Pid,
		StartedAt:     now,
		LastActivity:  now,
		ResumePayload: opts.Resume,
	}
	w := &live{
		info: Info{
			ID:           id,
			Dir:          workingDir,
			Model:        model,
			Status:       StatusIdle,
			LastActivity: now,
		},
		cmd:      cmd,
		stdin:    stdin,
		record:   rec,
		turnDone: make(chan TurnOutcome, 4),
	}

	s.mu.Lock()
	s.workers[id] = w
	s.mu.Unlock()

	if err := s.store.CreateRun(rec); err != nil {
		s.logger.Warn("create run record failed", "worker", id, "error", err)
	}

	w.streams.Add(2)
	go s.consumeStdout(w, stdout)
	go s.consumeStderr(w, stderr)
	go s.waitProcess(w)

	s.logger.Info("worker spawned", "worker", id, "dir", workingDir, "pid", cmd.Process.Pid)
	s.bus.Emit(EventWorkerStatus, events.Payload{"worker_id": id, "status": string(StatusIdle)})
	return id, nil
}

// Stop terminates the worker process. The stream loops observe EOF
// naturally; there is no separate cancellation signal. Stopping a worker
// that is already stopped or gone is a no-op.
func (s *Supervisor) Stop(id string) error {
	s.mu.Lock()
	w, ok := s.workers[id]
	if !ok || w.stopped {
		s.mu.Unlock()
		return nil
	}
	w.stopped = true
	w.info.Status = StatusStopped
	w.info.IsProcessing = false
	w.info.PendingInput = false
	cmd := w.cmd
	stdin := w.stdin
	s.mu.Unlock()

	_ = stdin.Close()
	terminateProcess(cmd)

	s.logger.Info("worker stopped", "worker", id)
	s.bus.Emit(EventWorkerStatus, events.Payload{"worker_id": id, "status": string(StatusStopped)})
	return nil
}

// SendInput delivers a new instruction/turn to a running worker.
func (s *Supervisor) SendInput(id, text string) error {
	s.mu.Lock()
	w, ok := s.workers[id]
	if !ok {
		s.mu.Unlock()
		return ErrWorkerNotFound
	}
	if w.stopped {
		s.mu.Unlock()
		return ErrWorkerNotRunning
	}
	stdin := w.stdin
	w.info.Stats.Prompts++
	w.info.PendingInput = false
	w.info.IsProcessing = true
	w.turnToolUse = false
	w.lastText = ""
	w.info.Status = StatusProcessing
	w.record.Status = RunRunning
	s.mu.Unlock()

	data, err := json.Marshal(userMessage(text))
	if err != nil {
		return fmt.Errorf("encode input: %w", err)
	}
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("send input to %s: %w", id, err)
	}

	if err := s.store.RecordPrompt(id, text); err != nil {
		s.logger.Warn("record prompt failed", "worker", id, "error", err)
	}
	s.bus.Emit(EventWorkerStatus, events.Payload{"worker_id": id, "status": string(StatusProcessing)})
	return nil
}

// WaitTurn blocks until the worker's current turn ends (or the worker dies).
func (s *Supervisor) WaitTurn(ctx context.Context, id string) (TurnOutcome, error) {
	s.mu.Lock()
	w, ok := s.workers[id]
	s.mu.Unlock()
	if !ok {
		return TurnOutcome{}, ErrWorkerNotFound
	}
	select {
	case out := <-w.turnDone:
		return out, nil
	case <-ctx.Done():
		return TurnOutcome{}, ctx.Err()
	}
}

// Get returns a snapshot of one live worker.
func (s *Supervisor) Get(id string) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return Info{}, ErrWorkerNotFound
	}
	info := w.info
	info.Stats = w.info.Stats.Clone()
	return info, nil
}

// Statistics returns a snapshot of the worker's counters.
func (s *Supervisor) Statistics(id string) (Statistics, error) {
	info, err := s.Get(id)
	if err != nil {
		return Statistics{}, err
	}
	return info.Stats, nil
}

// List returns snapshots of all live workers, ordered by id.
func (s *Supervisor) List() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.workers))
	for _, w := range s.workers {
		info := w.info
		info.Stats = w.info.Stats.Clone()
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RecentOutput returns a copy of the worker's in-memory output buffer.
func (s *Supervisor) RecentOutput(id string) ([]protocol.OutputEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return nil, ErrWorkerNotFound
	}
	out := make([]protocol.OutputEvent, len(w.recent))
	copy(out, w.recent)
	return out, nil
}

// ReconcileOrphans marks runs left in Running or WaitingInput by a previous
// session as crashed and resumable. Records whose process is still alive are
// skipped: another commander process may own them. Call once at process
// startup.
func (s *Supervisor) ReconcileOrphans() (int, error) {
	recs, err := s.store.QueryRuns(RunFilter{Statuses: []RunStatus{RunRunning, RunWaitingInput}})
	if err != nil {
		return 0, fmt.Errorf("query orphaned runs: %w", err)
	}
	reconciled := 0
	for _, rec := range recs {
		if processAlive(rec.PID) {
			s.logger.Debug("skipping live run", "run", rec.ID, "pid", rec.PID)
			continue
		}
		rec.Status = RunCrashed
		rec.CanResume = true
		if rec.Error == "" {
			rec.Error = "orphaned by ungraceful shutdown"
		}
		if err := s.store.UpdateRun(rec); err != nil {
			return 0, fmt.Errorf("reconcile run %s: %w", rec.ID, err)
		}
		s.logger.Info("reconciled orphaned run", "run", rec.ID)
		reconciled++
	}
	return reconciled, nil
}

// Close flushes the persistence queue. Live workers are left running.
func (s *Supervisor) Close() {
	s.queue.close()
}

// StopAll stops every live worker.
func (s *Supervisor) StopAll() {
	for _, info := range s.List() {
		_ = s.Stop(info.ID)
	}
}

func (s *Supervisor) consumeStdout(w *live, r io.Reader) {
	defer w.streams.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		s.applyLine(w, s.parser.ParseLine(w.info.ID, line))
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("stdout stream error", "worker", w.info.ID, "error", err)
	}
}

// consumeStderr forwards stderr lines verbatim as error events.
func (s *Supervisor) consumeStderr(w *live, r io.Reader) {
	defer w.streams.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		ev := protocol.OutputEvent{
			WorkerID:  w.info.ID,
			Type:      protocol.OutputError,
			Content:   line,
			Bytes:     len(line),
			Timestamp: time.Now(),
		}
		s.mu.Lock()
		w.appendRecent(ev, s.opts.RecentBuffer)
		w.info.Stats.OutputBytes += int64(ev.Bytes)
		w.info.LastActivity = ev.Timestamp
		s.mu.Unlock()

		s.queue.submit(func() error { return s.store.AppendEvent(ev) })
		s.bus.Emit(EventWorkerOutput, eventPayload(ev))
	}
}

type emission struct {
	name    string
	payload events.Payload
}

// applyLine updates worker state from one parsed line. The lock is held only
// for the read-modify-write; notifications and persistence happen after.
func (s *Supervisor) applyLine(w *live, res protocol.LineResult) {
	var emits []emission
	now := time.Now()

	s.mu.Lock()
	for i := range res.Events {
		ev := res.Events[i]
		w.appendRecent(ev, s.opts.RecentBuffer)
		w.info.Stats.OutputBytes += int64(ev.Bytes)
		if ev.Type == protocol.OutputToolUse {
			w.info.Stats.ToolCalls++
		}
		if ev.SessionID != "" && w.info.SessionID == "" {
			w.info.SessionID = ev.SessionID
			w.record.ResumePayload = ev.SessionID
		}
		s.queue.submit(func() error { return s.store.AppendEvent(ev) })
		emits = append(emits, emission{EventWorkerOutput, eventPayload(ev)})
	}
	if res.LastText != "" {
		w.lastText = res.LastText
	}
	if res.Result != nil {
		w.info.Stats.MergeTurn(res.Result)
	}
	w.info.LastActivity = now
	w.info.Stats.LastActivity = now
	w.record.LastActivity = now

	switch res.Signal {
	case protocol.SignalToolInvoked:
		w.turnToolUse = true
		w.info.IsProcessing = true
		w.info.PendingInput = false
		if st, changed := s.setStatusLocked(w, StatusProcessing); changed {
			emits = append(emits, emission{EventWorkerStatus, events.Payload{"worker_id": w.info.ID, "status": string(st)}})
		}
	case protocol.SignalTurnEnded, protocol.SignalTurnSucceeded, protocol.SignalTurnFailed:
		w.turnToolUse = false
		w.info.IsProcessing = false
		w.info.PendingInput = true
		if st, changed := s.setStatusLocked(w, StatusWaitingForInput); changed {
			emits = append(emits, emission{EventWorkerStatus, events.Payload{"worker_id": w.info.ID, "status": string(st)}})
		}
		emits = append(emits, emission{EventInputRequired, events.Payload{
			"worker_id":   w.info.ID,
			"last_output": w.lastText,
		}})
		emits = append(emits, emission{EventWorkerStats, statsPayload(w.info.ID, w.info.Stats.Clone())})
		w.record.Status = RunWaitingInput
		rec := *w.record
		rec.Stats = w.info.Stats.Clone()
		s.queue.submit(func() error { return s.store.UpdateRun(&rec) })
		w.deliverTurn(TurnOutcome{Text: w.lastText, Failed: res.Signal == protocol.SignalTurnFailed})
	default:
		// Structured output while no tool has run this turn still means the
		// worker is mid-turn. Plain text carries no lifecycle meaning.
		if !w.turnToolUse && hasStructured(res.Events) {
			w.info.IsProcessing = true
			w.info.PendingInput = false
			if st, changed := s.setStatusLocked(w, StatusProcessing); changed {
				emits = append(emits, emission{EventWorkerStatus, events.Payload{"worker_id": w.info.ID, "status": string(st)}})
			}
		}
	}
	s.mu.Unlock()

	for _, e := range emits {
		s.bus.Emit(e.name, e.payload)
	}
}

// waitProcess finalizes the worker when its process ends. A worker that was
// not explicitly stopped is treated as crashed and resumable.
func (s *Supervisor) waitProcess(w *live) {
	w.streams.Wait()
	err := w.cmd.Wait()

	now := time.Now()
	s.mu.Lock()
	delete(s.workers, w.info.ID)
	explicit := w.stopped
	if explicit {
		w.info.Status = StatusStopped
		w.record.Status = RunStopped
	} else {
		w.info.Status = StatusError
		w.record.Status = RunCrashed
		w.record.CanResume = true
		if w.record.Error == "" {
			if err != nil {
				w.record.Error = err.Error()
			} else {
				w.record.Error = "worker exited unexpectedly"
			}
		}
	}
	w.info.IsProcessing = false
	w.info.PendingInput = false
	w.record.EndedAt = &now
	w.record.LastActivity = now
	w.record.Stats = w.info.Stats.Clone()
	rec := *w.record
	lastText := w.lastText
	final := w.info.Status
	s.mu.Unlock()

	if uerr := s.store.UpdateRun(&rec); uerr != nil {
		s.logger.Warn("finalize run record failed", "worker", rec.ID, "error", uerr)
	}

	w.deliverTurn(TurnOutcome{Text: lastText, Failed: !explicit, Crashed: !explicit, Err: rec.Error})

	s.logger.Info("worker exited", "worker", rec.ID, "status", string(final))
	s.bus.Emit(EventWorkerStatus, events.Payload{"worker_id": rec.ID, "status": string(final)})
}

// setStatusLocked changes the worker status unless it was explicitly
// stopped. Caller holds the supervisor lock.
func (s *Supervisor) setStatusLocked(w *live, st Status) (Status, bool) {
	if w.stopped || w.info.Status == st {
		return w.info.Status, false
	}
	w.info.Status = st
	return st, true
}

func hasStructured(evs []protocol.OutputEvent) bool {
	for _, ev := range evs {
		if ev.Type != protocol.OutputPlainText {
			return true
		}
	}
	return false
}

func userMessage(text string) map[string]any {
	return map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": text},
			},
		},
	}
}

func eventPayload(ev protocol.OutputEvent) events.Payload {
	p := events.Payload{
		"worker_id": ev.WorkerID,
		"type":      string(ev.Type),
		"content":   ev.Content,
		"bytes":     ev.Bytes,
		"timestamp": ev.Timestamp,
	}
	if ev.SessionID != "" {
		p["session_id"] = ev.SessionID
	}
	if ev.Subtype != "" {
		p["subtype"] = ev.Subtype
	}
	return p
}

func statsPayload(workerID string, stats Statistics) events.Payload {
	return events.Payload{
		"worker_id":    workerID,
		"prompts":      stats.Prompts,
		"tool_calls":   stats.ToolCalls,
		"output_bytes": stats.OutputBytes,
		"cost_usd":     stats.CostUSD,
		"turns":        stats.Turns,
	}
}
