package worker

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/ClancyDennis/claude-commander/internal/protocol"
)

type Status string

const (
	StatusIdle            Status = "idle"
	StatusProcessing      Status = "processing"
	StatusWaitingForInput Status = "waiting_for_input"
	StatusStopped         Status = "stopped"
	StatusError           Status = "error"
)

var (
	ErrWorkerNotFound   = errors.New("worker not found")
	ErrWorkerNotRunning = errors.New("worker is not running")
)

// SpawnError means the worker executable could not be located or started.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Info is a read-only snapshot of one supervised worker.
type Info struct {
	ID           string
	Dir          string
	Model        string
	Status       Status
	SessionID    string
	IsProcessing bool
	PendingInput bool
	LastActivity time.Time
	Stats        Statistics
}

// TurnOutcome is what one request/response cycle of a worker produced.
type TurnOutcome struct {
	// Text is the last textual output the worker emitted during the turn.
	Text string
	// Failed is true when the turn ended with a failure result.
	Failed bool
	// Crashed is true when the process died before finishing the turn.
	Crashed bool
	Err     string
}

// live is the supervisor's private state for one running worker. All fields
// are guarded by the supervisor mutex except cmd/stdin, which are written
// once at spawn.
type live struct {
	info   Info
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	record *RunRecord

	recent      []protocol.OutputEvent
	lastText    string
	turnToolUse bool
	stopped     bool

	turnDone chan TurnOutcome
	streams  sync.WaitGroup
}

func (w *live) appendRecent(ev protocol.OutputEvent, max int) {
	w.recent = append(w.recent, ev)
	if max > 0 && len(w.recent) > max {
		w.recent = w.recent[len(w.recent)-max:]
	}
}

// deliverTurn hands an outcome to a pending WaitTurn without ever blocking
// the stream loop.
func (w *live) deliverTurn(out TurnOutcome) {
	select {
	case w.turnDone <- out:
	default:
	}
}
