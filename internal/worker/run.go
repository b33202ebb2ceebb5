package worker

import (
	"time"

	"github.com/ClancyDennis/claude-commander/internal/protocol"
)

type RunStatus string

const (
	RunRunning      RunStatus = "running"
	RunCompleted    RunStatus = "completed"
	RunStopped      RunStatus = "stopped"
	RunCrashed      RunStatus = "crashed"
	RunWaitingInput RunStatus = "waiting_input"
)

// RunRecord is the durable record of one worker's lifetime. The record id is
// the worker id.
type RunRecord struct {
	ID            string
	WorkingDir    string
	Source        string
	Status        RunStatus
	PID           int
	StartedAt     time.Time
	EndedAt       *time.Time
	LastActivity  time.Time
	CanResume     bool
	ResumePayload string
	Error         string
	Stats         Statistics
}

// RunFilter narrows QueryRuns results. Zero values match everything.
type RunFilter struct {
	Statuses []RunStatus
	Source   string
	Limit    int
}

// Store is the durable collaborator the supervisor persists through. The
// supervisor treats it as a key-value-by-id store with a status field; every
// write from the stream path is best-effort.
type Store interface {
	CreateRun(rec *RunRecord) error
	UpdateRun(rec *RunRecord) error
	GetRun(id string) (*RunRecord, error)
	QueryRuns(filter RunFilter) ([]*RunRecord, error)
	RecordPrompt(runID, text string) error
	AppendEvent(ev protocol.OutputEvent) error
}
