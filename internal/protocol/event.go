package protocol

import "time"

type OutputType string

const (
	OutputSystem      OutputType = "system"
	OutputText        OutputType = "text"
	OutputToolUse     OutputType = "tool_use"
	OutputToolResult  OutputType = "tool_result"
	OutputError       OutputType = "error"
	OutputResult      OutputType = "result"
	OutputStreamEvent OutputType = "stream_event"
	OutputPlainText   OutputType = "plain_text"
	OutputUnknown     OutputType = "unknown"
)

// OutputEvent is one normalized unit of worker output. Events are immutable
// once created and append-only per worker.
type OutputEvent struct {
	WorkerID        string
	Type            OutputType
	Content         string
	Payload         map[string]any
	SessionID       string
	UUID            string
	ParentToolUseID string
	Subtype         string
	Bytes           int
	Timestamp       time.Time
}

// Signal is the lifecycle state change a parsed line implies for its worker.
type Signal int

const (
	SignalNone Signal = iota
	// SignalToolInvoked means the worker started running a tool this turn.
	SignalToolInvoked
	// SignalTurnEnded means the assistant finished a turn without invoking a tool.
	SignalTurnEnded
	// SignalTurnSucceeded means a terminal result message reported success.
	SignalTurnSucceeded
	// SignalTurnFailed means a terminal result message reported failure.
	SignalTurnFailed
)

func (s Signal) String() string {
	switch s {
	case SignalToolInvoked:
		return "tool_invoked"
	case SignalTurnEnded:
		return "turn_ended"
	case SignalTurnSucceeded:
		return "turn_succeeded"
	case SignalTurnFailed:
		return "turn_failed"
	default:
		return "none"
	}
}
