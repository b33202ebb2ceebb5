package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// SessionIndex maps session-correlation ids back to the worker that produced
// them. It is owned by the caller and shared with anything that needs to
// resolve a session id to a worker.
type SessionIndex struct {
	mu      sync.RWMutex
	workers map[string]string
}

func NewSessionIndex() *SessionIndex {
	return &SessionIndex{workers: make(map[string]string)}
}

// Register records the session -> worker mapping. The first registration
// wins; repeat calls for the same session are no-ops.
func (s *SessionIndex) Register(sessionID, workerID string) {
	if sessionID == "" || workerID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[sessionID]; !ok {
		s.workers[sessionID] = workerID
	}
}

func (s *SessionIndex) WorkerFor(sessionID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.workers[sessionID]
	return id, ok
}

// LineResult is everything one stdout line yields: zero or more normalized
// events, the lifecycle signal the line implies, the last textual output in
// the line (if any), and the extracted turn result for result lines.
type LineResult struct {
	Events   []OutputEvent
	Signal   Signal
	LastText string
	Result   *TurnResult
}

// Parser classifies raw worker output lines. Classification is a pure
// function of the line content; the session index is its only state.
type Parser struct {
	sessions *SessionIndex
	now      func() time.Time
}

func NewParser(sessions *SessionIndex) *Parser {
	return &Parser{sessions: sessions, now: time.Now}
}

// ParseLine turns one line of worker stdout into events and a signal. It
// never fails: lines that do not decode as JSON objects are plain text, and
// missing fields degrade to defaults.
func (p *Parser) ParseLine(workerID, line string) LineResult {
	var raw rawMessage
	if err := json.Unmarshal([]byte(line), &raw); err != nil || raw.Type == "" {
		return LineResult{Events: []OutputEvent{p.event(workerID, &raw, OutputPlainText, line)}}
	}

	p.sessions.Register(raw.SessionID, workerID)

	switch raw.Type {
	case "system":
		return LineResult{Events: []OutputEvent{p.event(workerID, &raw, OutputSystem, systemSummary(&raw))}}
	case "assistant":
		return p.parseAssistant(workerID, &raw)
	case "user":
		return p.parseUser(workerID, &raw)
	case "result":
		return p.parseResult(workerID, &raw)
	case "stream_event":
		return LineResult{Events: []OutputEvent{p.event(workerID, &raw, OutputStreamEvent, streamEventSummary(raw.Event))}}
	default:
		ev := p.event(workerID, &raw, OutputUnknown, line)
		ev.Payload = decodePayload(line)
		return LineResult{Events: []OutputEvent{ev}}
	}
}

func (p *Parser) parseAssistant(workerID string, raw *rawMessage) LineResult {
	res := LineResult{}
	toolUsed := false
	for _, block := range raw.Message.contentBlocks() {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			res.Events = append(res.Events, p.event(workerID, raw, OutputText, block.Text))
			res.LastText = block.Text
		case "tool_use":
			ev := p.event(workerID, raw, OutputToolUse, block.Name)
			ev.Payload = decodePayload(string(block.Input))
			res.Events = append(res.Events, ev)
			toolUsed = true
		}
	}
	if toolUsed {
		res.Signal = SignalToolInvoked
	} else if raw.Message != nil && raw.Message.StopReason == "end_turn" {
		res.Signal = SignalTurnEnded
	}
	return res
}

func (p *Parser) parseUser(workerID string, raw *rawMessage) LineResult {
	res := LineResult{}
	for _, block := range raw.Message.contentBlocks() {
		if block.Type != "tool_result" {
			continue
		}
		outType := OutputToolResult
		if block.IsError {
			outType = OutputError
		}
		res.Events = append(res.Events, p.event(workerID, raw, outType, toolResultText(block.Content)))
	}
	return res
}

func (p *Parser) parseResult(workerID string, raw *rawMessage) LineResult {
	tr := extractTurnResult(raw)
	content := tr.Text
	if content == "" {
		content = fmt.Sprintf("turn finished (%s)", orUnknown(raw.Subtype))
	}
	res := LineResult{
		Events:   []OutputEvent{p.event(workerID, raw, OutputResult, content)},
		Result:   tr,
		LastText: tr.Text,
	}
	if tr.Failed {
		res.Signal = SignalTurnFailed
	} else {
		res.Signal = SignalTurnSucceeded
	}
	return res
}

func (p *Parser) event(workerID string, raw *rawMessage, t OutputType, content string) OutputEvent {
	return OutputEvent{
		WorkerID:        workerID,
		Type:            t,
		Content:         content,
		SessionID:       raw.SessionID,
		UUID:            raw.UUID,
		ParentToolUseID: raw.ParentToolUseID,
		Subtype:         raw.Subtype,
		Bytes:           len(content),
		Timestamp:       p.now(),
	}
}

// systemSummary builds a short human summary of a session/init message. The
// raw blob is kept out of the content on purpose.
func systemSummary(raw *rawMessage) string {
	parts := []string{"session"}
	if raw.Subtype != "" {
		parts = []string{"session " + raw.Subtype}
	}
	if raw.SessionID != "" {
		parts = append(parts, "id="+raw.SessionID)
	}
	if raw.Model != "" {
		parts = append(parts, "model="+raw.Model)
	}
	if raw.CWD != "" {
		parts = append(parts, "cwd="+raw.CWD)
	}
	return strings.Join(parts, " ")
}

// streamEventSummary produces a best-effort description of a nested stream
// event without forwarding the whole payload.
func streamEventSummary(event json.RawMessage) string {
	if len(event) == 0 {
		return "stream event"
	}
	var inner struct {
		Type  string `json:"type"`
		Delta struct {
			Text string `json:"text"`
		} `json:"delta"`
	}
	if err := json.Unmarshal(event, &inner); err != nil || inner.Type == "" {
		return "stream event"
	}
	if inner.Delta.Text != "" {
		return inner.Delta.Text
	}
	return "stream event: " + inner.Type
}

// toolResultText flattens a tool_result content value, which is either a
// string or an array of text blocks.
func toolResultText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(content, &text); err == nil {
		return text
	}
	var blocks []contentBlock
	if err := json.Unmarshal(content, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(content)
}

func decodePayload(s string) map[string]any {
	if s == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
