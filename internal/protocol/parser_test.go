package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestParser() *Parser {
	return NewParser(NewSessionIndex())
}

func TestParseLinePlainText(t *testing.T) {
	p := newTestParser()

	res := p.ParseLine("w1", "hello world")

	require.Len(t, res.Events, 1)
	assert.Equal(t, OutputPlainText, res.Events[0].Type)
	assert.Equal(t, "hello world", res.Events[0].Content)
	assert.Equal(t, SignalNone, res.Signal)
}

func TestParseLineNonObjectJSON(t *testing.T) {
	p := newTestParser()

	// Valid JSON but not a discriminated object is still plain text.
	res := p.ParseLine("w1", `[1,2,3]`)

	require.Len(t, res.Events, 1)
	assert.Equal(t, OutputPlainText, res.Events[0].Type)
}

func TestParseLineToolUse(t *testing.T) {
	p := newTestParser()

	line := `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{"command":"ls"}}]}}`
	res := p.ParseLine("w1", line)

	require.Len(t, res.Events, 1)
	assert.Equal(t, OutputToolUse, res.Events[0].Type)
	assert.Equal(t, "Bash", res.Events[0].Content)
	assert.Equal(t, map[string]any{"command": "ls"}, res.Events[0].Payload)
	assert.Equal(t, SignalToolInvoked, res.Signal)
}

func TestParseLineTextEndTurn(t *testing.T) {
	p := newTestParser()

	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"Done"}],"stop_reason":"end_turn"}}`
	res := p.ParseLine("w1", line)

	require.Len(t, res.Events, 1)
	assert.Equal(t, OutputText, res.Events[0].Type)
	assert.Equal(t, "Done", res.Events[0].Content)
	assert.Equal(t, "Done", res.LastText)
	assert.Equal(t, SignalTurnEnded, res.Signal)
}

func TestParseLineMixedContentPrefersToolSignal(t *testing.T) {
	p := newTestParser()

	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"running"},{"type":"tool_use","name":"Read","input":{}}]}}`
	res := p.ParseLine("w1", line)

	require.Len(t, res.Events, 2)
	assert.Equal(t, SignalToolInvoked, res.Signal)
	assert.Equal(t, "running", res.LastText)
}

func TestParseLineToolResult(t *testing.T) {
	p := newTestParser()

	line := `{"type":"user","message":{"content":[{"type":"tool_result","content":"ok"}]}}`
	res := p.ParseLine("w1", line)

	require.Len(t, res.Events, 1)
	assert.Equal(t, OutputToolResult, res.Events[0].Type)
	assert.Equal(t, "ok", res.Events[0].Content)
}

func TestParseLineToolResultError(t *testing.T) {
	p := newTestParser()

	line := `{"type":"user","message":{"content":[{"type":"tool_result","content":"boom","is_error":true}]}}`
	res := p.ParseLine("w1", line)

	require.Len(t, res.Events, 1)
	assert.Equal(t, OutputError, res.Events[0].Type)
}

func TestParseLineResultSuccess(t *testing.T) {
	p := newTestParser()

	line := `{"type":"result","subtype":"success","result":"all good","total_cost_usd":0.25,"num_turns":3,` +
		`"duration_ms":1500,"duration_api_ms":1200,"usage":{"input_tokens":100,"output_tokens":50},` +
		`"modelUsage":{"claude-sonnet-4":{"inputTokens":100,"outputTokens":50,"costUSD":0.25,"contextWindow":200000}}}`
	res := p.ParseLine("w1", line)

	require.Len(t, res.Events, 1)
	assert.Equal(t, OutputResult, res.Events[0].Type)
	assert.Equal(t, SignalTurnSucceeded, res.Signal)

	require.NotNil(t, res.Result)
	require.NotNil(t, res.Result.CostUSD)
	assert.InDelta(t, 0.25, *res.Result.CostUSD, 1e-9)
	require.NotNil(t, res.Result.NumTurns)
	assert.Equal(t, 3, *res.Result.NumTurns)
	require.NotNil(t, res.Result.InputTokens)
	assert.Equal(t, int64(100), *res.Result.InputTokens)
	require.Contains(t, res.Result.ModelUsage, "claude-sonnet-4")
	assert.Equal(t, int64(200000), res.Result.ModelUsage["claude-sonnet-4"].ContextWindow)
}

func TestParseLineResultFailure(t *testing.T) {
	p := newTestParser()

	res := p.ParseLine("w1", `{"type":"result","subtype":"error_max_turns","is_error":true}`)

	assert.Equal(t, SignalTurnFailed, res.Signal)
	require.NotNil(t, res.Result)
	assert.True(t, res.Result.Failed)
}

func TestParseLineResultOmitsAllOptionalFields(t *testing.T) {
	p := newTestParser()

	res := p.ParseLine("w1", `{"type":"result","subtype":"success"}`)

	assert.Equal(t, SignalTurnSucceeded, res.Signal)
	require.NotNil(t, res.Result)
	assert.Nil(t, res.Result.CostUSD)
	assert.Nil(t, res.Result.NumTurns)
	assert.Nil(t, res.Result.InputTokens)
	assert.Empty(t, res.Result.ModelUsage)
}

func TestParseLineSystemSummary(t *testing.T) {
	p := newTestParser()

	line := `{"type":"system","subtype":"init","session_id":"s-1","model":"claude-sonnet-4","cwd":"/tmp/x"}`
	res := p.ParseLine("w1", line)

	require.Len(t, res.Events, 1)
	assert.Equal(t, OutputSystem, res.Events[0].Type)
	// Summary, never the raw blob.
	assert.Equal(t, "session init id=s-1 model=claude-sonnet-4 cwd=/tmp/x", res.Events[0].Content)
}

func TestParseLineStreamEvent(t *testing.T) {
	p := newTestParser()

	res := p.ParseLine("w1", `{"type":"stream_event","event":{"type":"content_block_delta","delta":{"text":"par"}}}`)
	require.Len(t, res.Events, 1)
	assert.Equal(t, OutputStreamEvent, res.Events[0].Type)
	assert.Equal(t, "par", res.Events[0].Content)

	res = p.ParseLine("w1", `{"type":"stream_event","event":{"type":"message_start"}}`)
	assert.Equal(t, "stream event: message_start", res.Events[0].Content)
}

func TestParseLineUnknownTypeKeptVerbatim(t *testing.T) {
	p := newTestParser()

	line := `{"type":"telemetry","blob":42}`
	res := p.ParseLine("w1", line)

	require.Len(t, res.Events, 1)
	assert.Equal(t, OutputUnknown, res.Events[0].Type)
	assert.Equal(t, line, res.Events[0].Content)
	assert.Equal(t, float64(42), res.Events[0].Payload["blob"])
}

func TestParseLineIsIdempotent(t *testing.T) {
	p := newTestParser()
	line := `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{"command":"ls"}}]}}`

	first := p.ParseLine("w1", line)
	second := p.ParseLine("w1", line)

	assert.Equal(t, first.Signal, second.Signal)
	require.Len(t, second.Events, len(first.Events))
	assert.Equal(t, first.Events[0].Type, second.Events[0].Type)
	assert.Equal(t, first.Events[0].Content, second.Events[0].Content)
}

func TestSessionIndexRegistersOnce(t *testing.T) {
	idx := NewSessionIndex()
	p := NewParser(idx)

	p.ParseLine("w1", `{"type":"system","subtype":"init","session_id":"s-9"}`)
	p.ParseLine("w2", `{"type":"assistant","session_id":"s-9","message":{"content":[]}}`)

	id, ok := idx.WorkerFor("s-9")
	require.True(t, ok)
	assert.Equal(t, "w1", id, "first registration wins")
}

func TestContentStringInsteadOfArray(t *testing.T) {
	p := newTestParser()

	res := p.ParseLine("w1", `{"type":"assistant","message":{"content":"inline text","stop_reason":"end_turn"}}`)

	require.Len(t, res.Events, 1)
	assert.Equal(t, OutputText, res.Events[0].Type)
	assert.Equal(t, "inline text", res.Events[0].Content)
	assert.Equal(t, SignalTurnEnded, res.Signal)
}
