package protocol

import "encoding/json"

// rawMessage mirrors the wire shape of one structured stdout line. Every
// field is optional; absence is normal, not an error.
type rawMessage struct {
	Type            string          `json:"type"`
	Subtype         string          `json:"subtype"`
	SessionID       string          `json:"session_id"`
	UUID            string          `json:"uuid"`
	ParentToolUseID string          `json:"parent_tool_use_id"`
	Model           string          `json:"model"`
	CWD             string          `json:"cwd"`
	Message         *messageBody    `json:"message"`
	Event           json.RawMessage `json:"event"`

	// result-only fields
	IsError       *bool                      `json:"is_error"`
	Result        string                     `json:"result"`
	TotalCostUSD  *float64                   `json:"total_cost_usd"`
	DurationMS    *int64                     `json:"duration_ms"`
	DurationAPIMS *int64                     `json:"duration_api_ms"`
	NumTurns      *int                       `json:"num_turns"`
	Usage         *usageBlock                `json:"usage"`
	ModelUsage    map[string]modelUsageBlock `json:"modelUsage"`
}

type messageBody struct {
	Content    json.RawMessage `json:"content"`
	StopReason string          `json:"stop_reason"`
}

// contentBlock is one element of an assistant/user message content array.
type contentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input"`
	Content json.RawMessage `json:"content"`
	IsError bool            `json:"is_error"`
}

type usageBlock struct {
	InputTokens  *int64 `json:"input_tokens"`
	OutputTokens *int64 `json:"output_tokens"`
}

type modelUsageBlock struct {
	InputTokens              int64   `json:"inputTokens"`
	OutputTokens             int64   `json:"outputTokens"`
	CacheCreationInputTokens int64   `json:"cacheCreationInputTokens"`
	CacheReadInputTokens     int64   `json:"cacheReadInputTokens"`
	CostUSD                  float64 `json:"costUSD"`
	ContextWindow            int64   `json:"contextWindow"`
	MaxOutputTokens          int64   `json:"maxOutputTokens"`
}

// ModelUsage is the per-model token accounting a result message reports.
type ModelUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
	CostUSD                  float64
	ContextWindow            int64
	MaxOutputTokens          int64
}

// TurnResult carries the optional cost/usage/duration fields extracted from a
// terminal result message. Nil pointers mean the field was absent.
type TurnResult struct {
	Subtype       string
	Failed        bool
	Text          string
	CostUSD       *float64
	DurationMS    *int64
	DurationAPIMS *int64
	NumTurns      *int
	InputTokens   *int64
	OutputTokens  *int64
	ModelUsage    map[string]ModelUsage
}

// contentBlocks decodes a message content field, which is either a plain
// string or an array of typed blocks.
func (m *messageBody) contentBlocks() []contentBlock {
	if m == nil || len(m.Content) == 0 {
		return nil
	}
	var blocks []contentBlock
	if err := json.Unmarshal(m.Content, &blocks); err == nil {
		return blocks
	}
	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil && text != "" {
		return []contentBlock{{Type: "text", Text: text}}
	}
	return nil
}

// extractTurnResult pulls the optional accounting fields off a result line.
// Every field degrades to nil/zero when absent.
func extractTurnResult(raw *rawMessage) *TurnResult {
	tr := &TurnResult{
		Subtype: raw.Subtype,
		Text:    raw.Result,
	}
	if raw.IsError != nil {
		tr.Failed = *raw.IsError
	}
	if !tr.Failed && raw.Subtype != "" && raw.Subtype != "success" {
		tr.Failed = true
	}
	tr.CostUSD = raw.TotalCostUSD
	tr.DurationMS = raw.DurationMS
	tr.DurationAPIMS = raw.DurationAPIMS
	tr.NumTurns = raw.NumTurns
	if raw.Usage != nil {
		tr.InputTokens = raw.Usage.InputTokens
		tr.OutputTokens = raw.Usage.OutputTokens
	}
	if len(raw.ModelUsage) > 0 {
		tr.ModelUsage = make(map[string]ModelUsage, len(raw.ModelUsage))
		for model, u := range raw.ModelUsage {
			tr.ModelUsage[model] = ModelUsage{
				InputTokens:              u.InputTokens,
				OutputTokens:             u.OutputTokens,
				CacheCreationInputTokens: u.CacheCreationInputTokens,
				CacheReadInputTokens:     u.CacheReadInputTokens,
				CostUSD:                  u.CostUSD,
				ContextWindow:            u.ContextWindow,
				MaxOutputTokens:          u.MaxOutputTokens,
			}
		}
	}
	return tr
}
