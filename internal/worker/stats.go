package worker

import (
	"time"

	"github.com/ClancyDennis/claude-commander/internal/protocol"
)

// ModelStats accumulates per-model token usage across turns.
type ModelStats struct {
	InputTokens              int64   `json:"input_tokens"`
	OutputTokens             int64   `json:"output_tokens"`
	CacheCreationInputTokens int64   `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64   `json:"cache_read_input_tokens"`
	CostUSD                  float64 `json:"cost_usd"`
	ContextWindow            int64   `json:"context_window"`
	MaxOutputTokens          int64   `json:"max_output_tokens"`
}

// Statistics are the monotonically-accumulating counters owned by a worker.
// Counters are never decremented; result-message usage is merged additively.
type Statistics struct {
	Prompts       int                   `json:"prompts"`
	ToolCalls     int                   `json:"tool_calls"`
	OutputBytes   int64                 `json:"output_bytes"`
	InputTokens   int64                 `json:"input_tokens"`
	OutputTokens  int64                 `json:"output_tokens"`
	CostUSD       float64               `json:"cost_usd"`
	Turns         int                   `json:"turns"`
	DurationMS    int64                 `json:"duration_ms"`
	DurationAPIMS int64                 `json:"duration_api_ms"`
	ModelUsage    map[string]ModelStats `json:"model_usage,omitempty"`
	LastActivity  time.Time             `json:"last_activity"`
}

// MergeTurn folds a terminal result message's optional accounting into the
// counters. Every field is additive; absent fields contribute nothing.
func (s *Statistics) MergeTurn(tr *protocol.TurnResult) {
	if tr == nil {
		return
	}
	if tr.CostUSD != nil {
		s.CostUSD += *tr.CostUSD
	}
	if tr.DurationMS != nil {
		s.DurationMS += *tr.DurationMS
	}
	if tr.DurationAPIMS != nil {
		s.DurationAPIMS += *tr.DurationAPIMS
	}
	if tr.NumTurns != nil {
		s.Turns += *tr.NumTurns
	} else {
		s.Turns++
	}
	if tr.InputTokens != nil {
		s.InputTokens += *tr.InputTokens
	}
	if tr.OutputTokens != nil {
		s.OutputTokens += *tr.OutputTokens
	}
	for model, u := range tr.ModelUsage {
		if s.ModelUsage == nil {
			s.ModelUsage = make(map[string]ModelStats)
		}
		acc := s.ModelUsage[model]
		acc.InputTokens += u.InputTokens
		acc.OutputTokens += u.OutputTokens
		acc.CacheCreationInputTokens += u.CacheCreationInputTokens
		acc.CacheReadInputTokens += u.CacheReadInputTokens
		acc.CostUSD += u.CostUSD
		if u.ContextWindow > 0 {
			acc.ContextWindow = u.ContextWindow
		}
		if u.MaxOutputTokens > 0 {
			acc.MaxOutputTokens = u.MaxOutputTokens
		}
		s.ModelUsage[model] = acc
	}
}

// Clone returns a deep copy safe to hand out as a snapshot.
func (s Statistics) Clone() Statistics {
	out := s
	if s.ModelUsage != nil {
		out.ModelUsage = make(map[string]ModelStats, len(s.ModelUsage))
		for k, v := range s.ModelUsage {
			out.ModelUsage[k] = v
		}
	}
	return out
}
