package pipeline

import (
	"encoding/json"
	"strings"
)

// verdictBlock mirrors the JSON the verify prompt asks for. Alternate field
// names seen in the wild ("status", "decision") are accepted too.
type verdictBlock struct {
	Verdict     string   `json:"verdict"`
	Status      string   `json:"status"`
	Decision    string   `json:"decision"`
	Summary     string   `json:"summary"`
	Reason      string   `json:"reason"`
	Issues      []string `json:"issues"`
	Suggestions []string `json:"suggestions"`
}

func (v *verdictBlock) value() string {
	if v.Verdict != "" {
		return v.Verdict
	}
	if v.Status != "" {
		return v.Status
	}
	return v.Decision
}

// interpretVerdict turns a verify worker's final text into a Decision.
// Unparseable output is never fatal: the loop falls back to iterating with
// the raw text carried as feedback.
func interpretVerdict(output string) Decision {
	v, ok := extractVerdict(output)
	if !ok {
		return Decision{
			Kind:   DecisionIterate,
			Reason: "verifier produced no structured verdict",
			Issues: []string{"verify output had no parseable JSON verdict block"},
		}
	}

	d := Decision{
		Summary:     v.Summary,
		Reason:      v.Reason,
		Issues:      v.Issues,
		Suggestions: v.Suggestions,
	}

	switch strings.ToLower(strings.TrimSpace(v.value())) {
	case "complete", "pass", "passed", "done", "approved", "success":
		d.Kind = DecisionComplete
	case "iterate", "fail", "failed", "rejected", "retry":
		d.Kind = DecisionIterate
	case "replan":
		d.Kind = DecisionReplan
	case "give_up", "giveup", "abort", "stuck":
		d.Kind = DecisionGiveUp
	default:
		d.Kind = DecisionIterate
		d.Issues = append(d.Issues, "unrecognized verdict value: "+v.value())
	}
	return d
}

// extractVerdict finds the last JSON object in output that carries a verdict
// field. Workers wrap the block in markdown fences or trail it with prose,
// so each candidate '{' is decoded leniently, scanning from the end.
func extractVerdict(output string) (*verdictBlock, bool) {
	for i := len(output) - 1; i >= 0; i-- {
		if output[i] != '{' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(output[i:]))
		var v verdictBlock
		if err := dec.Decode(&v); err != nil {
			continue
		}
		if v.value() != "" {
			return &v, true
		}
	}
	return nil, false
}
