package claude

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// cliOutput is the document printed by `claude -p --output-format json`.
type cliOutput struct {
	Type         string          `json:"type"`
	Subtype      string          `json:"subtype"`
	IsError      bool            `json:"is_error"`
	Result       json.RawMessage `json:"result"`
	SessionID    string          `json:"session_id"`
	TotalCostUSD *float64        `json:"total_cost_usd"`
	CostUSD      *float64        `json:"cost_usd"`
	DurationMS   int64           `json:"duration_ms"`
	NumTurns     int             `json:"num_turns"`
}

// isResult reports whether the document is the CLI's final result. Other
// message types, null and unrelated objects decode without error but carry
// no conversation state.
func (o *cliOutput) isResult() bool {
	if o.Type != "" {
		return o.Type == "result"
	}
	return len(o.Result) > 0 || o.SessionID != "" || o.Subtype != "" || o.IsError
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// parseOutput decodes stdout and applies the budget check. ceiling is the
// per-invocation limit the CLI was given.
func parseOutput(stdout []byte, ceiling float64) (*Result, error) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return nil, newFailure(KindEmptyOutput, "no output from claude")
	}

	var out cliOutput
	if err := json.Unmarshal(trimmed, &out); err != nil {
		f := newFailure(KindProtocolError, "unparseable output: %s", preview(trimmed, 120))
		f.Err = err
		return nil, f
	}
	if !out.isResult() {
		return nil, newFailure(KindProtocolError, "not a result document: %s", preview(trimmed, 120))
	}

	text, err := resultText(out.Result)
	if err != nil {
		f := newFailure(KindProtocolError, "unexpected result field: %s", preview(out.Result, 120))
		f.Err = err
		return nil, f
	}

	cost := 0.0
	switch {
	case out.TotalCostUSD != nil:
		cost = *out.TotalCostUSD
	case out.CostUSD != nil:
		cost = *out.CostUSD
	}

	if strings.Contains(out.Subtype, "max_budget") {
		return nil, newFailure(KindBudgetExceeded, "spend ceiling of $%.2f reached (cost $%.4f)", ceiling, cost)
	}
	if ceiling > 0 && cost > ceiling {
		return nil, newFailure(KindBudgetExceeded, "reported cost $%.4f exceeds ceiling $%.2f", cost, ceiling)
	}
	if out.IsError {
		msg := text
		if msg == "" {
			msg = out.Subtype
		}
		if msg == "" {
			msg = "claude reported an error"
		}
		return nil, newFailure(KindProcessError, "%s", msg)
	}

	return &Result{
		Text:              text,
		ContinuationToken: out.SessionID,
		CostUSD:           cost,
		Duration:          time.Duration(out.DurationMS) * time.Millisecond,
		NumTurns:          out.NumTurns,
	}, nil
}

// resultText accepts a plain string or a list of content blocks. Text blocks
// and bare strings are joined with newlines; other block types are dropped.
func resultText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}

	switch raw[0] {
	case '"':
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return "", err
		}
		var parts []string
		for _, item := range items {
			item = bytes.TrimSpace(item)
			if len(item) == 0 {
				continue
			}
			if item[0] == '"' {
				var s string
				if err := json.Unmarshal(item, &s); err == nil {
					parts = append(parts, s)
				}
				continue
			}
			var block contentBlock
			if err := json.Unmarshal(item, &block); err == nil && block.Type == "text" {
				parts = append(parts, block.Text)
			}
		}
		return strings.Join(parts, "\n"), nil
	default:
		// Numbers, bools and objects are rendered as their JSON text
		return string(raw), nil
	}
}

// preview shortens b to at most n runes for error messages.
func preview(b []byte, n int) string {
	r := []rune(string(b))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "..."
}

// truncateRunes keeps the first n runes of s, marking the cut.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "... (truncated)"
}
