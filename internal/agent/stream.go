package agent

import (
	"github.com/tidwall/gjson"
)

// Result subtypes emitted on the terminal result line of the agent's
// stream-json output.
const (
	SubtypeSuccess  = "success"
	SubtypeMaxTurns = "error_max_turns"
	SubtypeError    = "error_during_execution"
)

// StreamLine is one parsed line of the agent's newline-delimited JSON
// output. Only the fields orca consumes are extracted; everything else
// rides along in the raw transcript.
type StreamLine struct {
	Type      string // system, assistant, user, result
	Subtype   string
	SessionID string

	// Result-line fields, meaningful when Type == "result".
	CostUSD  float64
	NumTurns int
	Text     string
	IsError  bool
}

// ParseLine extracts the interesting fields of a stream-json line.
// Returns false for lines that are not valid JSON objects; the caller
// logs and skips those.
func ParseLine(line []byte) (StreamLine, bool) {
	if !gjson.ValidBytes(line) {
		return StreamLine{}, false
	}
	parsed := gjson.ParseBytes(line)
	if parsed.Type != gjson.JSON {
		return StreamLine{}, false
	}

	sl := StreamLine{
		Type:      parsed.Get("type").String(),
		Subtype:   parsed.Get("subtype").String(),
		SessionID: parsed.Get("session_id").String(),
	}
	if sl.Type == "" {
		return StreamLine{}, false
	}

	if sl.Type == "result" {
		sl.CostUSD = parsed.Get("total_cost_usd").Float()
		sl.NumTurns = int(parsed.Get("num_turns").Int())
		sl.Text = parsed.Get("result").String()
		sl.IsError = parsed.Get("is_error").Bool()
	}
	return sl, true
}
