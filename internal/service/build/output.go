package build

import (
	"encoding/json"
	"strings"
)

// outputLine is one JSON line streamed back by the remote builder. Each
// line either reports progress on a layer step, a push-layer event for the
// upload phase, or the final digest.
type outputLine struct {
	Step     string  `json:"step,omitempty"`
	Status   string  `json:"status,omitempty"`
	Output   string  `json:"output,omitempty"`
	Cached   bool    `json:"cached,omitempty"`
	Duration float64 `json:"duration,omitempty"`
	Pushed   string  `json:"pushed,omitempty"`
	Digest   string  `json:"digest,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// parseOutputLine decodes one builder line. Lines that are not JSON are
// treated as raw output of the step currently running.
func parseOutputLine(raw string) outputLine {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return outputLine{}
	}
	var line outputLine
	if err := json.Unmarshal([]byte(raw), &line); err != nil {
		return outputLine{Output: raw}
	}
	return line
}
