package agent

import (
	"encoding/json"
	"strings"
)

// maxDiagnosticLines bounds how many raw non-JSON lines survive into
// fallback/failure text.
const maxDiagnosticLines = 20

const (
	eventTypeSessionStart  = "thread.started"
	eventTypeItemCompleted = "item.completed"
	itemTypeAgentMessage   = "agent_message"
)

type streamEvent struct {
	Type     string      `json:"type"`
	ThreadID string      `json:"thread_id"`
	Item     *streamItem `json:"item"`
}

type streamItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type parsedStream struct {
	// sessionID is taken from the first session-start event, if any.
	sessionID string
	// message is the text of the last agent_message item; intermediate
	// drafts and reasoning items are discarded.
	message string
	// diagnostics holds raw lines that were not JSON objects, bounded.
	diagnostics []string
}

// parseEventStream walks the agent's stdout line by line. Well-formed JSON
// objects are interpreted as events; anything else is kept as diagnostic
// text, excluded from the structured result.
func parseEventStream(output string) parsedStream {
	var stream parsedStream
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(trimmed), &event); err != nil {
			if len(stream.diagnostics) < maxDiagnosticLines {
				stream.diagnostics = append(stream.diagnostics, trimmed)
			}
			continue
		}
		// A well-formed object of an unknown or absent event type is part of
		// the protocol stream, not diagnostic text: ignore it.
		if event.Type == "" {
			continue
		}

		switch event.Type {
		case eventTypeSessionStart:
			if stream.sessionID == "" && event.ThreadID != "" {
				stream.sessionID = event.ThreadID
			}
		case eventTypeItemCompleted:
			if event.Item != nil && event.Item.Type == itemTypeAgentMessage {
				stream.message = strings.TrimSpace(event.Item.Text)
			}
		}
	}
	return stream
}

// diagnosticLines extracts the bounded non-JSON lines from raw process
// output, used when assembling failure text.
func diagnosticLines(output string) []string {
	var lines []string
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		var probe map[string]any
		if json.Unmarshal([]byte(trimmed), &probe) == nil {
			continue
		}
		lines = append(lines, trimmed)
		if len(lines) == maxDiagnosticLines {
			break
		}
	}
	return lines
}
