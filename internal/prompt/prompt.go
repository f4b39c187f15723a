// Package prompt builds the agent prompt from an inbound task. Pure and
// deterministic: no I/O, no clock.
package prompt

import (
	"fmt"
	"strings"
)

// InstructionsFile is the operating-instructions file a fresh session is told
// to read first.
const InstructionsFile = "AGENTS.md"

const sendFilesNote = "If you need to deliver one or more files back to the user, " +
	"append separate lines of this exact form at the END of your answer:\n" +
	"[[send-file:daily/2026-02-22.md]]\n" +
	"[[send-file:topics/note.md]]\n" +
	"One path per line, server-side path only. Do not wrap these lines in a code block."

const riskyActionNote = "Before any risky action (deleting data, restarting services, " +
	"mass edits), ask the user for explicit confirmation first."

// Build assembles the prompt for one task. bootstrap is set exactly once per
// new session and prefixes the operating-instructions pointer.
func Build(userText string, attachments []string, bootstrap bool) string {
	text := strings.TrimSpace(userText)

	var b strings.Builder
	if bootstrap {
		fmt.Fprintf(&b, "Before handling the request, open and read `%s`. "+
			"Follow it as the primary instructions for this session.\n\n", InstructionsFile)
	}

	switch {
	case text != "" && len(attachments) == 0:
		b.WriteString(text)
	case text != "":
		b.WriteString(text)
		b.WriteString("\n\nUser attachments (server-side paths):\n")
		b.WriteString(attachmentsBlock(attachments))
	default:
		b.WriteString("The user sent attachments without text.\n")
		b.WriteString("User attachments (server-side paths):\n")
		b.WriteString(attachmentsBlock(attachments))
	}

	b.WriteString("\n\n")
	b.WriteString(sendFilesNote)
	b.WriteString("\n\n")
	b.WriteString(riskyActionNote)
	return b.String()
}

func attachmentsBlock(attachments []string) string {
	lines := make([]string, 0, len(attachments))
	for _, item := range attachments {
		lines = append(lines, fmt.Sprintf("- `%s`", item))
	}
	return strings.Join(lines, "\n")
}
