package slackbot

import (
	"strings"

	"github.com/gangwaybot/gangway/internal/textscan"
)

// maxMessageLen keeps chunks under Slack's message size limit with room
// for fence reopening.
const maxMessageLen = 3800

const fence = "```"

// parseCommand recognizes bang-prefixed control commands. "!new /tmp/x"
// yields ("new", ["/tmp/x"], true); plain text yields ok=false.
func parseCommand(text string) (cmd string, args []string, ok bool) {
	if !strings.HasPrefix(text, "!") {
		return "", nil, false
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

// FormatReply prepares agent output for Slack: strips terminal escapes,
// fences code-looking runs and splits the result into messages that fit
// the Slack limit. Splits inside a code block close and reopen the fence.
func FormatReply(text string) []string {
	text = textscan.ExtractCodeBlocks(textscan.StripANSI(text))
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return nil
	}
	if len(text) <= maxMessageLen {
		return []string{text}
	}

	var chunks []string
	var cur strings.Builder
	inFence := false

	flush := func() {
		if cur.Len() == 0 {
			return
		}
		chunk := cur.String()
		cur.Reset()
		if inFence {
			chunk += "\n" + fence
		}
		chunks = append(chunks, strings.TrimRight(chunk, "\n"))
		if inFence {
			cur.WriteString(fence + "\n")
		}
	}

	for _, line := range strings.Split(text, "\n") {
		// Oversized single lines are hard-cut.
		for len(line) > maxMessageLen {
			flush()
			chunks = append(chunks, line[:maxMessageLen])
			line = line[maxMessageLen:]
		}
		if cur.Len()+len(line)+1 > maxMessageLen {
			flush()
		}
		cur.WriteString(line)
		cur.WriteString("\n")
		if strings.HasPrefix(strings.TrimSpace(line), fence) {
			inFence = !inFence
		}
	}
	if inFence {
		// Unterminated fence in the source text.
		cur.WriteString(fence + "\n")
		inFence = false
	}
	flush()
	return chunks
}
