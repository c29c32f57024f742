// Package textscan provides stateless text heuristics over agent CLI output:
// interactive-prompt detection, code detection, fenced-block extraction, and
// ANSI stripping. These are best-effort pattern matches over unstructured
// terminal output, kept pure so they can be tested in isolation.
package textscan

import (
	"encoding/json"
	"regexp"
	"strings"
)

// promptPatterns match common interactive confirmation prompts emitted by
// CLI tools. Matching is case-insensitive.
var promptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\[y/n\]`),
	regexp.MustCompile(`(?i)\[y/N\]`),
	regexp.MustCompile(`(?i)\[Y/n\]`),
	regexp.MustCompile(`(?i)press enter to continue`),
	regexp.MustCompile(`(?i)enter your choice:`),
	regexp.MustCompile(`(?i)please confirm:`),
	regexp.MustCompile(`(?i)continue\? \(y/n\)`),
	regexp.MustCompile(`(?i)proceed\? \(y/n\)`),
}

// readyMarkers are tokens whose presence in early stdout indicates the child
// process has finished starting and is waiting for input.
var readyMarkers = []string{"ready", "Ready", "READY"}

// ansiEscape matches ANSI CSI/OSC escape sequences.
var ansiEscape = regexp.MustCompile(`\x1b(\[[0-9;?]*[a-zA-Z]|\][^\x07]*\x07)`)

// LooksLikeInteractivePrompt reports whether text appears to be a blocking
// interactive prompt waiting for user confirmation.
func LooksLikeInteractivePrompt(text string) bool {
	for _, p := range promptPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// LooksReady reports whether a chunk of startup output indicates the process
// is ready for input: either a known ready token or a trailing prompt
// character on the last non-empty line.
func LooksReady(text string) bool {
	for _, m := range readyMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	trimmed := strings.TrimRight(StripANSI(text), " \t\r\n")
	return strings.HasSuffix(trimmed, ">")
}

// codeIndicators are substrings that strongly suggest a line of code.
var codeIndicators = []string{
	"def ", "class ", "import ", "from ", "func ", "package ",
	"return ", "if ", "for ", "while ", "var ", "const ", "let ",
	"function ", "#!/", "<html", "SELECT ", "INSERT ", "UPDATE ", "DELETE FROM ",
	"==", "!=", "&&", "||", ":=", "->", "=>",
}

// LooksLikeCode reports whether a single line of text appears to be source
// code rather than prose. Heuristic only.
func LooksLikeCode(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	for _, ind := range codeIndicators {
		if strings.Contains(line, ind) {
			return true
		}
	}
	// Assignment with no surrounding prose markers.
	if strings.Contains(trimmed, " = ") && !strings.ContainsAny(trimmed, "?!") {
		return true
	}
	// Indented block continuation.
	if strings.HasPrefix(line, "    ") || strings.HasPrefix(line, "\t") {
		return true
	}
	return false
}

// ExtractCodeBlocks wraps runs of two or more consecutive code-looking lines
// in markdown fences. Single code-looking lines pass through unfenced, as do
// all prose lines. Text already containing fences is returned unchanged.
func ExtractCodeBlocks(text string) string {
	if strings.Contains(text, "```") {
		return text
	}

	lines := strings.Split(text, "\n")
	var out []string
	var run []string

	flush := func() {
		if len(run) >= 2 {
			out = append(out, "```")
			out = append(out, run...)
			out = append(out, "```")
		} else {
			out = append(out, run...)
		}
		run = nil
	}

	for _, line := range lines {
		if LooksLikeCode(line) {
			run = append(run, line)
			continue
		}
		flush()
		out = append(out, line)
	}
	flush()

	return strings.Join(out, "\n")
}

// StripANSI removes ANSI escape sequences from text.
func StripANSI(text string) string {
	return ansiEscape.ReplaceAllString(text, "")
}

// Record is one self-describing line from a stream-json style CLI.
// Only the fields the session core cares about are decoded; everything else
// stays in Raw.
type Record struct {
	Type         string `json:"type"`
	SessionToken string `json:"session_id"`
	Result       string `json:"result"`

	Raw map[string]json.RawMessage `json:"-"`
}

// ParseRecord decodes one line of line-delimited structured output.
// Returns false if the line is not a well-formed record; malformed lines are
// expected (the stream interleaves plain text) and must not be treated as
// errors by callers.
func ParseRecord(line string) (Record, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return Record{}, false
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &raw); err == nil {
		rec.Raw = raw
	}
	return rec, true
}
