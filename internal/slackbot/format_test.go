package slackbot

import (
	"strings"
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in       string
		wantCmd  string
		wantArgs []string
		wantOK   bool
	}{
		{"!sessions", "sessions", nil, true},
		{"!new /tmp/project", "new", []string{"/tmp/project"}, true},
		{"!RUN ls -la", "run", []string{"ls", "-la"}, true},
		{"hello there", "", nil, false},
		{"!", "", nil, false},
		{"fix the bug!", "", nil, false},
	}

	for _, tt := range tests {
		cmd, args, ok := parseCommand(tt.in)
		if ok != tt.wantOK {
			t.Errorf("parseCommand(%q) ok = %v, want %v", tt.in, ok, tt.wantOK)
			continue
		}
		if cmd != tt.wantCmd {
			t.Errorf("parseCommand(%q) cmd = %q, want %q", tt.in, cmd, tt.wantCmd)
		}
		if len(args) != len(tt.wantArgs) {
			t.Errorf("parseCommand(%q) args = %v, want %v", tt.in, args, tt.wantArgs)
			continue
		}
		for i := range args {
			if args[i] != tt.wantArgs[i] {
				t.Errorf("parseCommand(%q) args = %v, want %v", tt.in, args, tt.wantArgs)
			}
		}
	}
}

func TestFormatReplyShort(t *testing.T) {
	got := FormatReply("hello world")
	if len(got) != 1 || got[0] != "hello world" {
		t.Errorf("FormatReply = %v, want single chunk", got)
	}
}

func TestFormatReplyEmpty(t *testing.T) {
	if got := FormatReply(""); got != nil {
		t.Errorf("FormatReply(\"\") = %v, want nil", got)
	}
	if got := FormatReply("\n\n"); got != nil {
		t.Errorf("FormatReply(newlines) = %v, want nil", got)
	}
}

func TestFormatReplyStripsANSI(t *testing.T) {
	got := FormatReply("\x1b[32mgreen\x1b[0m text")
	if len(got) != 1 || got[0] != "green text" {
		t.Errorf("FormatReply = %v, want ANSI stripped", got)
	}
}

func TestFormatReplyFencesCode(t *testing.T) {
	in := "here is the fix:\nfunc main() {\n\tfmt.Println(1)\n}"
	got := FormatReply(in)
	if len(got) != 1 {
		t.Fatalf("FormatReply returned %d chunks, want 1", len(got))
	}
	if !strings.Contains(got[0], "```") {
		t.Errorf("FormatReply = %q, want fenced code", got[0])
	}
}

func TestFormatReplySplitsLongOutput(t *testing.T) {
	line := strings.Repeat("x", 100)
	in := strings.TrimRight(strings.Repeat(line+"\n", 100), "\n")
	got := FormatReply(in)
	if len(got) < 2 {
		t.Fatalf("FormatReply returned %d chunks, want several", len(got))
	}
	for i, chunk := range got {
		if len(chunk) > maxMessageLen+10 {
			t.Errorf("chunk %d has length %d, exceeds limit", i, len(chunk))
		}
	}
	joined := strings.ReplaceAll(strings.Join(got, "\n"), "\n", "")
	if !strings.Contains(joined, strings.Repeat("x", 100)) {
		t.Error("split output lost content")
	}
}

func TestFormatReplyReopensFenceAcrossSplit(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("```\n")
	for i := 0; i < 200; i++ {
		sb.WriteString(strings.Repeat("y", 50))
		sb.WriteString("\n")
	}
	sb.WriteString("```")
	got := FormatReply(sb.String())
	if len(got) < 2 {
		t.Fatalf("FormatReply returned %d chunks, want several", len(got))
	}
	for i, chunk := range got {
		if strings.Count(chunk, "```")%2 != 0 {
			t.Errorf("chunk %d has unbalanced fences:\n%s", i, chunk)
		}
	}
}

func TestFormatReplyClosesUnterminatedFence(t *testing.T) {
	in := "```\n" + strings.Repeat("z\n", 3000) + "no closing fence"
	got := FormatReply(in)
	if len(got) < 2 {
		t.Fatalf("FormatReply returned %d chunks, want several", len(got))
	}
	for i, chunk := range got {
		if strings.Count(chunk, "```")%2 != 0 {
			t.Errorf("chunk %d has unbalanced fences:\n%s", i, chunk)
		}
	}
}

func TestStripMention(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"<@U123ABC> fix the tests", "fix the tests"},
		{"no mention here", "no mention here"},
		{"  <@U1> hi ", "hi"},
	}
	for _, tt := range tests {
		if got := stripMention(tt.in); got != tt.want {
			t.Errorf("stripMention(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestThreadOf(t *testing.T) {
	if got := threadOf("111.222", "333.444"); got != "111.222" {
		t.Errorf("threadOf kept %q, want existing thread", got)
	}
	if got := threadOf("", "333.444"); got != "333.444" {
		t.Errorf("threadOf = %q, want message ts", got)
	}
}
