package textscan

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLooksLikeInteractivePrompt(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{"yn brackets", "Overwrite file? [y/n]", true},
		{"default yes", "Continue [Y/n]", true},
		{"default no", "Delete branch? [y/N]", true},
		{"press enter", "Press Enter to continue", true},
		{"press enter mixed case", "press ENTER to continue", true},
		{"enter choice", "Enter your choice: ", true},
		{"please confirm", "Please confirm:", true},
		{"continue paren", "Continue? (y/n)", true},
		{"proceed paren", "Proceed? (y/n)", true},
		{"plain output", "wrote 3 files", false},
		{"question without options", "What should I do next?", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LooksLikeInteractivePrompt(tt.text))
		})
	}
}

func TestLooksReady(t *testing.T) {
	assert.True(t, LooksReady("claude is ready"))
	assert.True(t, LooksReady("startup complete\n> "))
	assert.True(t, LooksReady("\x1b[32m>\x1b[0m"))
	assert.False(t, LooksReady("loading model..."))
	assert.False(t, LooksReady(""))
}

func TestLooksLikeCode(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"def handle(req):", true},
		{"class Foo:", true},
		{"import os", true},
		{"func main() {", true},
		{"x := compute()", true},
		{"if err != nil {", true},
		{"SELECT * FROM sessions", true},
		{"#!/bin/sh", true},
		{"    indented continuation", true},
		{"count = count + 1", true},
		{"The function returned an error.", false},
		{"Here is what I changed:", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, LooksLikeCode(tt.line), "line %q", tt.line)
		})
	}
}

func TestExtractCodeBlocks(t *testing.T) {
	in := strings.Join([]string{
		"I updated the handler:",
		"func handle(w http.ResponseWriter, r *http.Request) {",
		"	w.WriteHeader(200)",
		"}",
		"Let me know if that works.",
	}, "\n")

	out := ExtractCodeBlocks(in)
	require.Contains(t, out, "```\nfunc handle")
	assert.Equal(t, 2, strings.Count(out, "```"))
	assert.Contains(t, out, "Let me know if that works.")
}

func TestExtractCodeBlocksSingleLinePassesThrough(t *testing.T) {
	out := ExtractCodeBlocks("run this:\nimport os\nand you are done")
	assert.NotContains(t, out, "```")
}

func TestExtractCodeBlocksPreservesExistingFences(t *testing.T) {
	in := "```go\nfunc main() {}\n```"
	assert.Equal(t, in, ExtractCodeBlocks(in))
}

func TestStripANSI(t *testing.T) {
	assert.Equal(t, "hello", StripANSI("\x1b[1;32mhello\x1b[0m"))
	assert.Equal(t, "plain", StripANSI("plain"))
	assert.Equal(t, "title", StripANSI("\x1b]0;window\x07title"))
}

func TestParseRecord(t *testing.T) {
	rec, ok := ParseRecord(`{"type":"result","session_id":"abc-123","result":"done"}`)
	require.True(t, ok)
	assert.Equal(t, "result", rec.Type)
	assert.Equal(t, "abc-123", rec.SessionToken)
	assert.Equal(t, "done", rec.Result)

	_, ok = ParseRecord("not json at all")
	assert.False(t, ok)

	_, ok = ParseRecord(`{"type": truncated`)
	assert.False(t, ok)
}
