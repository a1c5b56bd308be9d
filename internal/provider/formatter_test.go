package provider

import (
	"strings"
	"testing"
)

func TestStreamFormatterAssistantText(t *testing.T) {
	var out strings.Builder
	sf := NewStreamFormatter(&out, nil)

	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"working on it"}]}}` + "\n"
	if _, err := sf.Write([]byte(line)); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); got != "working on it\n" {
		t.Errorf("output = %q", got)
	}
}

func TestStreamFormatterToolUse(t *testing.T) {
	var out strings.Builder
	sf := NewStreamFormatter(&out, nil)

	lines := `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{"command":"go test ./..."}}]}}
{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Edit","input":{"file_path":"main.go"}}]}}
{"type":"result","subtype":"success"}
`
	if _, err := sf.Write([]byte(lines)); err != nil {
		t.Fatal(err)
	}
	want := "> $ go test ./...\n> edit main.go\nresult: success\n"
	if got := out.String(); got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestStreamFormatterRawPassthrough(t *testing.T) {
	var out strings.Builder
	sf := NewStreamFormatter(&out, nil)

	if _, err := sf.Write([]byte("plain tool output\n")); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); got != "plain tool output\n" {
		t.Errorf("output = %q", got)
	}
}

func TestStreamFormatterPartialWrites(t *testing.T) {
	var out strings.Builder
	var touches int
	sf := NewStreamFormatter(&out, func() { touches++ })

	full := `{"type":"assistant","message":{"content":[{"type":"text","text":"split line"}]}}` + "\n"
	half := len(full) / 2
	if _, err := sf.Write([]byte(full[:half])); err != nil {
		t.Fatal(err)
	}
	if out.String() != "" {
		t.Errorf("emitted before newline: %q", out.String())
	}
	if _, err := sf.Write([]byte(full[half:])); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); got != "split line\n" {
		t.Errorf("output = %q", got)
	}
	if touches != 2 {
		t.Errorf("touches = %d, want 2", touches)
	}
}

func TestStreamFormatterFlush(t *testing.T) {
	var out strings.Builder
	sf := NewStreamFormatter(&out, nil)

	if _, err := sf.Write([]byte("trailing without newline")); err != nil {
		t.Fatal(err)
	}
	sf.Flush()
	if got := out.String(); got != "trailing without newline\n" {
		t.Errorf("output = %q", got)
	}
}

func TestQuoteCommand(t *testing.T) {
	got := quoteCommand("claude", []string{"-p", "fix the bug", "--verbose"})
	if got != `claude -p 'fix the bug' --verbose` {
		t.Errorf("quoteCommand = %q", got)
	}
}
