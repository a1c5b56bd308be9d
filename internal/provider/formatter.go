package provider

import (
	"fmt"
	"io"
	"sync"

	"github.com/tidwall/gjson"
)

// StreamFormatter parses the CLI's stream-json output and writes
// human-readable lines to dest. Lines that are not valid JSON are
// passed through untouched so nothing the tool prints is lost.
// It implements io.Writer.
type StreamFormatter struct {
	dest     io.Writer
	onOutput func()

	mu  sync.Mutex
	buf []byte
}

func NewStreamFormatter(dest io.Writer, onOutput func()) *StreamFormatter {
	return &StreamFormatter{
		dest:     dest,
		onOutput: onOutput,
	}
}

func (sf *StreamFormatter) Write(p []byte) (int, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.onOutput != nil {
		sf.onOutput()
	}

	sf.buf = append(sf.buf, p...)
	for {
		idx := -1
		for i, b := range sf.buf {
			if b == '\n' {
				idx = i
				break
			}
		}
		if idx == -1 {
			break
		}
		line := string(sf.buf[:idx])
		sf.buf = sf.buf[idx+1:]
		sf.processLine(line)
	}
	return len(p), nil
}

// Flush formats whatever is left in the buffer as a final line.
func (sf *StreamFormatter) Flush() {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if len(sf.buf) > 0 {
		sf.processLine(string(sf.buf))
		sf.buf = nil
	}
}

func (sf *StreamFormatter) processLine(line string) {
	if line == "" {
		return
	}
	if !gjson.Valid(line) {
		sf.writeLine(line)
		return
	}

	switch gjson.Get(line, "type").String() {
	case "assistant":
		sf.processAssistant(line)
	case "result":
		subtype := gjson.Get(line, "subtype").String()
		if subtype == "" {
			subtype = "unknown"
		}
		sf.writeLine("result: " + subtype)
	}
	// Skip "user" (tool_result) and "system" events
}

func (sf *StreamFormatter) processAssistant(line string) {
	content := gjson.Get(line, "message.content")
	if !content.Exists() {
		return
	}

	content.ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "text":
			if text := item.Get("text").String(); text != "" {
				sf.writeLine(text)
			}
		case "tool_use":
			sf.processToolUse(item)
		}
		// Skip "thinking", too verbose
		return true
	})
}

func (sf *StreamFormatter) processToolUse(item gjson.Result) {
	name := item.Get("name").String()
	input := item.Get("input")

	var display string
	switch name {
	case "Bash":
		cmd := input.Get("command").String()
		if len(cmd) > 120 {
			cmd = cmd[:120] + "..."
		}
		display = "$ " + cmd
	case "Read":
		display = "read " + input.Get("file_path").String()
	case "Write":
		display = "write " + input.Get("file_path").String()
	case "Edit":
		display = "edit " + input.Get("file_path").String()
	case "Glob", "Grep":
		display = "search " + input.Get("pattern").String()
	default:
		display = "tool " + name
	}
	sf.writeLine("> " + display)
}

func (sf *StreamFormatter) writeLine(text string) {
	fmt.Fprintln(sf.dest, text)
}
