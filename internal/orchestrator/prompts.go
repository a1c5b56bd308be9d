package orchestrator

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/kazz187/agentcorp/internal/task"
)

// buildTaskPrompt renders the instruction handed to the CLI agent. A
// non-empty checklist turns the run into a batch: the agent handles
// every item in order and reports per item.
func buildTaskPrompt(t *task.Task, checklist []*task.Subtask) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\n", t.Title)
	if desc := strings.TrimSpace(t.Description); desc != "" {
		fmt.Fprintf(&b, "%s\n\n", desc)
	}
	if len(checklist) > 0 {
		b.WriteString("Work through the following checklist in order. Complete every item before finishing:\n\n")
		for i, st := range checklist {
			fmt.Fprintf(&b, "%d. %s", i+1, st.Title)
			if d := strings.TrimSpace(st.Description); d != "" {
				fmt.Fprintf(&b, " - %s", d)
			}
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	b.WriteString("Commit your work with clear messages. When everything is done, summarize what changed.")
	return b.String()
}

// buildReportPrompt instructs a report run to write its artifact to a
// fixed path so the caller can collect it afterwards.
func buildReportPrompt(t *task.Task, outputPath string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Report request: %s\n\n", t.Title)
	if desc := strings.TrimSpace(t.Description); desc != "" {
		fmt.Fprintf(&b, "%s\n\n", desc)
	}
	fmt.Fprintf(&b, "Write the finished report as Markdown to %s. Create the directory if it does not exist.\n", outputPath)
	b.WriteString("Do not modify any other files.")
	return b.String()
}

var pathPattern = regexp.MustCompile(`(?:^|\s)(/[\w./-]+)`)

// DetectProjectPath finds the first absolute path in the text that is
// an existing directory.
func DetectProjectPath(content string) string {
	for _, m := range pathPattern.FindAllStringSubmatch(content, -1) {
		p := strings.TrimRight(m[1], ".,;:")
		info, err := os.Stat(p)
		if err != nil || !info.IsDir() {
			continue
		}
		return p
	}
	return ""
}
