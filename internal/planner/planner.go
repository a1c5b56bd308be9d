package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	claudeagent "github.com/kazz187/claude-agent-sdk-go"

	"github.com/kazz187/agentcorp/pkg/cerr"
)

// Item is one unit of work the planning department proposes for a
// directive. Department names must match the company topology.
type Item struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Department  string `json:"department"`
}

type Planner interface {
	Plan(ctx context.Context, directive string, departments []string, projectPath string) ([]Item, error)
}

const planSystemPrompt = `You are the planning team leader of a software company.
Given a directive from the CEO, break it into a short ordered list of work items
and assign each item to exactly one department from the provided list.

Rules:
- Use as few items as possible. One item per department unless the directive clearly needs more.
- Only use department names from the provided list.
- Order items so that earlier items unblock later ones.

Return ONLY a JSON array with this exact structure, no markdown fences, no commentary:
[
  {"title": "<short title>", "description": "<what to do and why>", "department": "<department name>"}
]`

// ClaudePlanner asks the agent SDK to decompose a directive into plan
// items, running read-only in the project directory.
type ClaudePlanner struct{}

func NewClaudePlanner() *ClaudePlanner {
	return &ClaudePlanner{}
}

func (p *ClaudePlanner) Plan(ctx context.Context, directive string, departments []string, projectPath string) ([]Item, error) {
	prompt := fmt.Sprintf("Departments: %s\n\nDirective:\n%s", strings.Join(departments, ", "), directive)

	opts := &claudeagent.ClaudeAgentOptions{
		SystemPrompt:   planSystemPrompt,
		Cwd:            projectPath,
		PermissionMode: claudeagent.PermissionModeDefault,
	}

	result, err := claudeagent.RunQuerySync(ctx, prompt, opts)
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "planning query failed", err)
	}
	if result.Result == nil {
		return nil, cerr.NewError(cerr.Internal, "planning query returned no result", nil)
	}
	if result.Result.IsError {
		return nil, cerr.NewError(cerr.Internal, fmt.Sprintf("planning query failed: %s", result.Result.Result), nil)
	}

	items, err := ParseItems(result.Result.Result, departments)
	if err != nil {
		return nil, err
	}
	return items, nil
}

// ParseItems decodes a plan from model output, tolerating markdown
// fences, and rejects items naming unknown departments.
func ParseItems(raw string, departments []string) ([]Item, error) {
	text := stripJSONFences(raw)

	var items []Item
	if err := json.Unmarshal([]byte(text), &items); err != nil {
		return nil, cerr.NewError(cerr.Internal, fmt.Sprintf("failed to parse plan: %s", text), err)
	}
	if len(items) == 0 {
		return nil, cerr.NewError(cerr.Internal, "plan is empty", nil)
	}

	known := make(map[string]bool, len(departments))
	for _, d := range departments {
		known[d] = true
	}
	for i, item := range items {
		if item.Title == "" {
			return nil, cerr.NewError(cerr.Internal, fmt.Sprintf("plan item %d has no title", i), nil)
		}
		if !known[item.Department] {
			return nil, cerr.NewError(cerr.Internal, fmt.Sprintf("plan item %q names unknown department %q", item.Title, item.Department), nil)
		}
	}
	return items, nil
}

func stripJSONFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	return s
}
