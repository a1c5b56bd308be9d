package orchestrator

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/kazz187/agentcorp/internal/department"
	"github.com/kazz187/agentcorp/internal/message"
)

var mentionPattern = regexp.MustCompile(`@([\p{L}\p{N}_-]+)`)

// ParseMentions extracts department names referenced in a message, in
// order of first appearance. Both @name tokens and bare department
// names count; matching is case-insensitive.
func ParseMentions(content string, depts []*department.Department) []string {
	lower := strings.ToLower(content)

	type hit struct {
		name string
		pos  int
	}
	var hits []hit
	seen := make(map[string]bool)
	add := func(name string, pos int) {
		if pos < 0 || seen[name] {
			return
		}
		seen[name] = true
		hits = append(hits, hit{name: name, pos: pos})
	}

	tokens := make(map[string]int)
	for _, m := range mentionPattern.FindAllStringSubmatchIndex(lower, -1) {
		token := lower[m[2]:m[3]]
		if _, ok := tokens[token]; !ok {
			tokens[token] = m[0]
		}
	}

	for _, d := range depts {
		name := strings.ToLower(d.Name)
		display := strings.ToLower(d.DisplayName)
		if pos, ok := tokens[name]; ok {
			add(d.Name, pos)
			continue
		}
		if pos, ok := tokens[display]; ok {
			add(d.Name, pos)
			continue
		}
		if pos := wordIndex(lower, name); pos >= 0 {
			add(d.Name, pos)
			continue
		}
		if display != name {
			if pos := wordIndex(lower, display); pos >= 0 {
				add(d.Name, pos)
			}
		}
	}

	for i := 0; i < len(hits); i++ {
		for j := i + 1; j < len(hits); j++ {
			if hits[j].pos < hits[i].pos {
				hits[i], hits[j] = hits[j], hits[i]
			}
		}
	}
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.name)
	}
	return out
}

// wordIndex finds needle in haystack at a word boundary.
func wordIndex(haystack, needle string) int {
	if needle == "" {
		return -1
	}
	from := 0
	for {
		idx := strings.Index(haystack[from:], needle)
		if idx < 0 {
			return -1
		}
		idx += from
		beforeOK := idx == 0 || !isWordByte(haystack[idx-1])
		end := idx + len(needle)
		afterOK := end == len(haystack) || !isWordByte(haystack[end])
		if beforeOK && afterOK {
			return idx
		}
		from = idx + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || b == '-' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// guardedMentions returns the departments mentioned in the message that
// have not yet been processed for it, excluding the owning department,
// and marks them processed.
func (o *Orchestrator) guardedMentions(ctx context.Context, m *message.Message, ownDept string) []string {
	depts, err := o.depts.List(ctx)
	if err != nil {
		slog.Error("orchestrator: failed to list departments for mentions", "error", err)
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	processed := o.mentionGuard[m.ID]
	if processed == nil {
		processed = make(map[string]bool)
		o.mentionGuard[m.ID] = processed
	}

	var out []string
	for _, name := range ParseMentions(m.Content, depts) {
		if name == ownDept || processed[name] {
			continue
		}
		processed[name] = true
		out = append(out, name)
	}
	return out
}

// handleMentions runs mention-based delegation for chat and
// announcement messages. With task context the mentions extend that
// task's cooperation queue; without it the first mentioned department
// receives the message as a directive and the rest ride its queue.
func (o *Orchestrator) handleMentions(ctx context.Context, in *Inbound) error {
	m := in.Message

	if m.TaskID != "" {
		parent, err := o.tasks.Get(ctx, m.TaskID)
		if err != nil {
			return err
		}
		ownDept := ""
		if d, err := o.depts.Get(ctx, parent.DepartmentID); err == nil {
			ownDept = d.Name
		}
		mentioned := o.guardedMentions(ctx, m, ownDept)
		if len(mentioned) == 0 {
			return nil
		}
		return o.startQueue(ctx, parent.ID, mentioned, nil)
	}

	depts, err := o.depts.List(ctx)
	if err != nil {
		return err
	}
	mentioned := ParseMentions(m.Content, depts)
	if len(mentioned) == 0 {
		return nil
	}

	// One routing decision per message, however often it is replayed.
	o.mu.Lock()
	routed := o.mentionRouted[m.ID]
	o.mentionRouted[m.ID] = true
	o.mu.Unlock()
	if routed {
		return nil
	}

	directive := &Inbound{
		Message: &message.Message{
			ID:           m.ID,
			SenderType:   m.SenderType,
			SenderID:     m.SenderID,
			ReceiverType: "department",
			ReceiverID:   mentioned[0],
			Content:      m.Content,
			MessageType:  message.TypeDirective,
			CreatedAt:    m.CreatedAt,
		},
		ProjectPath:  in.ProjectPath,
		SkipPlanning: true,
	}
	return o.handleDirective(ctx, directive)
}
