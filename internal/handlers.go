package internal

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/kazz187/agentcorp/internal/gateway"
	"github.com/kazz187/agentcorp/internal/message"
	"github.com/kazz187/agentcorp/internal/orchestrator"
	"github.com/kazz187/agentcorp/internal/pushsubscription"
	"github.com/kazz187/agentcorp/internal/task"
	"github.com/kazz187/agentcorp/pkg/cerr"
)

type messageRequest struct {
	Content      string `json:"content"`
	SenderType   string `json:"sender_type"`
	SenderID     string `json:"sender_id,omitempty"`
	ReceiverType string `json:"receiver_type"`
	ReceiverID   string `json:"receiver_id,omitempty"`
	MessageType  string `json:"message_type,omitempty"`
	TaskID       string `json:"task_id,omitempty"`
	ProjectPath  string `json:"project_path,omitempty"`
}

type messageResponse struct {
	MessageID string `json:"message_id"`
	Created   bool   `json:"created"`
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return cerr.NewError(cerr.InvalidArgument, "invalid request body", err)
	}
	return nil
}

// ingest runs the gateway and, on first acceptance, hands the message
// to the orchestrator asynchronously.
func (s *Server) ingest(w http.ResponseWriter, r *http.Request, req *messageRequest, endpoint string) {
	ctx := r.Context()
	result, err := s.gw.Ingest(ctx, &gateway.Request{
		Endpoint:       endpoint,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		SenderType:     req.SenderType,
		SenderID:       req.SenderID,
		ReceiverType:   req.ReceiverType,
		ReceiverID:     req.ReceiverID,
		Content:        req.Content,
		MessageType:    req.MessageType,
		TaskID:         req.TaskID,
	})
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if result.Created {
		s.orch.HandleAsync(&orchestrator.Inbound{
			Message:     result.Message,
			ProjectPath: s.orch.ResolveProject(req.ProjectPath, req.Content),
		})
	}
	cerr.SetJSONResponse(ctx, &messageResponse{MessageID: result.Message.ID, Created: result.Created})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decode(r, &req); err != nil {
		cerr.SetJSONError(r.Context(), err)
		return
	}
	if req.MessageType == "" {
		req.MessageType = message.TypeChat
	}
	s.ingest(w, r, &req, "/api/messages")
}

func (s *Server) handleAnnouncement(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decode(r, &req); err != nil {
		cerr.SetJSONError(r.Context(), err)
		return
	}
	req.ReceiverType = "all"
	req.ReceiverID = ""
	req.MessageType = message.TypeAnnouncement
	s.ingest(w, r, &req, "/api/announcements")
}

func (s *Server) handleDirective(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req messageRequest
	if err := decode(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	req.MessageType = message.TypeDirective
	if req.ReceiverType == "" {
		req.ReceiverType = "department"
	}
	if s.env.RequireProjectBinding && req.ProjectPath == "" && orchestrator.DetectProjectPath(req.Content) == "" {
		cerr.SetJSONError(ctx, cerr.NewError(cerr.PreconditionRequired,
			"a project binding is required before directives can be processed", nil).
			AddDetail(map[string]string{
				"action": "bind_project",
				"hint":   "supply project_path in the request body or mention an absolute project path in the directive",
			}))
		return
	}
	s.ingest(w, r, &req, "/api/directives")
}

// handleInbox accepts raw external input guarded by the shared inbox
// secret. A leading "$" marks the content as a directive; everything
// else becomes an announcement.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.env.InboxSecret == "" || r.Header.Get("X-Inbox-Secret") != s.env.InboxSecret {
		cerr.SetNewJSONError(ctx, cerr.Unauthenticated, "invalid inbox secret", nil)
		return
	}

	var req struct {
		Content     string `json:"content"`
		SenderID    string `json:"sender_id,omitempty"`
		ProjectPath string `json:"project_path,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}

	msg := messageRequest{
		Content:     req.Content,
		SenderType:  "human",
		SenderID:    req.SenderID,
		ProjectPath: req.ProjectPath,
	}
	if strings.HasPrefix(strings.TrimSpace(req.Content), "$") {
		msg.Content = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(req.Content), "$"))
		msg.MessageType = message.TypeDirective
		msg.ReceiverType = "department"
	} else {
		msg.MessageType = message.TypeAnnouncement
		msg.ReceiverType = "all"
	}
	s.ingest(w, r, &msg, "/api/inbox")
}

type taskResponse struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	DepartmentID    string     `json:"department_id"`
	AssignedAgentID string     `json:"assigned_agent_id,omitempty"`
	Status          string     `json:"status"`
	Priority        int        `json:"priority"`
	TaskType        string     `json:"task_type"`
	ProjectPath     string     `json:"project_path,omitempty"`
	SourceTaskID    string     `json:"source_task_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type subtaskResponse struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	Status             string     `json:"status"`
	TargetDepartmentID string     `json:"target_department_id,omitempty"`
	DelegatedTaskID    string     `json:"delegated_task_id,omitempty"`
	BlockedReason      string     `json:"blocked_reason,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

func toTaskResponse(t *task.Task) *taskResponse {
	return &taskResponse{
		ID:              t.ID,
		Title:           t.Title,
		Description:     t.Description,
		DepartmentID:    t.DepartmentID,
		AssignedAgentID: t.AssignedAgentID,
		Status:          string(t.Status),
		Priority:        t.Priority,
		TaskType:        t.TaskType,
		ProjectPath:     t.ProjectPath,
		SourceTaskID:    t.SourceTaskID,
		CreatedAt:       t.CreatedAt,
		StartedAt:       t.StartedAt,
		CompletedAt:     t.CompletedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tasks, err := s.tasks.List(ctx, r.URL.Query().Get("department_id"), task.Status(r.URL.Query().Get("status")))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	out := make([]*taskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskResponse(t))
	}
	cerr.SetJSONResponse(ctx, map[string]any{"tasks": out})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	t, err := s.tasks.Get(ctx, id)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	subtasks, err := s.tasks.ListSubtasks(ctx, id)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	children, err := s.tasks.ListChildren(ctx, id)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}

	sts := make([]*subtaskResponse, 0, len(subtasks))
	for _, st := range subtasks {
		sts = append(sts, &subtaskResponse{
			ID:                 st.ID,
			Title:              st.Title,
			Description:        st.Description,
			Status:             string(st.Status),
			TargetDepartmentID: st.TargetDepartmentID,
			DelegatedTaskID:    st.DelegatedTaskID,
			BlockedReason:      st.BlockedReason,
			CreatedAt:          st.CreatedAt,
			CompletedAt:        st.CompletedAt,
		})
	}
	kids := make([]*taskResponse, 0, len(children))
	for _, c := range children {
		kids = append(kids, toTaskResponse(c))
	}
	cerr.SetJSONResponse(ctx, map[string]any{
		"task":     toTaskResponse(t),
		"subtasks": sts,
		"children": kids,
	})
}

type terminalLogRow struct {
	Kind      string    `json:"kind"`
	Outcome   string    `json:"outcome,omitempty"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// handleTerminal returns the tail of the task's transcript together
// with its system log rows.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if _, err := s.tasks.Get(ctx, id); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}

	lines, err := s.sup.TranscriptTail(ctx, id, 200)
	if err != nil && !cerr.IsCode(err, cerr.NotFound) {
		cerr.SetJSONError(ctx, err)
		return
	}
	entries, err := s.logs.ListByTask(ctx, id, 50)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	rows := make([]*terminalLogRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, &terminalLogRow{
			Kind:      e.Kind,
			Outcome:   e.Outcome,
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt,
		})
	}
	cerr.SetJSONResponse(ctx, map[string]any{
		"lines": lines,
		"logs":  rows,
	})
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if _, ok := s.worktrees.Get(id); !ok {
		cerr.SetNewJSONError(ctx, cerr.NotFound, "no worktree bound to task", nil)
		return
	}
	diff, err := s.worktrees.Diff(ctx, id)
	if err != nil {
		cerr.SetJSONError(ctx, cerr.NewError(cerr.Internal, "failed to diff worktree", err))
		return
	}
	cerr.SetJSONResponse(ctx, map[string]string{"diff": diff})
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if _, ok := s.worktrees.Get(id); !ok {
		cerr.SetNewJSONError(ctx, cerr.NotFound, "no worktree bound to task", nil)
		return
	}
	if err := s.worktrees.Merge(ctx, id); err != nil {
		cerr.SetJSONError(ctx, cerr.NewError(cerr.FailedPrecondition, "merge failed", err))
		return
	}
	if err := s.sup.FinalizeMerged(ctx, id); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]string{"status": "merged"})
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.worktrees.Discard(ctx, chi.URLParam(r, "id")); err != nil {
		cerr.SetJSONError(ctx, cerr.NewError(cerr.Internal, "failed to discard worktree", err))
		return
	}
	cerr.SetJSONResponse(ctx, map[string]string{"status": "discarded"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.orch.StopTask(ctx, chi.URLParam(r, "id")); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]string{"status": "stopped"})
}

func (s *Server) handleListWorktrees(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	type binding struct {
		TaskID      string `json:"task_id"`
		Path        string `json:"path"`
		Branch      string `json:"branch"`
		ProjectPath string `json:"project_path"`
		BaseBranch  string `json:"base_branch"`
	}
	var out []*binding
	for _, b := range s.worktrees.List() {
		out = append(out, &binding{
			TaskID:      b.TaskID,
			Path:        b.Path,
			Branch:      b.Branch,
			ProjectPath: b.ProjectPath,
			BaseBranch:  b.BaseBranch,
		})
	}
	cerr.SetJSONResponse(ctx, map[string]any{"worktrees": out})
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Endpoint string `json:"endpoint"`
		Keys     struct {
			P256dh string `json:"p256dh"`
			Auth   string `json:"auth"`
		} `json:"keys"`
	}
	if err := decode(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if req.Endpoint == "" || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "endpoint and keys are required", nil)
		return
	}
	sub := &pushsubscription.Subscription{
		ID:        ulid.Make().String(),
		Endpoint:  req.Endpoint,
		P256dhKey: req.Keys.P256dh,
		AuthKey:   req.Keys.Auth,
		CreatedAt: time.Now(),
	}
	if err := s.subs.Create(ctx, sub); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]string{"id": sub.ID})
}
