package gateway

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/kazz187/agentcorp/internal/audit"
	"github.com/kazz187/agentcorp/internal/broadcast"
	"github.com/kazz187/agentcorp/internal/eventbus"
	"github.com/kazz187/agentcorp/internal/message"
	"github.com/kazz187/agentcorp/internal/store"
	"github.com/kazz187/agentcorp/pkg/cerr"
)

// Request is one inbound submission, already parsed from HTTP.
type Request struct {
	Endpoint       string
	IdempotencyKey string
	SenderType     string
	SenderID       string
	ReceiverType   string
	ReceiverID     string
	Content        string
	MessageType    string
	TaskID         string
}

// Result reports whether the message was created or replayed.
type Result struct {
	Message *message.Message
	Created bool
}

// Gateway deduplicates inbound messages by idempotency key and writes
// an audit row for every outcome before the caller responds. An
// accepted message and its audit entry commit in one transaction.
type Gateway struct {
	store    *store.Store
	messages message.Repository
	audits   audit.Repository
	bc       broadcast.Broadcaster
	now      func() time.Time
}

func New(s *store.Store, messages message.Repository, audits audit.Repository, bc broadcast.Broadcaster) *Gateway {
	return &Gateway{
		store:    s,
		messages: messages,
		audits:   audits,
		bc:       bc,
		now:      time.Now,
	}
}

// WithClock overrides the clock, for tests.
func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	g.now = now
	return g
}

// DeriveKey builds a deterministic idempotency key for requests that
// carry none: retrying the same submission maps to the same key.
func DeriveKey(req *Request) string {
	h := sha256.New()
	for _, part := range []string{
		req.Endpoint, req.SenderType, req.SenderID, req.Content,
		req.ReceiverType, req.ReceiverID, req.TaskID,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Ingest validates, deduplicates, persists, and audits one inbound
// request. Callers surface the error codes directly: InvalidArgument
// 400, AlreadyExists 409, Unavailable 503.
func (g *Gateway) Ingest(ctx context.Context, req *Request) (*Result, error) {
	key := req.IdempotencyKey
	if key == "" {
		key = DeriveKey(req)
	}

	if err := validate(req); err != nil {
		g.writeAudit(ctx, req.Endpoint, key, audit.OutcomeValidationError, "", err.Error())
		return nil, err
	}

	if existing, err := g.messages.GetByIdempotencyKey(ctx, key); err == nil {
		return g.handleExisting(ctx, req, key, existing)
	} else if !cerr.IsCode(err, cerr.NotFound) {
		return nil, err
	}

	m := &message.Message{
		ID:             ulid.Make().String(),
		SenderType:     req.SenderType,
		SenderID:       req.SenderID,
		ReceiverType:   req.ReceiverType,
		ReceiverID:     req.ReceiverID,
		Content:        req.Content,
		MessageType:    req.MessageType,
		TaskID:         req.TaskID,
		IdempotencyKey: key,
		CreatedAt:      g.now(),
	}

	err := store.Retry(ctx, func() error {
		return g.store.Tx(ctx, func(tx *sql.Tx) error {
			if err := g.messages.CreateTx(ctx, tx, m); err != nil {
				return err
			}
			return g.audits.CreateTx(ctx, tx, &audit.Entry{
				ID:             ulid.Make().String(),
				Endpoint:       req.Endpoint,
				IdempotencyKey: key,
				Outcome:        audit.OutcomeAccepted,
				MessageID:      m.ID,
				CreatedAt:      g.now(),
			})
		})
	})
	if err != nil {
		if cerr.IsCode(err, cerr.Unavailable) {
			g.writeAudit(ctx, req.Endpoint, key, audit.OutcomeBusy, "", "insert retries exhausted")
			return nil, err
		}
		// A concurrent request may have claimed the key between the
		// lookup and the insert.
		if isUniqueViolation(err) {
			if existing, getErr := g.messages.GetByIdempotencyKey(ctx, key); getErr == nil {
				return g.handleExisting(ctx, req, key, existing)
			}
		}
		return nil, cerr.NewError(cerr.Internal, "failed to persist message", err)
	}

	g.bc.Broadcast(ctx, eventbus.EventMessageAccepted, m.ID, map[string]string{
		"message_type": m.MessageType,
		"sender_type":  m.SenderType,
		"task_id":      m.TaskID,
	})
	return &Result{Message: m, Created: true}, nil
}

// handleExisting resolves a key collision: identical payload is a safe
// replay, anything else is a conflict and the new payload is dropped.
func (g *Gateway) handleExisting(ctx context.Context, req *Request, key string, existing *message.Message) (*Result, error) {
	if existing.Content == req.Content {
		g.writeAudit(ctx, req.Endpoint, key, audit.OutcomeDuplicate, existing.ID, "")
		return &Result{Message: existing, Created: false}, nil
	}

	g.writeAudit(ctx, req.Endpoint, key, audit.OutcomeConflict, existing.ID, payloadDiff(existing.Content, req.Content))
	return nil, cerr.NewError(cerr.AlreadyExists,
		fmt.Sprintf("idempotency key %s was already used with a different payload", key), nil)
}

func validate(req *Request) error {
	if strings.TrimSpace(req.Content) == "" {
		return cerr.NewError(cerr.InvalidArgument, "content is required", nil)
	}
	if req.SenderType == "" {
		return cerr.NewError(cerr.InvalidArgument, "sender_type is required", nil)
	}
	if req.ReceiverType == "" {
		return cerr.NewError(cerr.InvalidArgument, "receiver_type is required", nil)
	}
	if req.MessageType != "" && !message.ValidType(req.MessageType) {
		return cerr.NewError(cerr.InvalidArgument,
			fmt.Sprintf("unknown message_type %q", req.MessageType), nil)
	}
	return nil
}

// payloadDiff renders a unified diff of the stored vs incoming payload
// for the conflict audit row.
func payloadDiff(stored, incoming string) string {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(stored),
		B:        difflib.SplitLines(incoming),
		FromFile: "stored",
		ToFile:   "incoming",
		Context:  2,
	})
	if err != nil {
		return fmt.Sprintf("stored %d bytes, incoming %d bytes", len(stored), len(incoming))
	}
	return diff
}

// writeAudit records non-accepted outcomes. Best effort: a failed audit
// write on these paths must not mask the primary outcome.
func (g *Gateway) writeAudit(ctx context.Context, endpoint, key, outcome, messageID, detail string) {
	e := &audit.Entry{
		ID:             ulid.Make().String(),
		Endpoint:       endpoint,
		IdempotencyKey: key,
		Outcome:        outcome,
		MessageID:      messageID,
		Detail:         detail,
		CreatedAt:      g.now(),
	}
	if err := g.audits.Create(ctx, e); err != nil {
		slog.Error("gateway: failed to write audit entry", "endpoint", endpoint, "outcome", outcome, "error", err)
	}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
