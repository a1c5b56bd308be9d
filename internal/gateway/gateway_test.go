package gateway

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/agentcorp/internal/audit"
	auditimpl "github.com/kazz187/agentcorp/internal/audit/repositoryimpl"
	"github.com/kazz187/agentcorp/internal/broadcast"
	messageimpl "github.com/kazz187/agentcorp/internal/message/repositoryimpl"
	"github.com/kazz187/agentcorp/internal/store"
	"github.com/kazz187/agentcorp/pkg/cerr"
)

func newGateway(t *testing.T) (*Gateway, audit.Repository) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	audits := auditimpl.NewSQLiteRepository(s)
	return New(s, messageimpl.NewSQLiteRepository(s), audits, broadcast.Nop{}), audits
}

func directive(content string) *Request {
	return &Request{
		Endpoint:     "/api/directives",
		SenderType:   "ceo",
		ReceiverType: "department",
		ReceiverID:   "planning",
		Content:      content,
		MessageType:  "directive",
	}
}

func TestIngestAccepts(t *testing.T) {
	g, audits := newGateway(t)
	ctx := context.Background()

	res, err := g.Ingest(ctx, directive("ship the release"))
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.NotEmpty(t, res.Message.ID)
	assert.NotEmpty(t, res.Message.IdempotencyKey)

	entries, err := audits.ListByKey(ctx, res.Message.IdempotencyKey)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.OutcomeAccepted, entries[0].Outcome)
	assert.Equal(t, res.Message.ID, entries[0].MessageID)
}

func TestIngestIdempotentReplay(t *testing.T) {
	g, audits := newGateway(t)
	ctx := context.Background()

	first, err := g.Ingest(ctx, directive("ship the release"))
	require.NoError(t, err)
	require.True(t, first.Created)

	second, err := g.Ingest(ctx, directive("ship the release"))
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Message.ID, second.Message.ID)

	entries, err := audits.ListByKey(ctx, first.Message.IdempotencyKey)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, audit.OutcomeDuplicate, entries[1].Outcome)
}

func TestIngestConflict(t *testing.T) {
	g, audits := newGateway(t)
	ctx := context.Background()

	req := directive("ship the release")
	req.IdempotencyKey = "key-1"
	first, err := g.Ingest(ctx, req)
	require.NoError(t, err)

	changed := directive("cancel the release")
	changed.IdempotencyKey = "key-1"
	_, err = g.Ingest(ctx, changed)
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.AlreadyExists))

	// The stored payload is untouched.
	again, err := g.Ingest(ctx, req)
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, "ship the release", again.Message.Content)
	assert.Equal(t, first.Message.ID, again.Message.ID)

	entries, err := audits.ListByKey(ctx, "key-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, audit.OutcomeConflict, entries[1].Outcome)
	assert.Contains(t, entries[1].Detail, "-ship the release")
	assert.Contains(t, entries[1].Detail, "+cancel the release")
}

func TestIngestValidation(t *testing.T) {
	g, audits := newGateway(t)
	ctx := context.Background()

	req := directive("   ")
	_, err := g.Ingest(ctx, req)
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))

	entries, err := audits.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.OutcomeValidationError, entries[0].Outcome)

	bad := directive("ok")
	bad.MessageType = "telepathy"
	_, err = g.Ingest(ctx, bad)
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))
}

func TestDeriveKeyDeterministic(t *testing.T) {
	a := DeriveKey(directive("ship the release"))
	b := DeriveKey(directive("ship the release"))
	c := DeriveKey(directive("other"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
