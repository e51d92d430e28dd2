// Package conversation is the Conversation Store (C10): persists
// multi-turn conversations and their messages, every operation scoped
// to the caller's tenant so a cross-tenant conversation id behaves as
// not-found rather than leaking another tenant's data.
package conversation

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/prodplan-one/copilot-core/internal/errors"
	"github.com/prodplan-one/copilot-core/pkg/types"
)

// pgxIface is the narrow subset of *pgxpool.Pool the Store needs,
// extracted so tests can substitute pashagolub/pgxmock for a live
// database (mirroring how pkg/retrieval substitutes go-sqlmock for
// sqlx.DB).
type pgxIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the Conversation Store's public surface.
type Store struct {
	pool pgxIface
}

// New constructs a Store over an open connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewWithPool constructs a Store over any pgxIface implementation,
// used by tests to inject a pgxmock pool.
func NewWithPool(pool pgxIface) *Store {
	return &Store{pool: pool}
}

// CreateConversation inserts a new conversation for (tenantID, userID).
func (s *Store) CreateConversation(ctx context.Context, tenantID, userID, title string) (string, error) {
	id := uuid.NewString()
	const q = `
		INSERT INTO conversations (id, tenant_id, user_id, title, archived, created_at, last_message_at)
		VALUES ($1, $2, $3, $4, false, now(), now())`
	if _, err := s.pool.Exec(ctx, q, id, tenantID, userID, title); err != nil {
		return "", apperrors.NewDatabaseError("create conversation", err)
	}
	return id, nil
}

// ListConversations returns tenantID/userID's conversations ordered by
// last-message-at descending, optionally filtered by archived.
func (s *Store) ListConversations(ctx context.Context, tenantID, userID string, limit, offset int, archived *bool) ([]types.Conversation, error) {
	q := `
		SELECT id, tenant_id, user_id, title, created_at, last_message_at, archived
		FROM conversations
		WHERE tenant_id = $1 AND user_id = $2`
	args := []any{tenantID, userID}
	if archived != nil {
		q += " AND archived = $3"
		args = append(args, *archived)
	}
	q += " ORDER BY last_message_at DESC LIMIT " + placeholder(len(args)+1) + " OFFSET " + placeholder(len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list conversations", err)
	}
	defer rows.Close()

	var out []types.Conversation
	for rows.Next() {
		var c types.Conversation
		if err := rows.Scan(&c.ID, &c.TenantID, &c.UserID, &c.Title, &c.CreatedAt, &c.LastMessageAt, &c.Archived); err != nil {
			return nil, apperrors.NewDatabaseError("scan conversation", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListMessages returns conversationID's messages ascending by
// created-at, scoped to tenantID; a conversation belonging to another
// tenant returns not-found rather than its messages.
func (s *Store) ListMessages(ctx context.Context, tenantID, conversationID string, limit, offset int) ([]types.Message, error) {
	if err := s.assertOwnership(ctx, tenantID, conversationID); err != nil {
		return nil, err
	}

	const q = `
		SELECT id, conversation_id, role, content_text, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC
		LIMIT $2 OFFSET $3`
	rows, err := s.pool.Query(ctx, q, conversationID, limit, offset)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list messages", err)
	}
	defer rows.Close()

	var out []types.Message
	for rows.Next() {
		var m types.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.ContentText, &m.CreatedAt); err != nil {
			return nil, apperrors.NewDatabaseError("scan message", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// WriteAudit inserts a SuggestionAudit row on its own, independent of
// any conversation -- used for requests that never carry a
// conversation id, since the audit trail is written unconditionally
// for every answered request regardless of conversation linkage.
func (s *Store) WriteAudit(ctx context.Context, audit types.SuggestionAudit) error {
	const q = `
		INSERT INTO suggestion_audits (suggestion_id, tenant_id, user_id, query_text, resolved_intent, response, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`
	if _, err := s.pool.Exec(ctx, q, audit.SuggestionID, audit.TenantID, audit.UserID, audit.QueryText, string(audit.ResolvedIntent), audit.Response); err != nil {
		return apperrors.NewDatabaseError("insert suggestion_audit", err)
	}
	return nil
}

// AppendTurn atomically inserts the user message and the copilot
// message (referencing the SuggestionAudit row written in the same
// transaction) and bumps the conversation's last-message-at.
//
// Concurrent AppendTurn calls on the same conversation take a
// SELECT ... FOR UPDATE row lock on the conversation row first, giving
// a per-conversation serializing write without an in-process lock.
func (s *Store) AppendTurn(ctx context.Context, tenantID, conversationID, userText string, audit types.SuggestionAudit, response types.CopilotResponse) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperrors.NewDatabaseError("begin append_turn", err)
	}
	defer tx.Rollback(ctx)

	var gotTenant string
	err = tx.QueryRow(ctx, `SELECT tenant_id FROM conversations WHERE id = $1 FOR UPDATE`, conversationID).Scan(&gotTenant)
	if err != nil {
		if err == pgx.ErrNoRows {
			return apperrors.NewNotFoundError("conversation")
		}
		return apperrors.NewDatabaseError("lock conversation", err)
	}
	if gotTenant != tenantID {
		return apperrors.NewNotFoundError("conversation")
	}

	const insertAudit = `
		INSERT INTO suggestion_audits (suggestion_id, tenant_id, user_id, query_text, resolved_intent, response, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`
	if _, err := tx.Exec(ctx, insertAudit, audit.SuggestionID, audit.TenantID, audit.UserID, audit.QueryText, string(audit.ResolvedIntent), audit.Response); err != nil {
		return apperrors.NewDatabaseError("insert suggestion_audit", err)
	}

	const insertUserMsg = `
		INSERT INTO messages (id, conversation_id, tenant_id, role, content_text, created_at)
		VALUES ($1, $2, $3, $4, $5, now())`
	if _, err := tx.Exec(ctx, insertUserMsg, uuid.NewString(), conversationID, tenantID, string(types.ActorUser), userText); err != nil {
		return apperrors.NewDatabaseError("insert user message", err)
	}

	const insertCopilotMsg = `
		INSERT INTO messages (id, conversation_id, tenant_id, role, content_text, content_structured, suggestion_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())`
	if _, err := tx.Exec(ctx, insertCopilotMsg, uuid.NewString(), conversationID, tenantID, string(types.ActorCopilot), response.Summary, response, audit.SuggestionID); err != nil {
		return apperrors.NewDatabaseError("insert copilot message", err)
	}

	const bump = `UPDATE conversations SET last_message_at = now() WHERE id = $1`
	if _, err := tx.Exec(ctx, bump, conversationID); err != nil {
		return apperrors.NewDatabaseError("bump last_message_at", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return apperrors.NewDatabaseError("commit append_turn", err)
	}
	return nil
}

// Rename updates conversationID's title, scoped to tenantID.
func (s *Store) Rename(ctx context.Context, tenantID, conversationID, title string) error {
	return s.updateScoped(ctx, tenantID, conversationID, `UPDATE conversations SET title = $1 WHERE id = $2 AND tenant_id = $3`, title)
}

// Archive marks conversationID archived, scoped to tenantID.
func (s *Store) Archive(ctx context.Context, tenantID, conversationID string) error {
	return s.updateScoped(ctx, tenantID, conversationID, `UPDATE conversations SET archived = true WHERE id = $1 AND tenant_id = $2`)
}

func (s *Store) updateScoped(ctx context.Context, tenantID, conversationID, query string, extraArgs ...any) error {
	args := append(append([]any{}, extraArgs...), conversationID, tenantID)
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return apperrors.NewDatabaseError("update conversation", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("conversation")
	}
	return nil
}

func (s *Store) assertOwnership(ctx context.Context, tenantID, conversationID string) error {
	var gotTenant string
	err := s.pool.QueryRow(ctx, `SELECT tenant_id FROM conversations WHERE id = $1`, conversationID).Scan(&gotTenant)
	if err != nil {
		if err == pgx.ErrNoRows {
			return apperrors.NewNotFoundError("conversation")
		}
		return apperrors.NewDatabaseError("check conversation ownership", err)
	}
	if gotTenant != tenantID {
		return apperrors.NewNotFoundError("conversation")
	}
	return nil
}

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}
