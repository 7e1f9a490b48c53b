// Package sqlstore is the sqlite implementation of the persistence service.
// Ordering is materialized in position columns; reorder calls rewrite the
// positions in one transaction and return the re-read ordering, which is what
// the optimistic layer treats as authoritative.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/Amo808/multiprovider/pkg/conversation"
	"github.com/Amo808/multiprovider/pkg/persistence"
)

var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id             TEXT PRIMARY KEY,
	title          TEXT NOT NULL DEFAULT '',
	shared_history INTEGER NOT NULL DEFAULT 0,
	created_at     TIMESTAMP NOT NULL,
	updated_at     TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS turns (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	user_message    TEXT NOT NULL,
	position        INTEGER NOT NULL,
	created_at      TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS responses (
	id       TEXT PRIMARY KEY,
	turn_id  TEXT NOT NULL REFERENCES turns(id) ON DELETE CASCADE,
	model    TEXT NOT NULL,
	provider TEXT NOT NULL DEFAULT '',
	content  TEXT NOT NULL DEFAULT '',
	thinking TEXT NOT NULL DEFAULT '',
	enabled  INTEGER NOT NULL DEFAULT 1,
	status   TEXT NOT NULL,
	meta     TEXT NOT NULL DEFAULT '{}',
	position INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, position);
CREATE INDEX IF NOT EXISTS idx_responses_turn ON responses(turn_id, position);
`

// Store is the sqlite-backed persistence service.
type Store struct {
	db *sqlx.DB
}

// New opens (and if needed initializes) the database at path. Use ":memory:"
// for an ephemeral store.
func New(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite database")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to initialize schema")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateConversation(ctx context.Context, id, title string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, title, now, now)
	return errors.Wrap(err, "failed to create conversation")
}

func (s *Store) UpdateConversation(ctx context.Context, id, title string, sharedHistory bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET title = ?, shared_history = ?, updated_at = ? WHERE id = ?`,
		title, sharedHistory, time.Now().UTC(), id)
	if err != nil {
		return errors.Wrap(err, "failed to update conversation")
	}
	return requireRows(res, "conversation %s", id)
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete conversation")
	}
	return requireRows(res, "conversation %s", id)
}

func (s *Store) ListConversations(ctx context.Context) ([]persistence.ConversationSummary, error) {
	var out []persistence.ConversationSummary
	err := s.db.SelectContext(ctx, &out, `
		SELECT c.id, c.title, c.updated_at,
		       (SELECT COUNT(*) FROM turns t WHERE t.conversation_id = c.id) AS turn_count
		FROM conversations c
		ORDER BY c.updated_at DESC`)
	return out, errors.Wrap(err, "failed to list conversations")
}

type turnRow struct {
	ID          string    `db:"id"`
	UserMessage string    `db:"user_message"`
	Position    int       `db:"position"`
	CreatedAt   time.Time `db:"created_at"`
}

type responseRow struct {
	ID       string `db:"id"`
	TurnID   string `db:"turn_id"`
	Model    string `db:"model"`
	Provider string `db:"provider"`
	Content  string `db:"content"`
	Thinking string `db:"thinking"`
	Enabled  bool   `db:"enabled"`
	Status   string `db:"status"`
	Meta     string `db:"meta"`
	Position int    `db:"position"`
}

func (s *Store) GetConversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	var row struct {
		ID            string `db:"id"`
		Title         string `db:"title"`
		SharedHistory bool   `db:"shared_history"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT id, title, shared_history FROM conversations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "conversation %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load conversation")
	}

	conv := &conversation.Conversation{ID: row.ID, Title: row.Title, SharedHistory: row.SharedHistory}

	var turns []turnRow
	err = s.db.SelectContext(ctx, &turns, `
		SELECT id, user_message, position, created_at
		FROM turns WHERE conversation_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load turns")
	}

	for _, tr := range turns {
		var rows []responseRow
		err = s.db.SelectContext(ctx, &rows, `
			SELECT id, turn_id, model, provider, content, thinking, enabled, status, meta, position
			FROM responses WHERE turn_id = ? ORDER BY position`, tr.ID)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load responses")
		}

		responses := make([]*conversation.Response, 0, len(rows))
		for _, rr := range rows {
			var meta conversation.ResponseMeta
			if err := json.Unmarshal([]byte(rr.Meta), &meta); err != nil {
				return nil, errors.Wrapf(err, "corrupt metadata on response %s", rr.ID)
			}
			responses = append(responses, &conversation.Response{
				LocalID:  rr.ID,
				RemoteID: rr.ID,
				Model:    conversation.ModelID(rr.Model),
				Provider: rr.Provider,
				Content:  rr.Content,
				Thinking: rr.Thinking,
				Enabled:  rr.Enabled,
				Status:   conversation.ResponseStatus(rr.Status),
				Meta:     meta,
			})
		}

		turn := conversation.NewTurn(tr.UserMessage, responses,
			conversation.WithTurnID(tr.ID), conversation.WithCreatedAt(tr.CreatedAt))
		turn.RemoteID = tr.ID
		conv.Turns = append(conv.Turns, turn)
	}
	return conv, nil
}

func (s *Store) AddTurn(ctx context.Context, conversationID string, turn *conversation.Turn) (*persistence.TurnIDs, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var position int
	err = tx.GetContext(ctx, &position, `
		SELECT COALESCE(MAX(position)+1, 0) FROM turns WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to compute turn position")
	}

	ids := &persistence.TurnIDs{
		TurnID:      uuid.NewString(),
		ResponseIDs: make(map[string]string, len(turn.Responses)),
	}

	createdAt := turn.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO turns (id, conversation_id, user_message, position, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ids.TurnID, conversationID, turn.UserMessage, position, createdAt.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert turn")
	}

	for i, resp := range turn.Responses {
		remoteID := uuid.NewString()
		ids.ResponseIDs[resp.LocalID] = remoteID
		meta, err := json.Marshal(resp.Meta)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode response metadata")
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO responses (id, turn_id, model, provider, content, thinking, enabled, status, meta, position)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			remoteID, ids.TurnID, resp.Model, resp.Provider, resp.Content, resp.Thinking,
			resp.Enabled, resp.Status, string(meta), i)
		if err != nil {
			return nil, errors.Wrap(err, "failed to insert response")
		}
	}

	if err := s.touch(ctx, tx, conversationID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit turn")
	}
	return ids, nil
}

func (s *Store) UpdateTurn(ctx context.Context, conversationID, turnID, userMessage string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE turns SET user_message = ? WHERE id = ? AND conversation_id = ?`,
		userMessage, turnID, conversationID)
	if err != nil {
		return errors.Wrap(err, "failed to update turn")
	}
	return requireRows(res, "turn %s", turnID)
}

func (s *Store) UpdateResponse(ctx context.Context, conversationID, responseID string, update persistence.ResponseUpdate) error {
	set := map[string]any{}
	if update.Content != nil {
		set["content"] = *update.Content
	}
	if update.Thinking != nil {
		set["thinking"] = *update.Thinking
	}
	if update.Enabled != nil {
		set["enabled"] = *update.Enabled
	}
	if update.Meta != nil {
		meta, err := json.Marshal(update.Meta)
		if err != nil {
			return errors.Wrap(err, "failed to encode response metadata")
		}
		set["meta"] = string(meta)
	}
	if len(set) == 0 {
		return nil
	}

	query := `UPDATE responses SET `
	args := make([]any, 0, len(set)+2)
	first := true
	for _, col := range []string{"content", "thinking", "enabled", "meta"} {
		v, ok := set[col]
		if !ok {
			continue
		}
		if !first {
			query += ", "
		}
		query += col + " = ?"
		args = append(args, v)
		first = false
	}
	query += ` WHERE id = ? AND turn_id IN (SELECT id FROM turns WHERE conversation_id = ?)`
	args = append(args, responseID, conversationID)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "failed to update response")
	}
	return requireRows(res, "response %s", responseID)
}

func (s *Store) DeleteTurn(ctx context.Context, conversationID, turnID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM turns WHERE id = ? AND conversation_id = ?`, turnID, conversationID)
	if err != nil {
		return errors.Wrap(err, "failed to delete turn")
	}
	return requireRows(res, "turn %s", turnID)
}

func (s *Store) DeleteResponse(ctx context.Context, conversationID, responseID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM responses WHERE id = ?
		AND turn_id IN (SELECT id FROM turns WHERE conversation_id = ?)`,
		responseID, conversationID)
	if err != nil {
		return errors.Wrap(err, "failed to delete response")
	}
	if err := requireRows(res, "response %s", responseID); err != nil {
		return err
	}
	// A turn left without responses is removed, mirroring the in-memory rule.
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM turns WHERE conversation_id = ?
		AND NOT EXISTS (SELECT 1 FROM responses r WHERE r.turn_id = turns.id)`,
		conversationID)
	return errors.Wrap(err, "failed to prune empty turns")
}

// ReorderResponses rewrites the positions of a turn's responses to the given
// order and returns the ordering as re-read from the database. Ids that do
// not belong to the turn fail the whole call.
func (s *Store) ReorderResponses(ctx context.Context, conversationID, turnID string, orderedIDs []string) ([]string, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	for i, id := range orderedIDs {
		res, err := tx.ExecContext(ctx, `
			UPDATE responses SET position = ? WHERE id = ? AND turn_id = ?`, i, id, turnID)
		if err != nil {
			return nil, errors.Wrap(err, "failed to update position")
		}
		if err := requireRows(res, "response %s in turn %s", id, turnID); err != nil {
			return nil, err
		}
	}

	var authoritative []string
	err = tx.SelectContext(ctx, &authoritative, `
		SELECT id FROM responses WHERE turn_id = ? ORDER BY position`, turnID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to re-read ordering")
	}
	if err := s.touch(ctx, tx, conversationID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit reorder")
	}
	return authoritative, nil
}

// ReorderTurns is the turn-level analogue of ReorderResponses.
func (s *Store) ReorderTurns(ctx context.Context, conversationID string, orderedIDs []string) ([]string, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	for i, id := range orderedIDs {
		res, err := tx.ExecContext(ctx, `
			UPDATE turns SET position = ? WHERE id = ? AND conversation_id = ?`, i, id, conversationID)
		if err != nil {
			return nil, errors.Wrap(err, "failed to update position")
		}
		if err := requireRows(res, "turn %s", id); err != nil {
			return nil, err
		}
	}

	var authoritative []string
	err = tx.SelectContext(ctx, &authoritative, `
		SELECT id FROM turns WHERE conversation_id = ? ORDER BY position`, conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to re-read ordering")
	}
	if err := s.touch(ctx, tx, conversationID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit reorder")
	}
	return authoritative, nil
}

func (s *Store) touch(ctx context.Context, tx *sqlx.Tx, conversationID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE conversations SET updated_at = ? WHERE id = ?`, time.Now().UTC(), conversationID)
	return errors.Wrap(err, "failed to touch conversation")
}

func requireRows(res sql.Result, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, format, args...)
	}
	return nil
}

var _ persistence.Service = (*Store)(nil)
