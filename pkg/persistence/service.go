// Package persistence defines the remote persistence surface and the
// reconciler that keeps the in-memory conversation and the slower remote
// store in sync without ever blocking the UI-facing path.
package persistence

import (
	"context"
	"time"

	"github.com/Amo808/multiprovider/pkg/conversation"
)

// TurnIDs is what the remote hands back after persisting a folded turn.
type TurnIDs struct {
	TurnID string

	// ResponseIDs maps local response ids to their remote ids.
	ResponseIDs map[string]string
}

// ResponseUpdate is a partial update; nil fields are left untouched.
type ResponseUpdate struct {
	Content  *string
	Thinking *string
	Enabled  *bool
	Meta     *conversation.ResponseMeta
}

// ConversationSummary is one row of the conversation list.
type ConversationSummary struct {
	ID        string    `db:"id"`
	Title     string    `db:"title"`
	TurnCount int       `db:"turn_count"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Service is the remote persistence API. Reorder calls return the
// authoritative ordering the store settled on, which overrides the caller's
// optimistic guess.
type Service interface {
	CreateConversation(ctx context.Context, id, title string) error
	UpdateConversation(ctx context.Context, id, title string, sharedHistory bool) error
	GetConversation(ctx context.Context, id string) (*conversation.Conversation, error)
	ListConversations(ctx context.Context) ([]ConversationSummary, error)
	DeleteConversation(ctx context.Context, id string) error

	AddTurn(ctx context.Context, conversationID string, turn *conversation.Turn) (*TurnIDs, error)
	UpdateTurn(ctx context.Context, conversationID, turnID, userMessage string) error
	UpdateResponse(ctx context.Context, conversationID, responseID string, update ResponseUpdate) error
	DeleteTurn(ctx context.Context, conversationID, turnID string) error
	DeleteResponse(ctx context.Context, conversationID, responseID string) error
	ReorderResponses(ctx context.Context, conversationID, turnID string, orderedIDs []string) ([]string, error)
	ReorderTurns(ctx context.Context, conversationID string, orderedIDs []string) ([]string, error)
}
