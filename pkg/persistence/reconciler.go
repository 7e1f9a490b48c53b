package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Amo808/multiprovider/pkg/conversation"
	"github.com/Amo808/multiprovider/pkg/events"
)

// DefaultDedupWindow is how long after a fold an identical user message is
// treated as the same turn arriving twice rather than a new turn.
const DefaultDedupWindow = 5 * time.Second

type savedTurn struct {
	userMessage  string
	turnRemoteID string
	at           time.Time
}

// Reconciler pushes folded turns and cosmetic changes to the remote store.
// All pushes are asynchronous: a failed structural save or push surfaces a
// dismissible notice event, never a rollback of visible local state.
type Reconciler struct {
	svc Service

	mu      sync.Mutex
	created map[string]bool
	recent  map[string][]savedTurn

	dedupWindow time.Duration
	now         func() time.Time

	group *errgroup.Group
}

type ReconcilerOption func(*Reconciler)

// WithDedupWindow overrides the duplicate-turn window.
func WithDedupWindow(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.dedupWindow = d }
}

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

func NewReconciler(svc Service, options ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		svc:         svc,
		created:     make(map[string]bool),
		recent:      make(map[string][]savedTurn),
		dedupWindow: DefaultDedupWindow,
		now:         time.Now,
		group:       &errgroup.Group{},
	}
	r.group.SetLimit(4)
	for _, option := range options {
		option(r)
	}
	return r
}

// Close waits for every in-flight push to finish.
func (r *Reconciler) Close() error {
	return r.group.Wait()
}

// FoldAndPersist saves a freshly folded turn in the background and, on
// success, records the remote ids back into the store. A second fold with the
// same user text inside the dedup window is assumed to be the same turn
// arriving twice: the create is skipped and the recorded remote id adopted.
//
// The window heuristic cannot tell a duplicate delivery from a user genuinely
// sending the same message twice quickly; the second legitimate turn is then
// not persisted on its own.
func (r *Reconciler) FoldAndPersist(ctx context.Context, store *conversation.Store, turn *conversation.Turn) {
	saved := turn.Clone()

	r.group.Go(func() error {
		if prior, dup := r.checkDuplicate(store.ID(), saved.UserMessage); dup {
			log.Debug().
				Str("conversation_id", store.ID()).
				Str("turn_id", saved.LocalID).
				Msg("duplicate turn within dedup window; adopting prior remote id")
			if err := store.Apply(conversation.MutateSetRemoteIDs(saved.LocalID, prior.turnRemoteID, nil)); err != nil {
				log.Warn().Err(err).Msg("failed to adopt remote ids for duplicate turn")
			}
			return nil
		}

		if err := r.ensureConversation(ctx, store); err != nil {
			r.notice(ctx, store.ID(), "conversation could not be saved: "+err.Error())
			return nil
		}

		ids, err := r.svc.AddTurn(ctx, store.ID(), saved)
		if err != nil {
			r.notice(ctx, store.ID(), "turn could not be saved: "+err.Error())
			return nil
		}

		r.recordSave(store.ID(), saved.UserMessage, ids.TurnID)

		if err := store.Apply(conversation.MutateSetRemoteIDs(saved.LocalID, ids.TurnID, ids.ResponseIDs)); err != nil {
			// The turn may have been deleted locally while the save was in
			// flight; the remote row is now orphaned but harmless.
			log.Warn().Err(err).Str("turn_id", saved.LocalID).Msg("failed to record remote ids")
		}
		return nil
	})
}

// PushResponses pushes regenerated response content for the given turn.
// Responses that never got a remote id are skipped; they will be covered by
// the next full save of their turn.
func (r *Reconciler) PushResponses(ctx context.Context, store *conversation.Store, turn *conversation.Turn) {
	saved := turn.Clone()

	r.group.Go(func() error {
		for _, resp := range saved.Responses {
			if resp.RemoteID == "" {
				continue
			}
			content, thinking, meta := resp.Content, resp.Thinking, resp.Meta
			err := r.svc.UpdateResponse(ctx, store.ID(), resp.RemoteID, ResponseUpdate{
				Content:  &content,
				Thinking: &thinking,
				Meta:     &meta,
			})
			if err != nil {
				r.notice(ctx, store.ID(), "response update could not be saved: "+err.Error())
			}
		}
		return nil
	})
}

// PushEnabled pushes a response's enabled flag, fire-and-forget. The local
// flip has already happened and is never rolled back; a failure surfaces a
// notice only.
func (r *Reconciler) PushEnabled(ctx context.Context, store *conversation.Store, responseRemoteID string, enabled bool) {
	if responseRemoteID == "" {
		return
	}
	r.group.Go(func() error {
		flag := enabled
		if err := r.svc.UpdateResponse(ctx, store.ID(), responseRemoteID, ResponseUpdate{Enabled: &flag}); err != nil {
			r.notice(ctx, store.ID(), "visibility change could not be saved: "+err.Error())
		}
		return nil
	})
}

// PushConversation pushes title/shared-history changes, fire-and-forget.
func (r *Reconciler) PushConversation(ctx context.Context, store *conversation.Store) {
	snap := store.Snapshot()
	r.group.Go(func() error {
		if err := r.ensureConversation(ctx, store); err != nil {
			r.notice(ctx, store.ID(), "conversation could not be saved: "+err.Error())
			return nil
		}
		if err := r.svc.UpdateConversation(ctx, snap.ID, snap.Title, snap.SharedHistory); err != nil {
			r.notice(ctx, store.ID(), "conversation update could not be saved: "+err.Error())
		}
		return nil
	})
}

func (r *Reconciler) ensureConversation(ctx context.Context, store *conversation.Store) error {
	r.mu.Lock()
	done := r.created[store.ID()]
	r.mu.Unlock()
	if done {
		return nil
	}

	snap := store.Snapshot()
	if err := r.svc.CreateConversation(ctx, snap.ID, snap.Title); err != nil {
		return err
	}
	r.mu.Lock()
	r.created[store.ID()] = true
	r.mu.Unlock()
	return nil
}

// checkDuplicate reports whether the same user text was folded for this
// conversation within the dedup window, and prunes expired records.
func (r *Reconciler) checkDuplicate(conversationID, userMessage string) (savedTurn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	kept := r.recent[conversationID][:0]
	var match savedTurn
	found := false
	for _, s := range r.recent[conversationID] {
		if now.Sub(s.at) > r.dedupWindow {
			continue
		}
		kept = append(kept, s)
		if s.userMessage == userMessage {
			match = s
			found = true
		}
	}
	r.recent[conversationID] = kept
	return match, found
}

func (r *Reconciler) recordSave(conversationID, userMessage, turnRemoteID string) {
	r.mu.Lock()
	r.recent[conversationID] = append(r.recent[conversationID], savedTurn{
		userMessage:  userMessage,
		turnRemoteID: turnRemoteID,
		at:           r.now(),
	})
	r.mu.Unlock()
}

func (r *Reconciler) notice(ctx context.Context, conversationID, message string) {
	log.Warn().Str("conversation_id", conversationID).Msg(message)
	events.PublishEventToContext(ctx, events.NewNoticeEvent(
		events.EventMetadata{ConversationID: conversationID}, message))
}
