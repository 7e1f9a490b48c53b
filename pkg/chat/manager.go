// Package chat ties the conversation store, the context composer, the
// dispatch coordinator, the optimistic mutation runner and the persistence
// reconciler together into the operation surface a frontend calls.
package chat

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/Amo808/multiprovider/pkg/conversation"
	"github.com/Amo808/multiprovider/pkg/inference/dispatch"
	"github.com/Amo808/multiprovider/pkg/inference/engine"
	"github.com/Amo808/multiprovider/pkg/optimistic"
	"github.com/Amo808/multiprovider/pkg/persistence"
	"github.com/Amo808/multiprovider/pkg/retrieval"
)

var ErrEmptyMessage = errors.New("user message is empty")

// ModelSlot selects one model on one provider for a dispatch.
type ModelSlot struct {
	Model    conversation.ModelID
	Provider string
}

// Manager drives one conversation. All methods are safe for concurrent use.
type Manager struct {
	store       *conversation.Store
	composer    *conversation.Composer
	coordinator *dispatch.Coordinator
	runner      *optimistic.Runner

	remote     optimistic.Remote
	reconciler *persistence.Reconciler
	retriever  retrieval.Provider
	settings   engine.SettingsService

	systemPrompt string
	globalConfig engine.Config

	mu     sync.Mutex
	active map[string]*dispatch.Batch
}

type Option func(*Manager)

// WithReconciler enables background persistence of folds and cosmetic pushes.
func WithReconciler(rec *persistence.Reconciler) Option {
	return func(m *Manager) { m.reconciler = rec }
}

// WithRemote sets the backend the optimistic commands commit against.
func WithRemote(remote optimistic.Remote) Option {
	return func(m *Manager) { m.remote = remote }
}

// WithRetrieval sets the document-context provider consulted on first send.
func WithRetrieval(p retrieval.Provider) Option {
	return func(m *Manager) { m.retriever = p }
}

// WithSettings sets the per-model config override service.
func WithSettings(s engine.SettingsService) Option {
	return func(m *Manager) { m.settings = s }
}

func WithSystemPrompt(prompt string) Option {
	return func(m *Manager) { m.systemPrompt = prompt }
}

func WithGlobalConfig(cfg engine.Config) Option {
	return func(m *Manager) { m.globalConfig = cfg }
}

func NewManager(store *conversation.Store, resolver engine.ProviderResolver, options ...Option) *Manager {
	m := &Manager{
		store:    store,
		composer: conversation.NewComposer(),
		remote:   optimistic.NullRemote{},
		active:   make(map[string]*dispatch.Batch),
	}
	m.runner = optimistic.NewRunner(store)
	m.coordinator = dispatch.NewCoordinator(resolver, dispatch.WithFoldFunc(m.onFold))
	for _, option := range options {
		option(m)
	}
	return m
}

// Store exposes the underlying conversation store for read access.
func (m *Manager) Store() *conversation.Store {
	return m.store
}

// Send fans the user message out to the given models and returns the pending
// batch. The composed context depends on the conversation state: the first
// send gets system prompt plus document context; later sends get the shared
// transcript when shared history is on, and a bare prompt when it is off.
func (m *Manager) Send(ctx context.Context, userMessage string, slots []ModelSlot) (*dispatch.Batch, error) {
	if strings.TrimSpace(userMessage) == "" {
		return nil, ErrEmptyMessage
	}

	snap := m.store.Snapshot()
	firstSend := len(snap.Turns) == 0

	docContext := ""
	if firstSend && m.retriever != nil {
		found, err := m.retriever.Lookup(ctx, userMessage)
		if err != nil {
			// Retrieval is best effort; the send proceeds without context.
			log.Warn().Err(err).Msg("document context lookup failed")
		} else if !found.Empty() {
			docContext = found.Text
		}
	}

	dispatchSlots := make([]dispatch.Slot, len(slots))
	for i, slot := range slots {
		var messages []conversation.Message
		if !firstSend && snap.SharedHistory {
			messages = m.composer.SharedHistory(snap, m.systemPrompt, docContext, userMessage)
		} else {
			messages = m.composer.FirstSend(m.systemPrompt, docContext, userMessage)
		}
		dispatchSlots[i] = dispatch.Slot{
			Model:    slot.Model,
			Provider: slot.Provider,
			Messages: messages,
			Config:   engine.ResolveConfig(m.globalConfig, m.settings, slot.Model),
		}
	}

	batch, err := m.coordinator.DispatchSend(ctx, m.store, userMessage, dispatchSlots)
	if err != nil {
		return nil, err
	}
	m.track(batch)
	return batch, nil
}

// Regenerate re-runs a single response against the context that existed
// before its turn: prior turns only, then the turn's user message.
func (m *Manager) Regenerate(ctx context.Context, turnID, responseID string) (*dispatch.Batch, error) {
	snap := m.store.Snapshot()
	slot, err := slotForResponse(snap, turnID, responseID)
	if err != nil {
		return nil, err
	}
	messages, err := m.composer.Regenerate(snap, turnID, m.systemPrompt)
	if err != nil {
		return nil, err
	}
	return m.dispatchRegenerate(ctx, turnID, []dispatch.Slot{{
		Model:    slot.Model,
		Provider: slot.Provider,
		Messages: messages,
		Config:   engine.ResolveConfig(m.globalConfig, m.settings, slot.Model),
	}})
}

// SmartRegenerate re-runs a single response against the whole conversation,
// with the target response's own prior content excluded and the instructions
// inserted before the final user message.
func (m *Manager) SmartRegenerate(ctx context.Context, turnID, responseID, instructions string) (*dispatch.Batch, error) {
	snap := m.store.Snapshot()
	slot, err := slotForResponse(snap, turnID, responseID)
	if err != nil {
		return nil, err
	}
	messages, err := m.composer.SmartRegenerate(snap, turnID, responseID, instructions, m.systemPrompt)
	if err != nil {
		return nil, err
	}
	return m.dispatchRegenerate(ctx, turnID, []dispatch.Slot{{
		Model:    slot.Model,
		Provider: slot.Provider,
		Messages: messages,
		Config:   engine.ResolveConfig(m.globalConfig, m.settings, slot.Model),
	}})
}

// RegenerateTurn re-runs every response of a turn, each against the
// prior-turns-only context.
func (m *Manager) RegenerateTurn(ctx context.Context, turnID string) (*dispatch.Batch, error) {
	snap := m.store.Snapshot()
	turn, _ := snap.TurnByID(turnID)
	if turn == nil {
		return nil, errors.Errorf("turn %s not found", turnID)
	}
	messages, err := m.composer.Regenerate(snap, turnID, m.systemPrompt)
	if err != nil {
		return nil, err
	}
	slots := make([]dispatch.Slot, len(turn.Responses))
	for i, resp := range turn.Responses {
		slots[i] = dispatch.Slot{
			Model:    resp.Model,
			Provider: resp.Provider,
			Messages: messages,
			Config:   engine.ResolveConfig(m.globalConfig, m.settings, resp.Model),
		}
	}
	return m.dispatchRegenerate(ctx, turnID, slots)
}

func (m *Manager) dispatchRegenerate(ctx context.Context, turnID string, slots []dispatch.Slot) (*dispatch.Batch, error) {
	batch, err := m.coordinator.DispatchRegenerate(ctx, m.store, turnID, slots)
	if err != nil {
		return nil, err
	}
	m.track(batch)
	return batch, nil
}

// Stop cancels every batch this manager has in flight. Settled members keep
// their content; pending ones settle as cancelled and fold as usual.
func (m *Manager) Stop() {
	m.mu.Lock()
	batches := make([]*dispatch.Batch, 0, len(m.active))
	for _, b := range m.active {
		batches = append(batches, b)
	}
	m.mu.Unlock()
	for _, b := range batches {
		b.Cancel()
	}
}

// ToggleResponseEnabled flips a response's participation in future context
// composition. The flip is local-first; the push to the backend is
// fire-and-forget.
func (m *Manager) ToggleResponseEnabled(ctx context.Context, turnID string, index int) error {
	if err := m.store.Apply(conversation.MutateToggleResponseEnabled(turnID, index)); err != nil {
		return err
	}
	if m.reconciler == nil {
		return nil
	}
	snap := m.store.Snapshot()
	turn, _ := snap.TurnByID(turnID)
	if turn == nil || index >= len(turn.Responses) {
		return nil
	}
	resp := turn.Responses[index]
	m.reconciler.PushEnabled(ctx, m.store, resp.RemoteID, resp.Enabled)
	return nil
}

// ReorderResponses moves a response within its turn via the optimistic
// round-trip protocol.
func (m *Manager) ReorderResponses(ctx context.Context, turnID string, from, to int) error {
	return m.runner.Run(ctx, optimistic.ReorderResponses(m.store, m.remote, turnID, from, to))
}

// ReorderTurns moves a turn within the conversation.
func (m *Manager) ReorderTurns(ctx context.Context, from, to int) error {
	return m.runner.Run(ctx, optimistic.ReorderTurns(m.store, m.remote, from, to))
}

// DeleteResponse removes a response (and its turn, when it was the last one).
func (m *Manager) DeleteResponse(ctx context.Context, turnID, responseID string) error {
	return m.runner.Run(ctx, optimistic.DeleteResponse(m.store, m.remote, turnID, responseID))
}

// DeleteTurn removes a whole turn.
func (m *Manager) DeleteTurn(ctx context.Context, turnID string) error {
	return m.runner.Run(ctx, optimistic.DeleteTurn(m.store, m.remote, turnID))
}

// EditUserMessage rewrites a turn's user message without regenerating.
func (m *Manager) EditUserMessage(ctx context.Context, turnID, newText string) error {
	return m.runner.Run(ctx, optimistic.EditUserMessage(m.store, m.remote, turnID, newText))
}

// EditAndResend rewrites a turn's user message and regenerates every
// response of that turn against the new text.
func (m *Manager) EditAndResend(ctx context.Context, turnID, newText string) (*dispatch.Batch, error) {
	if err := m.EditUserMessage(ctx, turnID, newText); err != nil {
		return nil, err
	}
	return m.RegenerateTurn(ctx, turnID)
}

// SetSharedHistory flips the shared-history mode and pushes the change.
func (m *Manager) SetSharedHistory(ctx context.Context, on bool) {
	m.store.SetSharedHistory(on)
	if m.reconciler != nil {
		m.reconciler.PushConversation(ctx, m.store)
	}
}

func (m *Manager) onFold(ctx context.Context, _ string, turn *conversation.Turn, kind dispatch.Kind) {
	if m.reconciler == nil {
		return
	}
	switch kind {
	case dispatch.KindSend:
		m.reconciler.FoldAndPersist(ctx, m.store, turn)
	case dispatch.KindRegenerate:
		m.reconciler.PushResponses(ctx, m.store, turn)
	}
}

func (m *Manager) track(batch *dispatch.Batch) {
	m.mu.Lock()
	m.active[batch.ID] = batch
	m.mu.Unlock()
	go func() {
		<-batch.Done()
		m.mu.Lock()
		delete(m.active, batch.ID)
		m.mu.Unlock()
	}()
}

func slotForResponse(snap *conversation.Conversation, turnID, responseID string) (*conversation.Response, error) {
	turn, _ := snap.TurnByID(turnID)
	if turn == nil {
		return nil, errors.Errorf("turn %s not found", turnID)
	}
	resp := turn.ResponseByID(responseID)
	if resp == nil {
		return nil, errors.Errorf("response %s not found in turn %s", responseID, turnID)
	}
	return resp, nil
}
