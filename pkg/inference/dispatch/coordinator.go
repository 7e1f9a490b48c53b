// Package dispatch fans a composed prompt out to K models in parallel and
// folds the settled responses back into the conversation as one turn.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/Amo808/multiprovider/pkg/conversation"
	"github.com/Amo808/multiprovider/pkg/events"
	"github.com/Amo808/multiprovider/pkg/inference/engine"
	"github.com/Amo808/multiprovider/pkg/inference/stream"
)

var (
	// ErrDispatchActive is returned when a send is attempted while another
	// send batch for the same conversation has not settled yet.
	ErrDispatchActive = errors.New("a dispatch is already active for this conversation")

	// ErrSlotBusy is returned when a regenerate targets a (turn, model) slot
	// that is already regenerating. Other slots of the same turn may proceed.
	ErrSlotBusy = errors.New("this response slot is already regenerating")

	// ErrReorderActive is returned when a dispatch is attempted while a
	// structural mutation round-trip holds the conversation. A turn folded
	// during the round-trip would be erased by its snapshot reconciliation.
	ErrReorderActive = errors.New("a structural mutation round-trip is in flight for this conversation")

	ErrNoSlots = errors.New("dispatch requires at least one model slot")
)

// Slot is one (model, provider) member of a dispatch, with its own composed
// transcript. Prompts differ per model when history composition excludes a
// model's own prior answer.
type Slot struct {
	Model    conversation.ModelID
	Provider string
	Messages []conversation.Message
	Config   engine.Config
}

// FoldFunc is called exactly once per batch, after the fold mutation has been
// applied, with the folded turn. The reconciler hangs off this hook.
type FoldFunc func(ctx context.Context, conversationID string, turn *conversation.Turn, kind Kind)

// Coordinator owns the per-conversation dispatch guards and runs batches.
type Coordinator struct {
	resolver engine.ProviderResolver
	onFold   FoldFunc

	mu          sync.Mutex
	activeSends map[string]*Batch
	activeSlots map[string]struct{}
}

type CoordinatorOption func(*Coordinator)

// WithFoldFunc installs the post-fold hook.
func WithFoldFunc(f FoldFunc) CoordinatorOption {
	return func(c *Coordinator) { c.onFold = f }
}

func NewCoordinator(resolver engine.ProviderResolver, options ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		resolver:    resolver,
		activeSends: make(map[string]*Batch),
		activeSlots: make(map[string]struct{}),
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// DispatchSend fans userMessage out to every slot and, once all members are
// terminal, appends one new turn holding all K responses. Exactly one send
// batch may be active per conversation.
func (c *Coordinator) DispatchSend(ctx context.Context, store *conversation.Store, userMessage string, slots []Slot) (*Batch, error) {
	if len(slots) == 0 {
		return nil, ErrNoSlots
	}
	conversationID := store.ID()

	c.mu.Lock()
	if _, busy := c.activeSends[conversationID]; busy {
		c.mu.Unlock()
		return nil, ErrDispatchActive
	}
	if !store.TryBeginStreaming() {
		c.mu.Unlock()
		return nil, ErrReorderActive
	}
	batch := c.newBatch(KindSend, conversationID, uuid.NewString())
	c.activeSends[conversationID] = batch
	c.mu.Unlock()

	c.run(ctx, store, batch, slots, func(responses []*conversation.Response) conversation.Mutation {
		turn := conversation.NewTurn(userMessage, responses, conversation.WithTurnID(batch.TurnID))
		return conversation.MutateAddTurn(turn)
	})
	return batch, nil
}

// DispatchRegenerate re-runs the given slots against an existing turn. The
// settled responses replace that turn's same-model slots in place. Distinct
// (turn, model) slots may regenerate concurrently; a slot already in flight
// is refused with ErrSlotBusy.
func (c *Coordinator) DispatchRegenerate(ctx context.Context, store *conversation.Store, turnID string, slots []Slot) (*Batch, error) {
	if len(slots) == 0 {
		return nil, ErrNoSlots
	}
	conversationID := store.ID()

	keys := make([]string, len(slots))
	for i, slot := range slots {
		keys[i] = slotKey(conversationID, turnID, slot.Model)
	}

	c.mu.Lock()
	for _, key := range keys {
		if _, busy := c.activeSlots[key]; busy {
			c.mu.Unlock()
			return nil, errors.Wrapf(ErrSlotBusy, "slot %s", key)
		}
	}
	if !store.TryBeginStreaming() {
		c.mu.Unlock()
		return nil, ErrReorderActive
	}
	for _, key := range keys {
		c.activeSlots[key] = struct{}{}
	}
	batch := c.newBatch(KindRegenerate, conversationID, turnID)
	c.mu.Unlock()

	c.run(ctx, store, batch, slots, func(responses []*conversation.Response) conversation.Mutation {
		return conversation.MutateMergeResponses(turnID, responses...)
	})
	return batch, nil
}

func (c *Coordinator) newBatch(kind Kind, conversationID, turnID string) *Batch {
	return &Batch{
		ID:             uuid.NewString(),
		Kind:           kind,
		ConversationID: conversationID,
		TurnID:         turnID,
		done:           make(chan struct{}),
	}
}

// run starts one goroutine per slot and a settlement goroutine that folds the
// batch after the last member terminates. Member failures never abort their
// siblings; the fold happens in every outcome.
func (c *Coordinator) run(ctx context.Context, store *conversation.Store, batch *Batch, slots []Slot, fold func([]*conversation.Response) conversation.Mutation) {
	runCtx, cancel := context.WithCancel(ctx)
	batch.cancel = cancel

	// The streaming counter was armed by the dispatch entry point, before the
	// batch was registered; settle releases it.
	batch.controllers = make([]*stream.Controller, len(slots))
	batch.responses = make([]*conversation.Response, len(slots))
	batch.statuses = make([]conversation.ResponseStatus, len(slots))

	meta := events.EventMetadata{
		ConversationID: batch.ConversationID,
		BatchID:        batch.ID,
		TurnID:         batch.TurnID,
	}

	var wg sync.WaitGroup
	for i, slot := range slots {
		resp := conversation.NewResponse(slot.Model, slot.Provider)
		batch.responses[i] = resp
		batch.controllers[i] = stream.NewController(resp, meta)

		wg.Add(1)
		go func(index int, slot Slot, resp *conversation.Response) {
			defer wg.Done()
			batch.recordStatus(index, c.runSlot(runCtx, batch.controllers[index], slot, resp, meta))
		}(i, slot, resp)
	}

	go func() {
		wg.Wait()
		c.settle(ctx, store, batch, fold)
	}()
}

// runSlot resolves the engine, starts the stream and drives the lifecycle
// controller. A slot that cannot even start settles as errored immediately
// and still counts toward batch settlement.
func (c *Coordinator) runSlot(ctx context.Context, ctrl *stream.Controller, slot Slot, resp *conversation.Response, meta events.EventMetadata) conversation.ResponseStatus {
	eng, ok := c.resolver.EngineFor(slot.Provider)
	if !ok {
		err := errors.Errorf("no engine for provider %s", slot.Provider)
		log.Warn().Err(err).Str("model", string(slot.Model)).Msg("dispatch slot failed to start")
		ctrl.Fail(ctx, err)
		return conversation.StatusError
	}

	chunks, err := eng.Send(ctx, engine.Request{
		ConversationID: meta.ConversationID,
		BatchID:        meta.BatchID,
		ResponseID:     resp.LocalID,
		Model:          slot.Model,
		Messages:       slot.Messages,
		Config:         slot.Config,
	})
	if err != nil {
		err = errors.Wrapf(err, "send to %s failed", slot.Model)
		log.Warn().Err(err).Str("model", string(slot.Model)).Msg("dispatch slot failed to start")
		ctrl.Fail(ctx, err)
		return conversation.StatusError
	}

	return ctrl.Run(ctx, chunks)
}

// settle folds the batch into the conversation. It runs exactly once per
// batch: the settlement goroutine is the only caller, and it fires only after
// every member goroutine has returned.
func (c *Coordinator) settle(ctx context.Context, store *conversation.Store, batch *Batch, fold func([]*conversation.Response) conversation.Mutation) {
	// The batch context may already be cancelled (user stop); the fold and
	// its persistence still have to happen.
	foldCtx := context.WithoutCancel(ctx)

	err := store.Apply(fold(batch.responses))
	store.EndStreaming()

	c.mu.Lock()
	if c.activeSends[batch.ConversationID] == batch {
		delete(c.activeSends, batch.ConversationID)
	}
	if batch.Kind == KindRegenerate {
		for _, resp := range batch.responses {
			delete(c.activeSlots, slotKey(batch.ConversationID, batch.TurnID, resp.Model))
		}
	}
	c.mu.Unlock()

	batch.mu.Lock()
	batch.foldErr = err
	batch.mu.Unlock()

	complete, errored, cancelled := batch.Counts()
	meta := events.EventMetadata{
		ConversationID: batch.ConversationID,
		BatchID:        batch.ID,
		TurnID:         batch.TurnID,
	}
	events.PublishEventToContext(foldCtx, events.NewBatchSettledEvent(meta, batch.TurnID, complete, errored, cancelled))

	if err != nil {
		log.Error().Err(err).
			Str("conversation_id", batch.ConversationID).
			Str("batch_id", batch.ID).
			Msg("batch fold failed")
	} else if c.onFold != nil {
		if turn, _ := findTurn(store, batch.TurnID); turn != nil {
			c.onFold(foldCtx, batch.ConversationID, turn, batch.Kind)
		}
	}

	close(batch.done)
}

func findTurn(store *conversation.Store, turnID string) (*conversation.Turn, int) {
	return store.Snapshot().TurnByID(turnID)
}

func slotKey(conversationID, turnID string, model conversation.ModelID) string {
	return fmt.Sprintf("%s/%s/%s", conversationID, turnID, model)
}
