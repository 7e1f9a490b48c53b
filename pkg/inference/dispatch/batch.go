package dispatch

import (
	"sync"

	"github.com/Amo808/multiprovider/pkg/conversation"
	"github.com/Amo808/multiprovider/pkg/inference/stream"
)

// Kind distinguishes a first-send fan-out from a regenerate.
type Kind string

const (
	KindSend       Kind = "send"
	KindRegenerate Kind = "regenerate"
)

// Batch is one in-flight dispatch: K member responses streaming in parallel,
// folded into the conversation exactly once after the last member settles.
// Until the fold, the member responses live only on the batch; the store
// never sees a turn in a non-terminal state.
type Batch struct {
	ID             string
	Kind           Kind
	ConversationID string

	// TurnID is the id of the turn the batch folds into. For a send it is
	// assigned up front so every streaming event carries it.
	TurnID string

	cancel func()
	done   chan struct{}

	mu          sync.Mutex
	controllers []*stream.Controller
	responses   []*conversation.Response
	statuses    []conversation.ResponseStatus
	foldErr     error
}

// Cancel requests cooperative cancellation of every member stream. Settled
// members are unaffected; in-flight ones settle as cancelled with their
// partial content kept.
func (b *Batch) Cancel() {
	b.cancel()
}

// Wait blocks until the batch has settled and folded, and returns the fold
// error if the turn could not be applied to the conversation. Individual
// member failures are not errors here; they live on the response metadata.
func (b *Batch) Wait() error {
	<-b.done
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.foldErr
}

// Done returns a channel closed once the batch has settled and folded.
func (b *Batch) Done() <-chan struct{} {
	return b.done
}

// Responses returns deep copies of the member responses in dispatch order,
// including their mid-stream state. This is what a UI renders while the batch
// is pending.
func (b *Batch) Responses() []*conversation.Response {
	b.mu.Lock()
	controllers := b.controllers
	b.mu.Unlock()

	out := make([]*conversation.Response, len(controllers))
	for i, c := range controllers {
		out[i] = c.ResponseSnapshot()
	}
	return out
}

// Counts returns how many members settled complete, errored and cancelled.
// Only meaningful after Wait.
func (b *Batch) Counts() (complete, errored, cancelled int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.statuses {
		switch s {
		case conversation.StatusComplete:
			complete++
		case conversation.StatusError:
			errored++
		case conversation.StatusCancelled:
			cancelled++
		}
	}
	return complete, errored, cancelled
}

func (b *Batch) recordStatus(index int, status conversation.ResponseStatus) {
	b.mu.Lock()
	b.statuses[index] = status
	b.mu.Unlock()
}
