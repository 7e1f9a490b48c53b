package conversation

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Store is the single source of truth for one conversation. All mutation goes
// through Apply/ApplyChecked; no component keeps a mutable reference into the
// turn list across a suspension point, because indices can shift under a
// concurrent reorder.
type Store struct {
	mu   sync.Mutex
	conv *Conversation

	version int64

	// reordering is the per-conversation structural-mutation guard: only one
	// reorder/delete round-trip may be in flight at a time.
	reordering bool

	// streamingBatches counts active dispatch batches. Structural mutations
	// are refused while any response is still being written.
	streamingBatches int
}

// NewStore wraps a conversation. A nil conversation gets a fresh one.
func NewStore(conv *Conversation) *Store {
	if conv == nil {
		conv = NewConversation("")
	}
	return &Store{conv: conv}
}

// ID returns the conversation id.
func (s *Store) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.ID
}

// Version returns the mutation counter. Every applied mutation bumps it.
func (s *Store) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Snapshot returns a deep copy of the conversation. Composition and rollback
// snapshots read this copy, so one composition observes exactly one state.
func (s *Store) Snapshot() *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.Clone()
}

// SharedHistory reports the conversation's shared-history mode.
func (s *Store) SharedHistory() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.SharedHistory
}

// SetSharedHistory flips the shared-history mode flag.
func (s *Store) SetSharedHistory(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conv.SharedHistory = on
}

// Apply applies a single mutation and bumps the version.
func (s *Store) Apply(m Mutation) error {
	if m == nil {
		return errors.New("mutation is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := m.Apply(s.conv); err != nil {
		return errors.Wrapf(err, "mutation %s failed", m.Name())
	}
	s.version++
	return nil
}

// ApplyChecked applies a rejectable mutation and reports success. Rejections
// (bad indices, reorder during streaming, reorder during reorder) leave the
// conversation untouched and are logged at trace level only: the caller gets
// a false, the user gets silence.
func (s *Store) ApplyChecked(m RejectableMutation) bool {
	if m == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamingBatches > 0 {
		log.Trace().Str("mutation", m.Name()).Msg("rejected: conversation is streaming")
		return false
	}
	if s.reordering {
		log.Trace().Str("mutation", m.Name()).Msg("rejected: reorder round-trip in flight")
		return false
	}
	if err := m.Apply(s.conv); err != nil {
		log.Trace().Str("mutation", m.Name()).Err(err).Msg("rejected")
		return false
	}
	s.version++
	return true
}

// TryBeginReorder arms the structural-mutation guard. Returns false when a
// reorder is already outstanding or a dispatch is streaming.
func (s *Store) TryBeginReorder() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reordering || s.streamingBatches > 0 {
		return false
	}
	s.reordering = true
	return true
}

// EndReorder releases the structural-mutation guard.
func (s *Store) EndReorder() {
	s.mu.Lock()
	s.reordering = false
	s.mu.Unlock()
}

// IsReordering reports whether a structural round-trip is outstanding.
func (s *Store) IsReordering() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reordering
}

// BeginStreaming marks one dispatch batch as active.
func (s *Store) BeginStreaming() {
	s.mu.Lock()
	s.streamingBatches++
	s.mu.Unlock()
}

// TryBeginStreaming marks one dispatch batch as active unless a structural
// round-trip is outstanding. A fold landing mid round-trip would be erased
// when the round-trip reconciles from its pre-mutation snapshot, so the two
// exclude each other in both directions.
func (s *Store) TryBeginStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reordering {
		return false
	}
	s.streamingBatches++
	return true
}

// EndStreaming marks one dispatch batch as settled.
func (s *Store) EndStreaming() {
	s.mu.Lock()
	if s.streamingBatches > 0 {
		s.streamingBatches--
	}
	s.mu.Unlock()
}

// IsStreaming reports whether any dispatch batch is active.
func (s *Store) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamingBatches > 0
}
