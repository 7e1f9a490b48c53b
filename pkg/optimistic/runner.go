// Package optimistic implements the apply-then-confirm mutation protocol for
// structural conversation edits: the local change is applied immediately, the
// remote round-trip runs in the background, and the outcome either gets
// replaced by the authoritative remote state or rolled back exactly.
package optimistic

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/Amo808/multiprovider/pkg/conversation"
)

var (
	// ErrBusy means another structural round-trip is outstanding, or the
	// conversation is streaming. The caller surfaces nothing; the attempt is
	// simply refused.
	ErrBusy = errors.New("structural mutation refused: conversation is busy")

	// ErrRejected means the optimistic apply itself was invalid (bad
	// indices, unknown ids). Nothing changed locally.
	ErrRejected = errors.New("mutation rejected")

	// ErrRemoteInvalid means the remote answered, but with a payload that
	// cannot be reconciled. The local state was rolled back exactly.
	ErrRemoteInvalid = errors.New("remote returned an unusable authoritative state")
)

// Result carries the authoritative state a remote commit hands back. A nil
// Result means the remote accepted the optimistic guess as-is.
type Result struct {
	// OrderedRemoteIDs is the authoritative ordering after a reorder.
	OrderedRemoteIDs []string
}

// Command is one optimistic saga. Apply performs the local mutation and keeps
// whatever snapshot Rollback needs; Confirm reconciles the local state with
// the remote's answer.
type Command interface {
	Name() string
	Apply() error
	CommitRemote(ctx context.Context) (*Result, error)
	Confirm(res *Result) error
	Rollback() error
}

// structuralCommand marks commands that need the exclusive round-trip guard:
// at most one reorder/delete saga per conversation at a time.
type structuralCommand interface {
	structuralRoundTrip()
}

// Runner sequences a command through apply → remote → confirm-or-rollback.
type Runner struct {
	store *conversation.Store
}

func NewRunner(store *conversation.Store) *Runner {
	return &Runner{store: store}
}

// Run executes one command to completion. A remote failure rolls the local
// state back to exactly the pre-apply snapshot and returns the remote error;
// the caller decides whether to surface it.
func (r *Runner) Run(ctx context.Context, cmd Command) error {
	if _, structural := cmd.(structuralCommand); structural {
		if !r.store.TryBeginReorder() {
			log.Trace().Str("command", cmd.Name()).Msg("refused: round-trip guard held")
			return ErrBusy
		}
		defer r.store.EndReorder()
	} else if r.store.IsStreaming() {
		log.Trace().Str("command", cmd.Name()).Msg("refused: conversation is streaming")
		return ErrBusy
	}

	if err := cmd.Apply(); err != nil {
		return errors.Wrapf(err, "%s: optimistic apply failed", cmd.Name())
	}

	res, err := cmd.CommitRemote(ctx)
	if err != nil {
		if rbErr := cmd.Rollback(); rbErr != nil {
			log.Error().Err(rbErr).Str("command", cmd.Name()).Msg("rollback failed after remote error")
		}
		return errors.Wrapf(err, "%s: remote commit failed", cmd.Name())
	}

	if err := cmd.Confirm(res); err != nil {
		if rbErr := cmd.Rollback(); rbErr != nil {
			log.Error().Err(rbErr).Str("command", cmd.Name()).Msg("rollback failed after confirm error")
		}
		return errors.Wrapf(err, "%s", cmd.Name())
	}
	return nil
}
