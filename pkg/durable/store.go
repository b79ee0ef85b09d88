// Package durable defines the persistence contract behind durable endpoints
// and the helpers shared by its implementations.
package durable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/grpclog"

	"github.com/quarks-tech/courier-go/pkg/envelope"
)

var logger = grpclog.Component("durable")

var ErrStoreUnavailable = errors.New("courier: durable store unavailable")

// Store persists envelopes together with their status and owning node.
//
// Persist methods are upserts keyed by envelope id and force the status
// their name implies. List methods return copies ordered by id. An empty
// owner matches every owner.
type Store interface {
	PersistIncoming(ctx context.Context, envs ...*envelope.Envelope) error
	PersistOutgoing(ctx context.Context, envs ...*envelope.Envelope) error
	PersistScheduled(ctx context.Context, envs ...*envelope.Envelope) error

	// MarkHandled keeps the envelopes with status Handled until they are
	// removed by DeleteHandledBefore.
	MarkHandled(ctx context.Context, ids ...string) error
	DeleteIfPresent(ctx context.Context, ids ...string) error

	AllIncoming(ctx context.Context, owner string) ([]*envelope.Envelope, error)
	AllOutgoing(ctx context.Context, owner string) ([]*envelope.Envelope, error)
	// AllScheduled returns scheduled envelopes whose execution time is not
	// after dueBefore.
	AllScheduled(ctx context.Context, dueBefore time.Time) ([]*envelope.Envelope, error)

	// Claim atomically assigns node as owner of every listed envelope that is
	// owned by envelope.AnyNode and not handled. It returns the claimed ids;
	// two concurrent claims never both win the same envelope.
	Claim(ctx context.Context, node string, ids ...string) ([]string, error)
	// Release hands every unhandled envelope owned by node back to
	// envelope.AnyNode and forgets the heartbeat of node.
	Release(ctx context.Context, node string) error

	// Heartbeat records that node was alive at at.
	Heartbeat(ctx context.Context, node string, at time.Time) error
	// StaleOwners returns the nodes owning unhandled envelopes whose last
	// heartbeat is before the given time or missing, ordered by id.
	StaleOwners(ctx context.Context, before time.Time) ([]string, error)

	// MoveToDeadLetter removes the active record and keeps the envelope in the
	// dead-letter area.
	MoveToDeadLetter(ctx context.Context, env *envelope.Envelope, dl DeadLetter) error
	DeadLetters(ctx context.Context) ([]*DeadLetter, error)

	// DeleteHandledBefore removes handled envelopes marked before t and
	// returns how many were removed.
	DeleteHandledBefore(ctx context.Context, t time.Time) (int, error)
}

// DeadLetter describes why an envelope was given up on.
type DeadLetter struct {
	Envelope *envelope.Envelope
	Reason   string
	Attempts int
	At       time.Time
}

// Unavailable marks err as a transient store failure.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrStoreUnavailable) {
		return err
	}

	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// Prepare copies envs for storage with the given status.
func Prepare(status envelope.Status, envs []*envelope.Envelope) []*envelope.Envelope {
	out := make([]*envelope.Envelope, 0, len(envs))

	for _, e := range envs {
		c := e.Clone()
		c.Status = status

		if c.OwnerID == "" {
			c.OwnerID = envelope.AnyNode
		}

		out = append(out, c)
	}

	return out
}
