package core

import (
	"context"

	"github.com/stagemesh/stagemesh/internal/domain"
)

// SignalingChannel is a per-stage message bus between participants.
// Owned by the orchestrator; the orchestrator must Leave() it.
type SignalingChannel interface {
	// Join subscribes to the stage and blocks until the channel
	// acknowledges or ctx expires. Returns false when the join was
	// rejected; callers must not assume a retry happened.
	Join(ctx context.Context, stageID domain.StageID, userID domain.UserID) (bool, error)

	// Send is fire-and-forget. Request/response pairing is the caller's
	// job (offer/answer nonces).
	Send(msg SignalingMessage) error

	// Subscribe returns a stream of every message except ones this side
	// produced. Duplicates may be delivered; handlers must tolerate them.
	// The cancel func detaches the subscription and closes the channel.
	Subscribe() (<-chan SignalingMessage, func())

	// Presence lists the participants known at the time of the join ack.
	Presence() []domain.UserID

	// OnDisconnect registers a callback fired when the underlying
	// transport drops outside of an explicit Leave.
	OnDisconnect(fn func(err error))

	// Leave unsubscribes. Safe to call when never joined, and twice.
	Leave()
}
