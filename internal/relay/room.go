package relay

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/stagemesh/stagemesh/internal/domain"
)

// stageRoom is the membership and fan-out unit for one stage.
type stageRoom struct {
	id domain.StageID

	mu      sync.RWMutex
	members map[domain.UserID]*client
}

func newStageRoom(id domain.StageID) *stageRoom {
	return &stageRoom{id: id, members: make(map[domain.UserID]*client)}
}

// add registers a member connection. A rejoin with the same user id
// replaces the previous connection, which is closed; the stale socket of a
// dropped client must never shadow the live one.
func (r *stageRoom) add(uid domain.UserID, c *client) {
	r.mu.Lock()
	prev := r.members[uid]
	r.members[uid] = c
	r.mu.Unlock()
	if prev != nil && prev != c {
		log.Info().Str("module", "relay.room").Str("stage", string(r.id)).Str("user", string(uid)).Msg("replacing stale connection")
		prev.Close()
	}
}

// remove drops a member if c is still its current connection.
func (r *stageRoom) remove(uid domain.UserID, c *client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.members[uid] != c {
		return false
	}
	delete(r.members, uid)
	return true
}

func (r *stageRoom) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *stageRoom) Members() []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.UserID, 0, len(r.members))
	for uid := range r.members {
		out = append(out, uid)
	}
	return out
}

// sendTo delivers a frame to one member; unknown targets are dropped with
// a log line, the sender never learns (at-least-once, no receipts).
func (r *stageRoom) sendTo(uid domain.UserID, data []byte) {
	r.mu.RLock()
	c := r.members[uid]
	r.mu.RUnlock()
	if c == nil {
		log.Debug().Str("module", "relay.room").Str("stage", string(r.id)).Str("user", string(uid)).Msg("target not in stage, frame dropped")
		return
	}
	if err := c.TrySend(data); err != nil {
		log.Warn().Str("module", "relay.room").Str("user", string(uid)).Msg("member backpressure, frame dropped")
	}
}

// broadcast fans a frame out to every member except the sender.
func (r *stageRoom) broadcast(from domain.UserID, data []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for uid, c := range r.members {
		if uid == from {
			continue
		}
		if err := c.TrySend(data); err != nil {
			log.Warn().Str("module", "relay.room").Str("user", string(uid)).Msg("member backpressure, frame dropped")
		}
	}
}
