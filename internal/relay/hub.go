// Package relay is the development signaling relay: a websocket fan-out
// that moves SignalingMessage envelopes between the participants of a
// stage. It owns no media; every media decision stays on the clients.
package relay

import (
	"sync"

	"github.com/stagemesh/stagemesh/internal/domain"
)

// Hub keeps one room per active stage.
type Hub struct {
	mu     sync.RWMutex
	stages map[domain.StageID]*stageRoom
}

func NewHub() *Hub {
	return &Hub{stages: make(map[domain.StageID]*stageRoom)}
}

func (h *Hub) GetOrCreate(id domain.StageID) *stageRoom {
	h.mu.RLock()
	room, ok := h.stages[id]
	h.mu.RUnlock()
	if ok {
		return room
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok = h.stages[id]; ok {
		return room
	}
	room = newStageRoom(id)
	h.stages[id] = room
	return room
}

// Drop removes an emptied stage. Callers check emptiness under the room's
// own lock; a join racing the drop simply recreates the room.
func (h *Hub) Drop(id domain.StageID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.stages[id]; ok && room.MemberCount() == 0 {
		delete(h.stages, id)
	}
}

type StageInfo struct {
	ID          domain.StageID `json:"id"`
	MemberCount int            `json:"member_count"`
}

func (h *Hub) List() []StageInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]StageInfo, 0, len(h.stages))
	for id, room := range h.stages {
		out = append(out, StageInfo{ID: id, MemberCount: room.MemberCount()})
	}
	return out
}
