package stage

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/stagemesh/stagemesh/internal/core"
)

const eventBuffer = 64

// eventHub fans orchestrator events out to consumer subscriptions.
// Subscriptions are independent; a slow consumer only loses its own events.
type eventHub struct {
	mu   sync.RWMutex
	subs map[chan core.StageEvent]struct{}
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[chan core.StageEvent]struct{})}
}

func (h *eventHub) subscribe() (<-chan core.StageEvent, func()) {
	ch := make(chan core.StageEvent, eventBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

func (h *eventHub) emit(ev core.StageEvent) {
	h.mu.RLock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			log.Debug().Str("module", "stage.events").Str("type", string(ev.Type)).Msg("subscriber full, event dropped")
		}
	}
	h.mu.RUnlock()
}
