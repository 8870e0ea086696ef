// Package signal implements the SignalingChannel over a websocket relay.
//
// Delivery contract: at-least-once, no ordering across senders. The channel
// does not dedupe; everything downstream of Subscribe must be idempotent.
package signal

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/stagemesh/stagemesh/internal/core"
	"github.com/stagemesh/stagemesh/internal/domain"
)

const (
	sendBuffer = 64
	subBuffer  = 64
	writeWait  = 5 * time.Second
)

type Options struct {
	URL         string
	DisplayName string
	Role        domain.Role
	JoinTimeout time.Duration
}

// Channel is a per-stage websocket signaling client. One Channel can go
// through several Join/Leave cycles (reconnects reuse it); subscriptions
// survive across cycles.
type Channel struct {
	opts Options

	mu       sync.Mutex
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	drained  chan struct{}
	closed   bool
	stageID  domain.StageID
	self     domain.UserID
	presence []domain.UserID
	ack      chan []domain.UserID

	onDisconnect func(error)

	subMu sync.RWMutex
	subs  map[chan core.SignalingMessage]struct{}
}

func NewChannel(opts Options) *Channel {
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 15 * time.Second
	}
	return &Channel{
		opts:   opts,
		closed: true,
		subs:   make(map[chan core.SignalingMessage]struct{}),
	}
}

// Join dials the relay, announces presence and waits for the stage state
// acknowledgement. Returns false when the relay rejected the join.
func (c *Channel) Join(ctx context.Context, stageID domain.StageID, userID domain.UserID) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.JoinTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return false, &core.SignalingError{Op: "dial", Err: err}
	}

	c.mu.Lock()
	if !c.closed {
		// A previous cycle is still live (the drop path never calls Leave);
		// retire its pumps and socket so rejoining leaks nothing.
		if c.done != nil {
			close(c.done)
		}
		if c.conn != nil {
			_ = c.conn.Close()
		}
	}
	c.conn = conn
	c.send = make(chan []byte, sendBuffer)
	c.done = make(chan struct{})
	c.drained = make(chan struct{})
	c.closed = false
	c.stageID = stageID
	c.self = userID
	c.ack = make(chan []domain.UserID, 1)
	done, send, drained := c.done, c.send, c.drained
	c.mu.Unlock()

	go c.writePump(conn, send, done, drained)
	go c.readPump(conn)

	join := core.SignalingMessage{
		Type:    core.MessageJoin,
		StageID: stageID,
		From:    userID,
		Presence: &core.PresencePayload{
			DisplayName: c.opts.DisplayName,
			Role:        c.opts.Role,
		},
	}
	if err := c.Send(join); err != nil {
		c.Leave()
		return false, &core.SignalingError{Op: "join", Err: err}
	}

	select {
	case members := <-c.ack:
		c.mu.Lock()
		c.presence = members
		c.mu.Unlock()
		log.Info().Str("module", "signal").Str("stage", string(stageID)).Int("members", len(members)).Msg("joined stage")
		return true, nil
	case <-ctx.Done():
		c.Leave()
		return false, &core.SignalingError{Op: "join", Err: ctx.Err()}
	}
}

// Send is fire-and-forget with bounded buffering.
func (c *Channel) Send(msg core.SignalingMessage) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return core.ErrChannelClosed
	}
	send := c.send
	c.mu.Unlock()

	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case send <- b:
		return nil
	default:
		return core.ErrBackpressure
	}
}

// Subscribe attaches a consumer. The cancel func detaches it and closes
// the returned channel.
func (c *Channel) Subscribe() (<-chan core.SignalingMessage, func()) {
	ch := make(chan core.SignalingMessage, subBuffer)
	c.subMu.Lock()
	c.subs[ch] = struct{}{}
	c.subMu.Unlock()

	cancel := func() {
		c.subMu.Lock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
		c.subMu.Unlock()
	}
	return ch, cancel
}

func (c *Channel) Presence() []domain.UserID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.UserID, len(c.presence))
	copy(out, c.presence)
	return out
}

func (c *Channel) OnDisconnect(fn func(err error)) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

// Leave unsubscribes and drops the connection. Safe when never joined and
// safe to call twice.
func (c *Channel) Leave() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn, send, done, drained := c.conn, c.send, c.done, c.drained
	stageID, self := c.stageID, c.self
	c.conn = nil
	c.mu.Unlock()

	// Best effort: tell the stage we left before dropping the socket. The
	// pump flushes its queue on done and acknowledges via drained, so the
	// socket is not yanked out from under the leave frame.
	if b, err := json.Marshal(core.SignalingMessage{Type: core.MessageLeave, StageID: stageID, From: self}); err == nil {
		select {
		case send <- b:
		default:
		}
	}
	close(done)
	if drained != nil {
		select {
		case <-drained:
		case <-time.After(writeWait):
		}
	}
	if conn != nil {
		_ = conn.Close()
	}
	log.Info().Str("module", "signal").Str("stage", string(stageID)).Msg("left stage")
}

func (c *Channel) writePump(conn *websocket.Conn, send chan []byte, done, drained chan struct{}) {
	defer close(drained)
	for {
		select {
		case <-done:
			c.flush(conn, send)
			return
		case data := <-send:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

// flush writes whatever is still queued when the cycle ends, so the
// best-effort leave frame actually reaches the wire.
func (c *Channel) flush(conn *websocket.Conn, send chan []byte) {
	for {
		select {
		case data := <-send:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Channel) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			// A rejoin may already have swapped in a fresh connection; the
			// retired pump must not report its own teardown as a drop.
			stale := c.conn != conn
			closed := c.closed
			fn := c.onDisconnect
			c.mu.Unlock()
			if !closed && !stale {
				log.Warn().Err(err).Str("module", "signal").Msg("readPump: connection dropped")
				if fn != nil {
					fn(err)
				}
			}
			return
		}
		c.handleFrame(data)
	}
}

func (c *Channel) handleFrame(data []byte) {
	var msg core.SignalingMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad frame")
		return
	}

	c.mu.Lock()
	self := c.self
	ack := c.ack
	c.mu.Unlock()

	// The relay answers a join with the current member list addressed to
	// the joiner; that frame is the subscription acknowledgement.
	if msg.Type == core.MessageJoin && msg.To == self && msg.Presence != nil && msg.Presence.Members != nil {
		select {
		case ack <- msg.Presence.Members:
		default:
		}
		return
	}

	// Drop local echo and frames targeted at someone else.
	if msg.From == self {
		return
	}
	if msg.To != "" && msg.To != self {
		return
	}

	c.subMu.RLock()
	for ch := range c.subs {
		select {
		case ch <- msg:
		default:
			log.Warn().Str("module", "signal").Str("type", string(msg.Type)).Msg("subscriber backpressure, frame dropped")
		}
	}
	c.subMu.RUnlock()
}
