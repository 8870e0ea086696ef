package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/stagemesh/stagemesh/internal/core"
)

const (
	sendBuffer = 32
	writeWait  = 5 * time.Second
)

// client is one websocket participant connection. Close is idempotent and
// TrySend never blocks: a slow consumer loses frames instead of stalling
// the stage.
type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func newClient(conn *websocket.Conn) *client {
	return &client{conn: conn, send: make(chan []byte, sendBuffer)}
}

func (c *client) TrySend(data []byte) error {
	select {
	case c.send <- data:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (c *client) TrySendJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "relay.conn").Msg("marshal frame")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Warn().Str("module", "relay.conn").Msg("backpressure, frame dropped")
	}
}

func (c *client) Close() {
	c.once.Do(func() {
		close(c.send)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}
