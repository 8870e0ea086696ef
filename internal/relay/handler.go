package relay

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/stagemesh/stagemesh/internal/core"
	"github.com/stagemesh/stagemesh/internal/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type ControllerConfig struct {
	ReadLimit  int64
	PingPeriod time.Duration
	JoinLimit  int
	JoinWindow time.Duration
}

// Controller accepts signaling websockets and routes envelopes between
// stage members. One Controller serves every stage.
type Controller struct {
	hub     *Hub
	limiter *JoinRateLimiter
	cfg     ControllerConfig
}

func NewController(hub *Hub, cfg ControllerConfig) *Controller {
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 32768
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = 54 * time.Second
	}
	if cfg.JoinLimit <= 0 {
		cfg.JoinLimit = 10
	}
	if cfg.JoinWindow <= 0 {
		cfg.JoinWindow = time.Minute
	}
	return &Controller{
		hub:     hub,
		limiter: NewJoinRateLimiter(cfg.JoinLimit, cfg.JoinWindow),
		cfg:     cfg,
	}
}

// session is the per-connection binding established by the join frame.
type session struct {
	uid  domain.UserID
	room *stageRoom
}

func (ctl *Controller) HandleSignal(c *gin.Context) {
	sid := c.GetString("client_token")
	log.Info().Str("module", "relay").Str("sid", sid).Msg("new ws connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("ws upgrade")
		return
	}

	conn := newClient(ws)
	go ctl.writePump(conn)
	ctl.readPump(conn)
}

func (ctl *Controller) writePump(c *client) {
	ticker := time.NewTicker(ctl.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (ctl *Controller) readPump(c *client) {
	var sess *session
	defer func() {
		ctl.dropSession(sess, c, "connection closed")
		c.Close()
	}()

	c.conn.SetReadLimit(ctl.cfg.ReadLimit)
	readWait := ctl.cfg.PingPeriod * 10 / 9
	_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Info().Err(err).Str("module", "relay").Msg("readPump closing")
			return
		}
		sess = ctl.handleFrame(sess, c, data)
	}
}

// handleFrame routes one inbound envelope and returns the (possibly
// updated) connection session.
func (ctl *Controller) handleFrame(sess *session, c *client, data []byte) *session {
	var msg core.SignalingMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("bad frame")
		return sess
	}

	switch msg.Type {
	case core.MessageJoin:
		return ctl.handleJoin(sess, c, msg, data)
	case core.MessageLeave:
		ctl.dropSession(sess, c, "leave")
		return nil
	case core.MessageOffer, core.MessageAnswer, core.MessageCandidate:
		if sess == nil || msg.To == "" {
			log.Debug().Str("module", "relay").Str("type", string(msg.Type)).Msg("unroutable frame dropped")
			return sess
		}
		sess.room.sendTo(msg.To, data)
		return sess
	case core.MessageControl:
		if sess == nil {
			return sess
		}
		sess.room.broadcast(sess.uid, data)
		return sess
	default:
		log.Warn().Str("module", "relay").Str("type", string(msg.Type)).Msg("unknown signal")
		return sess
	}
}

func (ctl *Controller) handleJoin(sess *session, c *client, msg core.SignalingMessage, raw []byte) *session {
	if msg.From == "" || msg.StageID == "" {
		c.TrySendJSON(map[string]string{"type": "error", "error": "join requires stage_id and from"})
		return sess
	}
	if !ctl.limiter.Allow(msg.From) {
		log.Warn().Str("module", "relay").Str("user", string(msg.From)).Msg("join rate limited")
		c.TrySendJSON(map[string]string{"type": "error", "error": "rate limited"})
		return sess
	}

	// A connection hops stages by joining again; the old membership ends.
	if sess != nil && (sess.room.id != msg.StageID || sess.uid != msg.From) {
		ctl.dropSession(sess, c, "rejoined elsewhere")
	}

	room := ctl.hub.GetOrCreate(msg.StageID)
	members := room.Members()
	room.add(msg.From, c)
	log.Info().Str("module", "relay").Str("stage", string(msg.StageID)).Str("user", string(msg.From)).Int("members", len(members)).Msg("join")

	// Acknowledge with the members present before this join; the joiner
	// initiates towards exactly that set.
	c.TrySendJSON(core.SignalingMessage{
		Type:     core.MessageJoin,
		StageID:  msg.StageID,
		To:       msg.From,
		Presence: &core.PresencePayload{Members: members},
	})

	// Let the stage know who arrived.
	room.broadcast(msg.From, raw)

	return &session{uid: msg.From, room: room}
}

// dropSession ends a membership: remove, tell the stage, garbage-collect
// the room. Safe on a nil session.
func (ctl *Controller) dropSession(sess *session, c *client, reason string) {
	if sess == nil {
		return
	}
	if !sess.room.remove(sess.uid, c) {
		// A newer connection for this user took over; nothing to announce.
		return
	}
	log.Info().Str("module", "relay").Str("stage", string(sess.room.id)).Str("user", string(sess.uid)).Str("reason", reason).Msg("leave")

	b, err := json.Marshal(core.SignalingMessage{
		Type:    core.MessageLeave,
		StageID: sess.room.id,
		From:    sess.uid,
	})
	if err == nil {
		sess.room.broadcast(sess.uid, b)
	}
	ctl.hub.Drop(sess.room.id)
}
