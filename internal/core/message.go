package core

import (
	"github.com/stagemesh/stagemesh/internal/domain"
)

// MessageType enumerates every signaling message kind this core exchanges.
// The union is closed: a transport that carries anything else is broken.
type MessageType string

const (
	MessageJoin      MessageType = "join"
	MessageLeave     MessageType = "leave"
	MessageOffer     MessageType = "offer"
	MessageAnswer    MessageType = "answer"
	MessageCandidate MessageType = "ice-candidate"
	MessageControl   MessageType = "control"
)

// ControlOp is the sub-kind of a control message. Control messages exist so
// remote UIs never have to guess mute/camera state from media silence.
type ControlOp string

const (
	ControlAudioToggle      ControlOp = "audio-toggle"
	ControlVideoToggle      ControlOp = "video-toggle"
	ControlHandRaise        ControlOp = "hand-raise"
	ControlScreenShareStart ControlOp = "screen-share-start"
	ControlScreenShareStop  ControlOp = "screen-share-stop"
)

type OfferPayload struct {
	SDP string `json:"sdp"`
	// Nonce pairs an answer with the offer that produced it, so a stale
	// answer from a discarded negotiation round is ignored.
	Nonce string `json:"nonce"`
}

type AnswerPayload struct {
	SDP   string `json:"sdp"`
	Nonce string `json:"nonce"`
}

type CandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

type ControlPayload struct {
	Op ControlOp `json:"op"`
	// Enabled carries the new state for audio/video toggles.
	Enabled *bool `json:"enabled,omitempty"`
}

// PresencePayload rides on join/leave messages. Members is only set on the
// join acknowledgement the channel delivers back to the joiner; it stays
// present even when empty, an empty stage is a valid join.
type PresencePayload struct {
	DisplayName string          `json:"display_name,omitempty"`
	Role        domain.Role     `json:"role,omitempty"`
	Members     []domain.UserID `json:"members"`
}

// SignalingMessage is the single envelope all signaling traffic uses.
// Exactly one payload pointer matching Type is set; the rest stay nil.
// Delivery is at-least-once with no cross-sender ordering, so every
// consumer of these messages must be idempotent.
type SignalingMessage struct {
	Type    MessageType    `json:"type"`
	StageID domain.StageID `json:"stage_id"`
	From    domain.UserID  `json:"from"`
	// To targets offer/answer/candidate exchanges at one peer.
	// Empty means stage-wide (presence and control broadcasts).
	To domain.UserID `json:"to,omitempty"`

	Offer     *OfferPayload     `json:"offer,omitempty"`
	Answer    *AnswerPayload    `json:"answer,omitempty"`
	Candidate *CandidatePayload `json:"candidate,omitempty"`
	Control   *ControlPayload   `json:"control,omitempty"`
	Presence  *PresencePayload  `json:"presence,omitempty"`
}
