package core

import "github.com/stagemesh/stagemesh/internal/domain"

type EventType string

const (
	EventStateChanged EventType = "state-changed"
	EventPeerJoined   EventType = "peer-joined"
	EventPeerLeft     EventType = "peer-left"
	EventRemoteTrack  EventType = "remote-track"
	EventControl      EventType = "control"
	EventQuality      EventType = "quality"
)

// StageEvent is what consumers receive instead of bare callbacks: a typed
// event on a subscription channel they can cancel.
type StageEvent struct {
	Type    EventType
	State   ConnectionState
	Peer    domain.UserID
	Track   RemoteTrack
	Control *ControlPayload
	Quality *NetworkQuality
	Reason  string
}
