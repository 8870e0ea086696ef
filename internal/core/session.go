package core

import "github.com/stagemesh/stagemesh/internal/domain"

// ConnectionState is the orchestrator-level state machine.
// left and error are terminal for a session instance.
type ConnectionState string

const (
	StateIdle         ConnectionState = "idle"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateError        ConnectionState = "error"
	StateLeft         ConnectionState = "left"
)

// Terminal reports whether the session instance is finished.
func (s ConnectionState) Terminal() bool {
	return s == StateLeft || s == StateError
}

type MediaState struct {
	AudioEnabled  bool `json:"audio_enabled"`
	VideoEnabled  bool `json:"video_enabled"`
	ScreenSharing bool `json:"screen_sharing"`
}

type Quality string

const (
	QualityGood     Quality = "good"
	QualityDegraded Quality = "degraded"
	QualityPoor     Quality = "poor"
)

// NetworkQuality is advisory, derived from peer link statistics.
// It never gates any state transition.
type NetworkQuality struct {
	Quality Quality `json:"quality"`
	PingMs  int64   `json:"ping_ms"`
}

// StageSession is the read model exposed to the consumer. Snapshots are
// value copies; mutating one has no effect on the orchestrator.
type StageSession struct {
	StageID            domain.StageID  `json:"stage_id"`
	LocalUserID        domain.UserID   `json:"local_user_id"`
	LocalRole          domain.Role     `json:"local_role"`
	ConnectionState    ConnectionState `json:"connection_state"`
	MediaState         MediaState      `json:"media_state"`
	NetworkQuality     NetworkQuality  `json:"network_quality"`
	ConnectionAttempts int             `json:"connection_attempts"`
	// Reason is a human-readable explanation for error/left states.
	Reason string `json:"reason,omitempty"`
}
