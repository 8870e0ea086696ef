package domain

import "errors"

var ErrInvalidRole = errors.New("invalid role")

// Role defines what a participant may do on a stage.
// Audience members receive media but the distinction is advisory for this
// core; enforcement belongs to the backend.
type Role string

const (
	RoleModerator Role = "moderator"
	RoleSpeaker   Role = "speaker"
	RoleAudience  Role = "audience"
)

func (r Role) Valid() bool {
	switch r {
	case RoleModerator, RoleSpeaker, RoleAudience:
		return true
	}
	return false
}
