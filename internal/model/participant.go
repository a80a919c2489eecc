package model

import "time"

type Role string

const (
	RoleClient  Role = "client"
	RoleCompany Role = "company"
	RoleAdmin   Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleCompany, RoleAdmin:
		return true
	}
	return false
}

// Participant is the client's read-only copy of a marketplace user.
// Only IsOnline and LastSeenAt are ever overlaid locally (from presence events).
type Participant struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Role        Role      `json:"role"`
	IsOnline    bool      `json:"is_online"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// WithPresence returns a copy of p with presence fields taken from pr.
func (p Participant) WithPresence(pr Presence) Participant {
	p.IsOnline = pr.IsOnline
	p.LastSeenAt = pr.LastSeenAt
	return p
}

// Presence is the last known online state of a user. Keyed by UserID, last write wins.
type Presence struct {
	UserID     string    `json:"user_id"`
	IsOnline   bool      `json:"is_online"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

type PresenceUpdate struct {
	IsOnline bool `json:"is_online"`
}

type PresenceResult struct {
	Success  bool     `json:"success"`
	Presence Presence `json:"presence"`
}
