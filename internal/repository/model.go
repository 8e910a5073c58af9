package repository

import "time"

// Role is the application-side role of a profile.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleUser      Role = "user"
)

// Profile is the application user record as seen by the synchronizer.
type Profile struct {
	ID                string
	Username          string
	Role              Role
	Banned            bool
	HidePresence      bool
	Supporter         bool
	LifetimeSupporter bool
	Identities        []IdentityLink
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IdentityLink ties a profile to one voice identity on one server. A
// profile holds at most one unique id per server; a unique id belongs
// to at most one profile per server.
type IdentityLink struct {
	ServerID string    `json:"serverId"`
	UniqueID string    `json:"uniqueId"`
	LinkedAt time.Time `json:"linkedAt"`
}

// PresenceRow is the last-known voice location of a profile on one
// server. Rows are upserted on every sighting and never deleted on
// disconnect; consumers treat a stale LastSeenAt as offline.
type PresenceRow struct {
	ProfileID   string
	ServerID    string
	ChannelID   int
	ChannelName string
	ChannelPath []string
	Status      string
	LastSeenAt  time.Time
	UpdatedAt   time.Time
}

// VerificationToken is a pending, single-use identity verification.
// Only the hash of the token is stored.
type VerificationToken struct {
	ID        string
	TokenHash string
	ProfileID string
	ServerID  string
	UniqueID  string
	ExpiresAt time.Time
	Attempts  int
	CreatedAt time.Time
}
