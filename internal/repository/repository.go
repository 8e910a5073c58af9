package repository

import (
	"context"
	"time"
)

type UpsertPresenceInput struct {
	ProfileID   string
	ServerID    string
	ChannelID   int
	ChannelName string
	ChannelPath []string
	SeenAt      time.Time
}

type UpsertIdentityLinkInput struct {
	ProfileID string
	ServerID  string
	UniqueID  string
	LinkedAt  time.Time
}

// RemoveIdentityLinksInput removes the caller's links. Empty UniqueID
// matches every link; empty ServerID matches every server.
type RemoveIdentityLinksInput struct {
	ProfileID string
	ServerID  string
	UniqueID  string
}

type CreateVerificationTokenInput struct {
	TokenHash string
	ProfileID string
	ServerID  string
	UniqueID  string
	ExpiresAt time.Time
}

type ProfileRepository interface {
	// ListLinkedProfiles returns every profile holding at least one
	// identity link, with links populated. Used to build the per-run
	// identity index.
	ListLinkedProfiles(ctx context.Context) ([]Profile, error)
	GetProfile(ctx context.Context, profileID string) (*Profile, error)
	// FindProfileByIdentity returns the profile linked to the given
	// voice identity, or nil when unlinked.
	FindProfileByIdentity(ctx context.Context, serverID, uniqueID string) (*Profile, error)
	// GetProfileBySessionToken resolves an end-user bearer token to a
	// profile, or nil when the token is unknown or expired.
	GetProfileBySessionToken(ctx context.Context, token string) (*Profile, error)
	UpsertIdentityLink(ctx context.Context, input UpsertIdentityLinkInput) error
	RemoveIdentityLinks(ctx context.Context, input RemoveIdentityLinksInput) (int, error)
}

type PresenceRepository interface {
	// UpsertPresence writes the row keyed by (profile, server). Calling
	// it twice with identical input updates one row in place.
	UpsertPresence(ctx context.Context, input UpsertPresenceInput) error
}

type TokenRepository interface {
	CreateVerificationToken(ctx context.Context, input CreateVerificationTokenInput) (*VerificationToken, error)
	GetVerificationToken(ctx context.Context, profileID, serverID, uniqueID string) (*VerificationToken, error)
	IncrementVerificationTokenAttempts(ctx context.Context, tokenID string) (int, error)
	DeleteVerificationToken(ctx context.Context, tokenID string) error
	// DeleteVerificationTokensFor removes any pending token for the
	// tuple, superseding earlier requests.
	DeleteVerificationTokensFor(ctx context.Context, profileID, serverID, uniqueID string) error
	DeleteExpiredVerificationTokens(ctx context.Context) (int, error)
}

type Repository interface {
	ProfileRepository
	PresenceRepository
	TokenRepository
}
