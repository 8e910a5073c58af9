// Package verification links a voice identity to an application
// profile through a short-lived, single-use token delivered over an
// in-protocol direct message.
package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emberhollow/voicesync/internal/config"
	"github.com/emberhollow/voicesync/internal/query"
	"github.com/emberhollow/voicesync/internal/repository"
	"github.com/emberhollow/voicesync/internal/syncer"
)

var (
	ErrBadInput        = errors.New("verification: invalid input")
	ErrBanned          = errors.New("verification: profile is banned")
	ErrAlreadyLinked   = errors.New("verification: identity already linked to this account")
	ErrLinkedToOther   = errors.New("verification: identity linked to another account")
	ErrClientNotOnline = errors.New("verification: client not online")
	// ErrInvalidToken covers missing, expired and mismatched tokens so
	// a caller cannot distinguish them.
	ErrInvalidToken = errors.New("verification: invalid or expired token")
)

const (
	defaultTokenTTL    = 10 * time.Minute
	defaultMaxAttempts = 5
)

type Service struct {
	cfg         *config.Config
	repo        repository.Repository
	dialer      query.Dialer
	now         func() time.Time
	tokenTTL    time.Duration
	maxAttempts int
}

func NewService(cfg *config.Config, repo repository.Repository, dialer query.Dialer) *Service {
	return &Service{
		cfg:         cfg,
		repo:        repo,
		dialer:      dialer,
		now:         time.Now,
		tokenTTL:    defaultTokenTTL,
		maxAttempts: defaultMaxAttempts,
	}
}

type RequestResult struct {
	ServerID       string    `json:"serverId"`
	ClientID       int       `json:"clientId"`
	UniqueID       string    `json:"uniqueId"`
	TokenExpiresAt time.Time `json:"tokenExpiresAt"`
}

type ConfirmResult struct {
	ServerID                string                    `json:"serverId"`
	UniqueID                string                    `json:"uniqueId"`
	Identities              []repository.IdentityLink `json:"identities"`
	GroupsAssigned          []int                     `json:"groupsAssigned"`
	AssignmentSkippedReason string                    `json:"assignmentSkippedReason,omitempty"`
}

// Request issues a fresh token for the (profile, server, uniqueID)
// tuple, superseding any pending one, and delivers it as a direct
// message to the live client. The token row outlives a failed delivery
// until its expiry.
func (s *Service) Request(ctx context.Context, profileID, uniqueID, serverID string) (*RequestResult, error) {
	if !ValidUniqueID(uniqueID) {
		return nil, fmt.Errorf("%w: malformed unique id", ErrBadInput)
	}
	def, ok := s.cfg.ServerByID(serverID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown server %q", ErrBadInput, serverID)
	}

	profile, err := s.repo.GetProfile(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	if profile == nil {
		return nil, fmt.Errorf("profile %s not found", profileID)
	}
	if profile.Banned {
		return nil, ErrBanned
	}

	owner, err := s.repo.FindProfileByIdentity(ctx, def.ID, uniqueID)
	if err != nil {
		return nil, fmt.Errorf("failed to check identity ownership: %w", err)
	}
	if owner != nil {
		if owner.ID == profileID {
			return nil, ErrAlreadyLinked
		}
		return nil, ErrLinkedToOther
	}

	// Best-effort sweep; correctness only needs expiry checks at
	// redemption time.
	if n, err := s.repo.DeleteExpiredVerificationTokens(ctx); err != nil {
		slog.Warn("expired token sweep failed", "error", err)
	} else if n > 0 {
		slog.Debug("swept expired verification tokens", "count", n)
	}

	token, err := generateToken()
	if err != nil {
		return nil, err
	}
	if err := s.repo.DeleteVerificationTokensFor(ctx, profileID, def.ID, uniqueID); err != nil {
		return nil, fmt.Errorf("failed to supersede pending token: %w", err)
	}
	stored, err := s.repo.CreateVerificationToken(ctx, repository.CreateVerificationTokenInput{
		TokenHash: hashToken(token),
		ProfileID: profileID,
		ServerID:  def.ID,
		UniqueID:  uniqueID,
		ExpiresAt: s.now().Add(s.tokenTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store verification token: %w", err)
	}

	sess, err := s.openSession(ctx, def)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = sess.Close()
	}()

	client, err := findLiveClient(ctx, sess, uniqueID)
	if err != nil {
		return nil, err
	}

	msg := fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", token, int(s.tokenTTL.Minutes()))
	if err := sess.SendPrivateMessage(ctx, client.ID, msg); err != nil {
		return nil, fmt.Errorf("failed to deliver verification message: %w", err)
	}
	slog.Info("verification token delivered",
		"server_id", def.ID, "profile_id", profileID, "client_id", client.ID)

	return &RequestResult{
		ServerID:       def.ID,
		ClientID:       client.ID,
		UniqueID:       uniqueID,
		TokenExpiresAt: stored.ExpiresAt,
	}, nil
}

// Confirm redeems a token. The row is deleted on success and on expiry
// detection, so a token never confirms twice. Group provisioning after
// linking is best effort; a failure is reported, not raised.
func (s *Service) Confirm(ctx context.Context, profileID, uniqueID, token, serverID string) (*ConfirmResult, error) {
	if !ValidUniqueID(uniqueID) {
		return nil, fmt.Errorf("%w: malformed unique id", ErrBadInput)
	}
	if !validTokenFormat(token) {
		return nil, ErrInvalidToken
	}
	def, ok := s.cfg.ServerByID(serverID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown server %q", ErrBadInput, serverID)
	}

	stored, err := s.repo.GetVerificationToken(ctx, profileID, def.ID, uniqueID)
	if err != nil {
		return nil, fmt.Errorf("failed to load verification token: %w", err)
	}
	if stored == nil {
		return nil, ErrInvalidToken
	}
	if s.now().After(stored.ExpiresAt) {
		if err := s.repo.DeleteVerificationToken(ctx, stored.ID); err != nil {
			slog.Warn("failed to delete expired token", "token_id", stored.ID, "error", err)
		}
		return nil, ErrInvalidToken
	}
	if hashToken(token) != stored.TokenHash {
		attempts, err := s.repo.IncrementVerificationTokenAttempts(ctx, stored.ID)
		if err != nil {
			slog.Warn("failed to count token attempt", "token_id", stored.ID, "error", err)
		} else if attempts >= s.maxAttempts {
			if err := s.repo.DeleteVerificationToken(ctx, stored.ID); err != nil {
				slog.Warn("failed to delete exhausted token", "token_id", stored.ID, "error", err)
			}
		}
		return nil, ErrInvalidToken
	}

	if err := s.repo.DeleteVerificationToken(ctx, stored.ID); err != nil {
		return nil, fmt.Errorf("failed to consume verification token: %w", err)
	}
	if err := s.repo.UpsertIdentityLink(ctx, repository.UpsertIdentityLinkInput{
		ProfileID: profileID,
		ServerID:  def.ID,
		UniqueID:  uniqueID,
		LinkedAt:  s.now(),
	}); err != nil {
		return nil, fmt.Errorf("failed to store identity link: %w", err)
	}
	slog.Info("identity linked", "server_id", def.ID, "profile_id", profileID)

	profile, err := s.repo.GetProfile(ctx, profileID)
	if err != nil || profile == nil {
		return nil, fmt.Errorf("failed to reload profile: %w", err)
	}

	result := &ConfirmResult{ServerID: def.ID, UniqueID: uniqueID, Identities: profile.Identities}
	result.GroupsAssigned, result.AssignmentSkippedReason = s.assignAfterLink(ctx, def, profile, uniqueID)
	return result, nil
}

// Unlink removes matching identity links. Empty uniqueID removes every
// link of the caller; empty serverID matches all servers.
func (s *Service) Unlink(ctx context.Context, profileID, uniqueID, serverID string) (int, error) {
	if uniqueID != "" && !ValidUniqueID(uniqueID) {
		return 0, fmt.Errorf("%w: malformed unique id", ErrBadInput)
	}
	if serverID != "" {
		if _, ok := s.cfg.ServerByID(serverID); !ok {
			return 0, fmt.Errorf("%w: unknown server %q", ErrBadInput, serverID)
		}
	}
	removed, err := s.repo.RemoveIdentityLinks(ctx, repository.RemoveIdentityLinksInput{
		ProfileID: profileID,
		ServerID:  serverID,
		UniqueID:  uniqueID,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to remove identity links: %w", err)
	}
	slog.Info("identity links removed", "profile_id", profileID, "count", removed)
	return removed, nil
}

// assignAfterLink provisions server groups right after a confirmed
// link when the client is still online.
func (s *Service) assignAfterLink(ctx context.Context, def config.ServerDefinition, profile *repository.Profile, uniqueID string) ([]int, string) {
	if len(syncer.TargetGroups(def, profile, profile.Role)) == 0 {
		return nil, "no groups configured"
	}
	sess, err := s.openSession(ctx, def)
	if err != nil {
		slog.Warn("post-link provisioning skipped", "server_id", def.ID, "error", err)
		return nil, "voice server unavailable"
	}
	defer func() {
		_ = sess.Close()
	}()
	client, err := findLiveClient(ctx, sess, uniqueID)
	if err != nil {
		return nil, "client not online"
	}
	return syncer.AssignGroups(ctx, sess, def, *client, profile, profile.Role), ""
}

func (s *Service) openSession(ctx context.Context, def config.ServerDefinition) (query.Session, error) {
	creds, ok := s.cfg.Credentials[def.ID]
	if !ok {
		return nil, fmt.Errorf("no credentials configured for server %q", def.ID)
	}
	return s.dialer.Open(ctx, def, creds)
}

func findLiveClient(ctx context.Context, sess query.Session, uniqueID string) (*query.Client, error) {
	clients, err := sess.ClientList(ctx)
	if err != nil {
		return nil, fmt.Errorf("clientlist: %w", err)
	}
	for i := range clients {
		if clients[i].UniqueID == uniqueID && !clients[i].IsQueryClient() {
			return &clients[i], nil
		}
	}
	return nil, ErrClientNotOnline
}
