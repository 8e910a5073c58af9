package verification

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/emberhollow/voicesync/internal/config"
	"github.com/emberhollow/voicesync/internal/query"
	"github.com/emberhollow/voicesync/internal/repository"
)

const testUID = "AAAAAAAAAAAAAAAAAAAAAAAAAAA="

var tokenInMessage = regexp.MustCompile(`[A-Z2-9]{8}`)

// fakeRepo is an in-memory Repository good enough for the token state
// machine: tokens keyed by (profile, server, uniqueID), links stored on
// the profile.
type fakeRepo struct {
	profiles map[string]*repository.Profile
	tokens   map[string]*repository.VerificationToken
	nextID   int
	now      func() time.Time
}

func newFakeRepo(now func() time.Time, profiles ...*repository.Profile) *fakeRepo {
	r := &fakeRepo{
		profiles: make(map[string]*repository.Profile),
		tokens:   make(map[string]*repository.VerificationToken),
		now:      now,
	}
	for _, p := range profiles {
		r.profiles[p.ID] = p
	}
	return r
}

func tupleKey(profileID, serverID, uniqueID string) string {
	return profileID + "|" + serverID + "|" + uniqueID
}

func (r *fakeRepo) ListLinkedProfiles(context.Context) ([]repository.Profile, error) {
	return nil, nil
}

func (r *fakeRepo) GetProfile(_ context.Context, id string) (*repository.Profile, error) {
	return r.profiles[id], nil
}

func (r *fakeRepo) FindProfileByIdentity(_ context.Context, serverID, uniqueID string) (*repository.Profile, error) {
	for _, p := range r.profiles {
		for _, link := range p.Identities {
			if link.ServerID == serverID && link.UniqueID == uniqueID {
				return p, nil
			}
		}
	}
	return nil, nil
}

func (r *fakeRepo) GetProfileBySessionToken(context.Context, string) (*repository.Profile, error) {
	return nil, nil
}

func (r *fakeRepo) UpsertIdentityLink(_ context.Context, input repository.UpsertIdentityLinkInput) error {
	p, ok := r.profiles[input.ProfileID]
	if !ok {
		return errors.New("no such profile")
	}
	for i, link := range p.Identities {
		if link.ServerID == input.ServerID {
			p.Identities[i] = repository.IdentityLink{ServerID: input.ServerID, UniqueID: input.UniqueID, LinkedAt: input.LinkedAt}
			return nil
		}
	}
	p.Identities = append(p.Identities, repository.IdentityLink{ServerID: input.ServerID, UniqueID: input.UniqueID, LinkedAt: input.LinkedAt})
	return nil
}

func (r *fakeRepo) RemoveIdentityLinks(_ context.Context, input repository.RemoveIdentityLinksInput) (int, error) {
	p, ok := r.profiles[input.ProfileID]
	if !ok {
		return 0, nil
	}
	kept := p.Identities[:0]
	removed := 0
	for _, link := range p.Identities {
		match := (input.UniqueID == "" || link.UniqueID == input.UniqueID) &&
			(input.ServerID == "" || link.ServerID == input.ServerID)
		if match {
			removed++
			continue
		}
		kept = append(kept, link)
	}
	p.Identities = kept
	return removed, nil
}

func (r *fakeRepo) UpsertPresence(context.Context, repository.UpsertPresenceInput) error {
	return nil
}

func (r *fakeRepo) CreateVerificationToken(_ context.Context, input repository.CreateVerificationTokenInput) (*repository.VerificationToken, error) {
	r.nextID++
	tok := &repository.VerificationToken{
		ID:        fmt.Sprintf("tok-%d", r.nextID),
		TokenHash: input.TokenHash,
		ProfileID: input.ProfileID,
		ServerID:  input.ServerID,
		UniqueID:  input.UniqueID,
		ExpiresAt: input.ExpiresAt,
		CreatedAt: r.now(),
	}
	r.tokens[tupleKey(input.ProfileID, input.ServerID, input.UniqueID)] = tok
	return tok, nil
}

func (r *fakeRepo) GetVerificationToken(_ context.Context, profileID, serverID, uniqueID string) (*repository.VerificationToken, error) {
	return r.tokens[tupleKey(profileID, serverID, uniqueID)], nil
}

func (r *fakeRepo) IncrementVerificationTokenAttempts(_ context.Context, tokenID string) (int, error) {
	for _, tok := range r.tokens {
		if tok.ID == tokenID {
			tok.Attempts++
			return tok.Attempts, nil
		}
	}
	return 0, errors.New("no such token")
}

func (r *fakeRepo) DeleteVerificationToken(_ context.Context, tokenID string) error {
	for key, tok := range r.tokens {
		if tok.ID == tokenID {
			delete(r.tokens, key)
			return nil
		}
	}
	return nil
}

func (r *fakeRepo) DeleteVerificationTokensFor(_ context.Context, profileID, serverID, uniqueID string) error {
	delete(r.tokens, tupleKey(profileID, serverID, uniqueID))
	return nil
}

func (r *fakeRepo) DeleteExpiredVerificationTokens(context.Context) (int, error) {
	n := 0
	for key, tok := range r.tokens {
		if r.now().After(tok.ExpiresAt) {
			delete(r.tokens, key)
			n++
		}
	}
	return n, nil
}

type stubSession struct {
	clients []query.Client
	sent    []string
	sendErr error
	closed  int
}

func (s *stubSession) ServerInfo(context.Context) (*query.ServerInfo, error) { return nil, nil }
func (s *stubSession) ChannelList(context.Context) ([]query.Channel, error)  { return nil, nil }
func (s *stubSession) ClientList(context.Context) ([]query.Client, error)    { return s.clients, nil }
func (s *stubSession) ClientDBIDFromUID(_ context.Context, uid string) (int, error) {
	return 7, nil
}
func (s *stubSession) ServerGroupAddClient(context.Context, int, int) error { return nil }
func (s *stubSession) SendPrivateMessage(_ context.Context, _ int, msg string) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, msg)
	return nil
}
func (s *stubSession) Dump() map[string]string { return nil }
func (s *stubSession) Close() error            { s.closed++; return nil }

type stubDialer struct {
	session *stubSession
	openErr error
}

func (d *stubDialer) Open(context.Context, config.ServerDefinition, config.Credentials) (query.Session, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	return d.session, nil
}

func verificationConfig() *config.Config {
	return &config.Config{
		Servers: []config.ServerDefinition{
			{ID: "main", QueryHost: "h", QueryPort: 10011, VoicePort: 9987,
				Groups: config.GroupIDs{Registered: 14}},
		},
		Credentials: map[string]config.Credentials{
			"main": {Username: "serveradmin", Password: "pw"},
		},
	}
}

func newTestService(repo *fakeRepo, dialer *stubDialer, now func() time.Time) *Service {
	svc := NewService(verificationConfig(), repo, dialer)
	svc.now = now
	return svc
}

func deliveredToken(t *testing.T, sess *stubSession) string {
	t.Helper()
	if len(sess.sent) == 0 {
		t.Fatal("no message delivered")
	}
	tok := tokenInMessage.FindString(sess.sent[len(sess.sent)-1])
	if tok == "" {
		t.Fatalf("no token found in message %q", sess.sent[len(sess.sent)-1])
	}
	return tok
}

func TestRequestConfirm_SingleUse(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return base }
	repo := newFakeRepo(now, &repository.Profile{ID: "p1", Role: repository.RoleUser})
	sess := &stubSession{clients: []query.Client{{ID: 3, UniqueID: testUID}}}
	svc := newTestService(repo, &stubDialer{session: sess}, now)

	req, err := svc.Request(context.Background(), "p1", testUID, "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if req.ServerID != "main" || req.ClientID != 3 {
		t.Fatalf("unexpected request result: %+v", req)
	}
	if !req.TokenExpiresAt.Equal(base.Add(10 * time.Minute)) {
		t.Fatalf("unexpected expiry: %v", req.TokenExpiresAt)
	}
	token := deliveredToken(t, sess)

	res, err := svc.Confirm(context.Background(), "p1", testUID, token, "main")
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if len(res.Identities) != 1 || res.Identities[0].UniqueID != testUID {
		t.Fatalf("unexpected identities: %+v", res.Identities)
	}
	if len(res.GroupsAssigned) != 1 || res.GroupsAssigned[0] != 14 {
		t.Fatalf("expected registered group assigned, got %+v", res)
	}

	if _, err := svc.Confirm(context.Background(), "p1", testUID, token, "main"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("second confirmation must fail with ErrInvalidToken, got %v", err)
	}
}

func TestRequest_SupersedesPriorToken(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return base }
	repo := newFakeRepo(now, &repository.Profile{ID: "p1"})
	sess := &stubSession{clients: []query.Client{{ID: 3, UniqueID: testUID}}}
	svc := newTestService(repo, &stubDialer{session: sess}, now)

	if _, err := svc.Request(context.Background(), "p1", testUID, ""); err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	first := deliveredToken(t, sess)
	if _, err := svc.Request(context.Background(), "p1", testUID, ""); err != nil {
		t.Fatalf("second request failed: %v", err)
	}
	second := deliveredToken(t, sess)

	if _, err := svc.Confirm(context.Background(), "p1", testUID, first, ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("superseded token must be invalid, got %v", err)
	}
	if _, err := svc.Confirm(context.Background(), "p1", testUID, second, ""); err != nil {
		t.Fatalf("newest token must confirm: %v", err)
	}
}

func TestConfirm_ExpiredTokenDeleted(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	current := base
	now := func() time.Time { return current }
	repo := newFakeRepo(now, &repository.Profile{ID: "p1"})
	sess := &stubSession{clients: []query.Client{{ID: 3, UniqueID: testUID}}}
	svc := newTestService(repo, &stubDialer{session: sess}, now)

	if _, err := svc.Request(context.Background(), "p1", testUID, ""); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	token := deliveredToken(t, sess)

	current = base.Add(11 * time.Minute)
	if _, err := svc.Confirm(context.Background(), "p1", testUID, token, ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token must be invalid, got %v", err)
	}
	if len(repo.tokens) != 0 {
		t.Fatal("expired token row must be deleted on redemption")
	}
}

func TestConfirm_AttemptsExhaustToken(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return base }
	repo := newFakeRepo(now, &repository.Profile{ID: "p1"})
	sess := &stubSession{clients: []query.Client{{ID: 3, UniqueID: testUID}}}
	svc := newTestService(repo, &stubDialer{session: sess}, now)

	if _, err := svc.Request(context.Background(), "p1", testUID, ""); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	token := deliveredToken(t, sess)

	for i := 0; i < svc.maxAttempts; i++ {
		wrong := "ZZZZZZZ2"
		if wrong == token {
			wrong = "ZZZZZZZ3"
		}
		if _, err := svc.Confirm(context.Background(), "p1", testUID, wrong, ""); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("wrong guess %d: got %v", i, err)
		}
	}
	if _, err := svc.Confirm(context.Background(), "p1", testUID, token, ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("token must be exhausted after %d attempts, got %v", svc.maxAttempts, err)
	}
}

func TestRequest_ClientNotOnlineKeepsTokenRow(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return base }
	repo := newFakeRepo(now, &repository.Profile{ID: "p1"})
	sess := &stubSession{} // empty clientlist
	svc := newTestService(repo, &stubDialer{session: sess}, now)

	if _, err := svc.Request(context.Background(), "p1", testUID, ""); !errors.Is(err, ErrClientNotOnline) {
		t.Fatalf("expected ErrClientNotOnline, got %v", err)
	}
	if len(repo.tokens) != 1 {
		t.Fatal("token row must persist after failed delivery")
	}
	if sess.closed == 0 {
		t.Fatal("session must be closed after failed delivery")
	}
}

func TestRequest_RejectsBannedAndLinked(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return base }
	banned := &repository.Profile{ID: "p1", Banned: true}
	owner := &repository.Profile{ID: "p2", Identities: []repository.IdentityLink{{ServerID: "main", UniqueID: testUID}}}
	repo := newFakeRepo(now, banned, owner, &repository.Profile{ID: "p3"})
	svc := newTestService(repo, &stubDialer{session: &stubSession{}}, now)

	if _, err := svc.Request(context.Background(), "p1", testUID, ""); !errors.Is(err, ErrBanned) {
		t.Fatalf("expected ErrBanned, got %v", err)
	}
	if _, err := svc.Request(context.Background(), "p3", testUID, ""); !errors.Is(err, ErrLinkedToOther) {
		t.Fatalf("expected ErrLinkedToOther, got %v", err)
	}
	if _, err := svc.Request(context.Background(), "p2", testUID, ""); !errors.Is(err, ErrAlreadyLinked) {
		t.Fatalf("expected ErrAlreadyLinked, got %v", err)
	}
}

func TestRequest_BadInput(t *testing.T) {
	now := time.Now
	svc := newTestService(newFakeRepo(now, &repository.Profile{ID: "p1"}), &stubDialer{}, now)
	if _, err := svc.Request(context.Background(), "p1", "not a uid!", ""); !errors.Is(err, ErrBadInput) {
		t.Fatalf("expected ErrBadInput, got %v", err)
	}
	if _, err := svc.Request(context.Background(), "p1", testUID, "no-such-server"); !errors.Is(err, ErrBadInput) {
		t.Fatalf("expected ErrBadInput for unknown server, got %v", err)
	}
}

func TestUnlink(t *testing.T) {
	now := time.Now
	p := &repository.Profile{ID: "p1", Identities: []repository.IdentityLink{
		{ServerID: "main", UniqueID: testUID},
	}}
	repo := newFakeRepo(now, p)
	svc := newTestService(repo, &stubDialer{}, now)

	removed, err := svc.Unlink(context.Background(), "p1", "", "")
	if err != nil || removed != 1 {
		t.Fatalf("expected one link removed, got %d err=%v", removed, err)
	}
	if len(p.Identities) != 0 {
		t.Fatalf("links remain: %+v", p.Identities)
	}
}

func TestTokenHelpers(t *testing.T) {
	tok, err := generateToken()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if len(tok) != tokenLength {
		t.Fatalf("unexpected length: %q", tok)
	}
	if strings.ContainsAny(tok, "01IOl") {
		t.Fatalf("token contains confusable characters: %q", tok)
	}
	if !validTokenFormat(tok) {
		t.Fatalf("generated token fails its own format check: %q", tok)
	}
	if hashToken(tok) != hashToken(strings.ToLower(tok)+" ") {
		t.Fatal("hash must normalize case and whitespace")
	}
	if validTokenFormat("ABC") || validTokenFormat("ABCDEFG0") {
		t.Fatal("format check too lenient")
	}
}
