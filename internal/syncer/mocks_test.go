package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/emberhollow/voicesync/internal/config"
	"github.com/emberhollow/voicesync/internal/query"
	"github.com/emberhollow/voicesync/internal/repository"
	"github.com/emberhollow/voicesync/internal/snapshot"
)

type addCall struct {
	groupID int
	dbid    int
}

type mockSession struct {
	info      *query.ServerInfo
	channels  []query.Channel
	clients   []query.Client
	dbidByUID map[string]int

	// memberships held per dbid, used to emit the duplicate-entry fault
	// on re-assignment like a real server does.
	memberships map[int]map[int]bool
	addCalls    []addCall
	addErr      map[int]error
	closed      int
}

func (m *mockSession) ServerInfo(context.Context) (*query.ServerInfo, error) {
	if m.info == nil {
		return &query.ServerInfo{Name: "mock"}, nil
	}
	return m.info, nil
}

func (m *mockSession) ChannelList(context.Context) ([]query.Channel, error) {
	return m.channels, nil
}

func (m *mockSession) ClientList(context.Context) ([]query.Client, error) {
	return m.clients, nil
}

func (m *mockSession) ClientDBIDFromUID(_ context.Context, uid string) (int, error) {
	dbid, ok := m.dbidByUID[uid]
	if !ok {
		return 0, &query.QueryError{ID: 512, Msg: "invalid clientID"}
	}
	return dbid, nil
}

func (m *mockSession) ServerGroupAddClient(_ context.Context, groupID, dbid int) error {
	m.addCalls = append(m.addCalls, addCall{groupID: groupID, dbid: dbid})
	if err, ok := m.addErr[groupID]; ok {
		return err
	}
	if m.memberships == nil {
		m.memberships = make(map[int]map[int]bool)
	}
	if m.memberships[dbid] == nil {
		m.memberships[dbid] = make(map[int]bool)
	}
	if m.memberships[dbid][groupID] {
		return &query.QueryError{ID: 2561, Msg: "duplicate entry"}
	}
	m.memberships[dbid][groupID] = true
	return nil
}

func (m *mockSession) SendPrivateMessage(context.Context, int, string) error { return nil }
func (m *mockSession) Dump() map[string]string                               { return nil }
func (m *mockSession) Close() error {
	m.closed++
	return nil
}

type mockDialer struct {
	sessions map[string]*mockSession
	openErr  map[string]error
	opens    int
}

func (d *mockDialer) Open(_ context.Context, def config.ServerDefinition, _ config.Credentials) (query.Session, error) {
	d.opens++
	if err, ok := d.openErr[def.ID]; ok {
		return nil, err
	}
	sess, ok := d.sessions[def.ID]
	if !ok {
		return nil, fmt.Errorf("%w: no mock session for %s", query.ErrConnection, def.ID)
	}
	return sess, nil
}

type mockRepository struct {
	profiles     []repository.Profile
	listErr      error
	presenceRows map[string]repository.UpsertPresenceInput
	upsertCalls  int
}

func presenceKey(profileID, serverID string) string { return profileID + "/" + serverID }

func (m *mockRepository) ListLinkedProfiles(context.Context) ([]repository.Profile, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.profiles, nil
}

func (m *mockRepository) GetProfile(context.Context, string) (*repository.Profile, error) {
	return nil, nil
}

func (m *mockRepository) FindProfileByIdentity(context.Context, string, string) (*repository.Profile, error) {
	return nil, nil
}

func (m *mockRepository) GetProfileBySessionToken(context.Context, string) (*repository.Profile, error) {
	return nil, nil
}

func (m *mockRepository) UpsertIdentityLink(context.Context, repository.UpsertIdentityLinkInput) error {
	return nil
}

func (m *mockRepository) RemoveIdentityLinks(context.Context, repository.RemoveIdentityLinksInput) (int, error) {
	return 0, nil
}

func (m *mockRepository) UpsertPresence(_ context.Context, input repository.UpsertPresenceInput) error {
	if m.presenceRows == nil {
		m.presenceRows = make(map[string]repository.UpsertPresenceInput)
	}
	m.upsertCalls++
	m.presenceRows[presenceKey(input.ProfileID, input.ServerID)] = input
	return nil
}

func (m *mockRepository) CreateVerificationToken(context.Context, repository.CreateVerificationTokenInput) (*repository.VerificationToken, error) {
	return nil, errors.New("not implemented")
}

func (m *mockRepository) GetVerificationToken(context.Context, string, string, string) (*repository.VerificationToken, error) {
	return nil, nil
}

func (m *mockRepository) IncrementVerificationTokenAttempts(context.Context, string) (int, error) {
	return 0, nil
}

func (m *mockRepository) DeleteVerificationToken(context.Context, string) error { return nil }

func (m *mockRepository) DeleteVerificationTokensFor(context.Context, string, string, string) error {
	return nil
}

func (m *mockRepository) DeleteExpiredVerificationTokens(context.Context) (int, error) {
	return 0, nil
}

type mockStore struct {
	saved  []*snapshot.Snapshot
	loaded *snapshot.Snapshot
}

func (m *mockStore) Save(_ context.Context, snap *snapshot.Snapshot) error {
	m.saved = append(m.saved, snap)
	m.loaded = snap
	return nil
}

func (m *mockStore) Load(context.Context) (*snapshot.Snapshot, error) {
	if m.loaded == nil {
		return nil, snapshot.ErrNotFound
	}
	return m.loaded, nil
}

func (m *mockStore) Path() string { return "mock://snapshot.json" }
