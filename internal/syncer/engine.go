// Package syncer runs the voice-server synchronization cycle: fetch
// live topology over the query protocol, publish presence for linked
// profiles, provision server groups, and persist the aggregate
// snapshot.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emberhollow/voicesync/internal/config"
	"github.com/emberhollow/voicesync/internal/identity"
	"github.com/emberhollow/voicesync/internal/query"
	"github.com/emberhollow/voicesync/internal/repository"
	"github.com/emberhollow/voicesync/internal/snapshot"
	"github.com/emberhollow/voicesync/internal/topology"
)

type Engine struct {
	cfg    *config.Config
	repo   repository.Repository
	dialer query.Dialer
	store  snapshot.Store
	now    func() time.Time

	// Serializes runs triggered by the scheduler and by HTTP callers.
	// Query sessions are stateful; overlapping runs gain nothing.
	mu sync.Mutex
}

func NewEngine(cfg *config.Config, repo repository.Repository, dialer query.Dialer, store snapshot.Store) *Engine {
	return &Engine{
		cfg:    cfg,
		repo:   repo,
		dialer: dialer,
		store:  store,
		now:    time.Now,
	}
}

// RunAll synchronizes every configured server sequentially and persists
// one snapshot. A failing server is logged and kept in the snapshot as
// an error entry; it never aborts the remaining servers. The run fails
// as a whole only when no servers are configured, the identity index
// cannot be loaded, or the snapshot cannot be persisted.
func (e *Engine) RunAll(ctx context.Context) (*snapshot.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.cfg.Servers) == 0 {
		return nil, config.ErrNoServers
	}

	idx, err := identity.Load(ctx, e.repo)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity index: %w", err)
	}
	slog.Info("sync run started", "servers", len(e.cfg.Servers), "linked_identities", idx.Len())

	results := make([]snapshot.ServerResult, 0, len(e.cfg.Servers))
	for _, def := range e.cfg.Servers {
		creds, ok := e.cfg.Credentials[def.ID]
		if !ok {
			slog.Error("no credentials for server", "server_id", def.ID)
			results = append(results, errorResult(def, "not configured"))
			continue
		}
		res, err := e.collectServer(ctx, def, creds, idx, true)
		if err != nil {
			slog.Error("server sync failed", "server_id", def.ID, "error", err)
			results = append(results, errorResult(def, errorLabel(err)))
			continue
		}
		results = append(results, res)
	}

	snap := &snapshot.Snapshot{CollectedAt: e.now(), Servers: results}
	if err := e.store.Save(ctx, snap); err != nil {
		return nil, fmt.Errorf("failed to persist snapshot: %w", err)
	}
	slog.Info("sync run finished", "servers", len(results), "path", e.store.Path())
	return snap, nil
}

// Refresh serves the cached snapshot when it is inside the freshness
// window, otherwise performs a full collection synchronously.
func (e *Engine) Refresh(ctx context.Context) (*snapshot.Snapshot, error) {
	snap, err := e.store.Load(ctx)
	if err == nil && snap.FreshAt(e.now(), e.cfg.SnapshotFreshness) {
		return snap, nil
	}
	if err != nil && !errors.Is(err, snapshot.ErrNotFound) {
		slog.Warn("failed to load cached snapshot, collecting fresh", "error", err)
	}
	return e.RunAll(ctx)
}

// collectServer handles one server end to end: open session, fetch
// server info, channels and clients in that order, normalize, publish
// presence and provision groups. The session is closed on every exit
// path.
func (e *Engine) collectServer(ctx context.Context, def config.ServerDefinition, creds config.Credentials, idx *identity.Index, provision bool) (snapshot.ServerResult, error) {
	sess, err := e.dialer.Open(ctx, def, creds)
	if err != nil {
		return snapshot.ServerResult{}, err
	}
	defer func() {
		_ = sess.Close()
	}()

	info, err := sess.ServerInfo(ctx)
	if err != nil {
		return snapshot.ServerResult{}, fmt.Errorf("serverinfo: %w", err)
	}
	channels, err := sess.ChannelList(ctx)
	if err != nil {
		return snapshot.ServerResult{}, fmt.Errorf("channellist: %w", err)
	}
	clients, err := sess.ClientList(ctx)
	if err != nil {
		return snapshot.ServerResult{}, fmt.Errorf("clientlist: %w", err)
	}

	roots, flat := topology.BuildTree(channels, clients)

	if provision {
		e.publishAndProvision(ctx, sess, def, clients, flat, idx)
	}

	res := snapshot.ServerResult{
		ServerID:  def.ID,
		Title:     def.Title,
		VoicePort: def.VoicePort,
		Info:      info,
		Channels:  roots,
		Clients:   flat,
	}
	if e.cfg.CaptureRawDumps {
		res.Raw = sess.Dump()
	}
	return res, nil
}

// publishAndProvision walks the online clients once, upserting presence
// and assigning groups for every resolvable, non-banned profile.
// Per-client failures are logged and never stop the loop.
func (e *Engine) publishAndProvision(ctx context.Context, sess query.Session, def config.ServerDefinition, clients []query.Client, flat []topology.Client, idx *identity.Index) {
	byUID := make(map[string]topology.Client, len(flat))
	for _, nc := range flat {
		byUID[nc.UniqueID] = nc
	}

	for _, cl := range clients {
		if cl.IsQueryClient() {
			continue
		}
		profile := idx.Resolve(def.ID, cl.UniqueID)
		if profile == nil || profile.Banned {
			continue
		}
		role := idx.RoleOf(profile.ID)
		nc := byUID[cl.UniqueID]

		if !profile.HidePresence {
			err := e.repo.UpsertPresence(ctx, repository.UpsertPresenceInput{
				ProfileID:   profile.ID,
				ServerID:    def.ID,
				ChannelID:   nc.ChannelID,
				ChannelName: nc.ChannelName,
				ChannelPath: nc.ChannelPath,
				SeenAt:      e.now(),
			})
			if err != nil {
				slog.Error("presence upsert failed",
					"server_id", def.ID, "profile_id", profile.ID, "error", err)
			}
		}

		AssignGroups(ctx, sess, def, cl, profile, role)
	}
}

func errorResult(def config.ServerDefinition, label string) snapshot.ServerResult {
	return snapshot.ServerResult{
		ServerID:  def.ID,
		Title:     def.Title,
		VoicePort: def.VoicePort,
		Error:     label,
	}
}

// errorLabel collapses session failures to a small stable vocabulary so
// raw protocol fault text never reaches the published snapshot.
func errorLabel(err error) string {
	switch {
	case errors.Is(err, query.ErrAuth):
		return "authentication failed"
	case errors.Is(err, query.ErrRouting):
		return "not configured"
	case errors.Is(err, query.ErrConnection):
		return "unreachable"
	default:
		return "sync failed"
	}
}
