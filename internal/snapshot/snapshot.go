// Package snapshot defines the published cross-server topology artifact
// and the port to the blob store holding its cached JSON document.
package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/emberhollow/voicesync/internal/query"
	"github.com/emberhollow/voicesync/internal/topology"
)

// ErrNotFound is returned by Store.Load when no snapshot has been
// persisted yet.
var ErrNotFound = errors.New("snapshot: not found")

// Snapshot is the aggregate of one collection run. It replaces the
// stored document wholesale; it is never merged incrementally.
type Snapshot struct {
	CollectedAt time.Time      `json:"collectedAt"`
	Servers     []ServerResult `json:"servers"`
}

// ServerResult is the outcome for one configured server. A failed
// server keeps its entry with Error set and no topology, so viewers can
// tell "unreachable" from "empty".
type ServerResult struct {
	ServerID  string              `json:"serverId"`
	Title     string              `json:"title"`
	VoicePort int                 `json:"voicePort,omitempty"`
	Error     string              `json:"error,omitempty"`
	Info      *query.ServerInfo   `json:"info,omitempty"`
	Channels  []*topology.Channel `json:"channels,omitempty"`
	Clients   []topology.Client   `json:"clients,omitempty"`
	// Raw holds per-command reply text when debug capture is enabled.
	Raw map[string]string `json:"raw,omitempty"`
}

// FreshAt reports whether the snapshot is inside the freshness window
// at the given instant.
func (s *Snapshot) FreshAt(now time.Time, window time.Duration) bool {
	if s == nil {
		return false
	}
	return now.Sub(s.CollectedAt) <= window
}

// Store persists the snapshot document at a fixed path. Save replaces
// the previous document atomically.
type Store interface {
	Save(ctx context.Context, snap *Snapshot) error
	Load(ctx context.Context) (*Snapshot, error)
	// Path is the location of the persisted document, reported by the
	// scheduled sync endpoint.
	Path() string
}
