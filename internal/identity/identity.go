// Package identity resolves voice-protocol identities to application
// profiles through an index built once per synchronizer run. Lookups
// are pure map reads; no I/O happens in the per-client hot loop.
package identity

import (
	"context"

	"github.com/emberhollow/voicesync/internal/repository"
)

// Index maps "serverID:uniqueID" to a profile and profile id to role.
// Read-only after construction; safe to share across per-server
// iterations of a run.
type Index struct {
	profiles map[string]*repository.Profile
	roles    map[string]repository.Role
}

func key(serverID, uniqueID string) string {
	return serverID + ":" + uniqueID
}

// NewIndex expands each profile's identity links into the lookup map.
func NewIndex(profiles []repository.Profile) *Index {
	idx := &Index{
		profiles: make(map[string]*repository.Profile),
		roles:    make(map[string]repository.Role, len(profiles)),
	}
	for i := range profiles {
		p := &profiles[i]
		idx.roles[p.ID] = p.Role
		for _, link := range p.Identities {
			idx.profiles[key(link.ServerID, link.UniqueID)] = p
		}
	}
	return idx
}

// Load builds the index from every linked profile in the repository.
func Load(ctx context.Context, repo repository.ProfileRepository) (*Index, error) {
	profiles, err := repo.ListLinkedProfiles(ctx)
	if err != nil {
		return nil, err
	}
	return NewIndex(profiles), nil
}

// Resolve returns the profile linked to the identity, or nil.
func (x *Index) Resolve(serverID, uniqueID string) *repository.Profile {
	return x.profiles[key(serverID, uniqueID)]
}

// RoleOf returns the application role for a profile id. Unknown
// profiles default to RoleUser.
func (x *Index) RoleOf(profileID string) repository.Role {
	if role, ok := x.roles[profileID]; ok && role != "" {
		return role
	}
	return repository.RoleUser
}

// Len reports the number of indexed identities.
func (x *Index) Len() int { return len(x.profiles) }
