package syncer

import (
	"context"
	"log/slog"
	"sort"

	"github.com/emberhollow/voicesync/internal/config"
	"github.com/emberhollow/voicesync/internal/query"
	"github.com/emberhollow/voicesync/internal/repository"
)

// TargetGroups computes the protocol-side server groups a profile
// should hold on the given server. Deterministic: identical inputs
// yield an identical sorted set. Admin and moderator are mutually
// exclusive tiers; the registered group is for non-staff only.
func TargetGroups(def config.ServerDefinition, profile *repository.Profile, role repository.Role) []int {
	groups := def.Groups
	target := make(map[int]struct{})

	staff := role == repository.RoleAdmin || role == repository.RoleModerator
	if groups.Registered != 0 && !staff {
		target[groups.Registered] = struct{}{}
	}
	switch role {
	case repository.RoleAdmin:
		if groups.Admin != 0 {
			target[groups.Admin] = struct{}{}
		}
	case repository.RoleModerator:
		if groups.Moderator != 0 {
			target[groups.Moderator] = struct{}{}
		}
	}
	if groups.Supporter != 0 && (profile.Supporter || profile.LifetimeSupporter) {
		target[groups.Supporter] = struct{}{}
	}
	if groups.LifetimeSupporter != 0 && profile.LifetimeSupporter {
		target[groups.LifetimeSupporter] = struct{}{}
	}

	out := make([]int, 0, len(target))
	for id := range target {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// AssignGroups makes the client's live group membership cover the
// target set. An already-a-member fault counts as success, so repeated
// runs are idempotent. Other faults are logged and skipped per group;
// they never abort the remaining groups. Returns the groups that are
// now known to be held.
func AssignGroups(ctx context.Context, sess query.Session, def config.ServerDefinition, cl query.Client, profile *repository.Profile, role repository.Role) []int {
	targets := TargetGroups(def, profile, role)
	if len(targets) == 0 {
		return nil
	}

	dbid := cl.DatabaseID
	if dbid == 0 {
		var err error
		dbid, err = sess.ClientDBIDFromUID(ctx, cl.UniqueID)
		if err != nil {
			slog.Error("failed to resolve client database id",
				"server_id", def.ID, "profile_id", profile.ID, "error", err)
			return nil
		}
	}

	held := make([]int, 0, len(targets))
	for _, groupID := range targets {
		err := sess.ServerGroupAddClient(ctx, groupID, dbid)
		if err != nil && !query.IsAlreadyMember(err) {
			slog.Warn("group assignment failed",
				"server_id", def.ID, "profile_id", profile.ID, "group_id", groupID, "error", err)
			continue
		}
		held = append(held, groupID)
	}
	return held
}
