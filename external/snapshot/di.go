package snapshot

import (
	"github.com/samber/do/v2"

	"github.com/emberhollow/voicesync/internal/config"
	"github.com/emberhollow/voicesync/internal/snapshot"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (snapshot.Store, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return NewFileStore(cfg.SnapshotPath), nil
	})
}
