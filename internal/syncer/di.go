package syncer

import (
	"github.com/samber/do/v2"

	"github.com/emberhollow/voicesync/internal/config"
	"github.com/emberhollow/voicesync/internal/query"
	"github.com/emberhollow/voicesync/internal/repository"
	"github.com/emberhollow/voicesync/internal/snapshot"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Engine, error) {
		cfg := do.MustInvoke[*config.Config](i)
		repo := do.MustInvoke[repository.Repository](i)
		dialer := do.MustInvoke[query.Dialer](i)
		store := do.MustInvoke[snapshot.Store](i)
		return NewEngine(cfg, repo, dialer, store), nil
	})
}
