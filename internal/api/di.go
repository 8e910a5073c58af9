package api

import (
	"github.com/samber/do/v2"

	"github.com/emberhollow/voicesync/internal/config"
	"github.com/emberhollow/voicesync/internal/repository"
	"github.com/emberhollow/voicesync/internal/snapshot"
	"github.com/emberhollow/voicesync/internal/syncer"
	"github.com/emberhollow/voicesync/internal/verification"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Server, error) {
		cfg := do.MustInvoke[*config.Config](i)
		engine := do.MustInvoke[*syncer.Engine](i)
		verifier := do.MustInvoke[*verification.Service](i)
		repo := do.MustInvoke[repository.Repository](i)
		store := do.MustInvoke[snapshot.Store](i)
		return NewServer(cfg, engine, verifier, repo, store.Path()), nil
	})
}
