package query

import (
	"github.com/samber/do/v2"

	"github.com/emberhollow/voicesync/internal/config"
	"github.com/emberhollow/voicesync/internal/query"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (query.Dialer, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return NewDialer(cfg), nil
	})
}
