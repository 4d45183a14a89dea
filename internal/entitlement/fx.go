package entitlement

import (
	"github.com/melodex/melodex/internal/entitlement/repository"
	"github.com/melodex/melodex/internal/entitlement/service"
	"go.uber.org/fx"
)

var Module = fx.Module("entitlement.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
