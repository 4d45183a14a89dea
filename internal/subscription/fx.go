package subscription

import (
	"github.com/melodex/melodex/internal/subscription/repository"
	"github.com/melodex/melodex/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
