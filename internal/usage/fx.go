package usage

import (
	"github.com/postloom/postloom/internal/usage/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("usage",
	fx.Provide(repository.Provide),
)
