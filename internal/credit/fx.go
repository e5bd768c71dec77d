package credit

import (
	"github.com/postloom/postloom/internal/credit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("credit",
	fx.Provide(service.NewService),
)
