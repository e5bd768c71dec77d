package payment

import (
	"github.com/postloom/postloom/internal/payment/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("payment",
	fx.Provide(repository.Provide),
)
