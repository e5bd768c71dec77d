package signup

import "go.uber.org/fx"

var Module = fx.Module("signup",
	fx.Provide(NewGrantTrigger),
)
