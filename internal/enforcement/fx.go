package enforcement

import (
	"github.com/smallbiznis/grantor/internal/enforcement/service"
	"go.uber.org/fx"
)

var Module = fx.Module("enforcement.service",
	fx.Provide(service.New),
)
