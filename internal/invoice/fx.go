package invoice

import (
	"github.com/smallbiznis/tenantbilling/internal/invoice/repository"
	"github.com/smallbiznis/tenantbilling/internal/invoice/service"
	"github.com/smallbiznis/tenantbilling/internal/tax"
	"go.uber.org/fx"
)

var Module = fx.Module("invoice.service",
	tax.Module,
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
