package migration

import (
	"context"

	"github.com/smallbiznis/tenantbilling/internal/config"
	plandomain "github.com/smallbiznis/tenantbilling/internal/plan/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, plans plandomain.Service, log *zap.Logger) error {
		if cfg.DBMigrateOnStart {
			switch cfg.DBType {
			case "postgres":
				sqlDB, err := conn.DB()
				if err != nil {
					return err
				}
				if err := RunMigrations(sqlDB); err != nil {
					return err
				}
			case "sqlite":
				if err := ApplySchema(conn); err != nil {
					return err
				}
			default:
				log.Warn("automatic migrations unsupported for database type, schema must be provisioned", zap.String("type", cfg.DBType))
			}
		}

		if cfg.PlanCatalogPath == "" {
			return nil
		}
		seeded, err := plans.SeedFromFile(context.Background(), cfg.PlanCatalogPath)
		if err != nil {
			return err
		}
		log.Info("plan catalog seeded", zap.Int("plans", seeded), zap.String("path", cfg.PlanCatalogPath))
		return nil
	}),
)
