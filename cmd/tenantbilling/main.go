package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenantbilling/internal/clock"
	"github.com/smallbiznis/tenantbilling/internal/config"
	"github.com/smallbiznis/tenantbilling/internal/entitlement"
	"github.com/smallbiznis/tenantbilling/internal/invoice"
	"github.com/smallbiznis/tenantbilling/internal/lock"
	"github.com/smallbiznis/tenantbilling/internal/migration"
	"github.com/smallbiznis/tenantbilling/internal/notify"
	"github.com/smallbiznis/tenantbilling/internal/observability"
	"github.com/smallbiznis/tenantbilling/internal/payment"
	"github.com/smallbiznis/tenantbilling/internal/plan"
	"github.com/smallbiznis/tenantbilling/internal/scheduler"
	"github.com/smallbiznis/tenantbilling/internal/server"
	"github.com/smallbiznis/tenantbilling/internal/subscription"
	"github.com/smallbiznis/tenantbilling/internal/usage"
	"github.com/smallbiznis/tenantbilling/pkg/db"
	"github.com/smallbiznis/tenantbilling/pkg/redisclient"
	"go.uber.org/fx"
)

// Single-process deployment: HTTP API and renewal scheduler together.
func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		redisclient.Module,
		clock.Module,
		lock.Module,
		notify.Module,

		// Functional Domains
		plan.Module,
		invoice.Module,
		subscription.Module,
		payment.Module,
		usage.Module,
		entitlement.Module,
		migration.Module,

		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
