package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenantbilling/internal/clock"
	"github.com/smallbiznis/tenantbilling/internal/config"
	"github.com/smallbiznis/tenantbilling/internal/invoice"
	"github.com/smallbiznis/tenantbilling/internal/lock"
	"github.com/smallbiznis/tenantbilling/internal/notify"
	"github.com/smallbiznis/tenantbilling/internal/observability"
	"github.com/smallbiznis/tenantbilling/internal/plan"
	"github.com/smallbiznis/tenantbilling/internal/scheduler"
	"github.com/smallbiznis/tenantbilling/internal/subscription"
	"github.com/smallbiznis/tenantbilling/pkg/db"
	"github.com/smallbiznis/tenantbilling/pkg/redisclient"
	"go.uber.org/fx"
)

// Schema migrations belong to the api process; run it first.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		redisclient.Module,
		clock.Module,
		lock.Module,
		notify.Module,

		plan.Module,
		invoice.Module,
		subscription.Module,

		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	// Offset the node so ids never collide with an api process sharing the config.
	return snowflake.NewNode((cfg.SnowflakeNode + 512) % 1024)
}
