package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterbill/internal/alert"
	"github.com/smallbiznis/meterbill/internal/analytics"
	"github.com/smallbiznis/meterbill/internal/billingcycle"
	"github.com/smallbiznis/meterbill/internal/clock"
	"github.com/smallbiznis/meterbill/internal/config"
	"github.com/smallbiznis/meterbill/internal/discount"
	"github.com/smallbiznis/meterbill/internal/invoice"
	"github.com/smallbiznis/meterbill/internal/lock"
	"github.com/smallbiznis/meterbill/internal/migration"
	"github.com/smallbiznis/meterbill/internal/observability"
	"github.com/smallbiznis/meterbill/internal/payment"
	"github.com/smallbiznis/meterbill/internal/plan"
	"github.com/smallbiznis/meterbill/internal/ratelimit"
	"github.com/smallbiznis/meterbill/internal/rating"
	"github.com/smallbiznis/meterbill/internal/scheduler"
	"github.com/smallbiznis/meterbill/internal/server"
	"github.com/smallbiznis/meterbill/internal/subscription"
	"github.com/smallbiznis/meterbill/internal/tax"
	"github.com/smallbiznis/meterbill/internal/usage"
	"github.com/smallbiznis/meterbill/pkg/db"
	"go.uber.org/fx"
)

// meterbill runs the API and the scheduler in one process.
func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		lock.Module,

		// Functional Domains
		plan.Module,
		subscription.Module,
		billingcycle.Module,
		usage.Module,
		rating.Module,
		tax.Module,
		discount.Module,
		invoice.Module,
		payment.Module,
		alert.Module,
		analytics.Module,

		ratelimit.Module,
		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
