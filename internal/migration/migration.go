// Package migration brings the schema up to date on startup. Postgres runs the versioned SQL
// in sql/; other dialects are migrated from the gorm models.
package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	alertdomain "github.com/smallbiznis/meterbill/internal/alert/domain"
	billingcycledomain "github.com/smallbiznis/meterbill/internal/billingcycle/domain"
	discountdomain "github.com/smallbiznis/meterbill/internal/discount/domain"
	invoicedomain "github.com/smallbiznis/meterbill/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/meterbill/internal/payment/domain"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/meterbill/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/meterbill/internal/usage/domain"
	"gorm.io/gorm"
)

const migrationsDir = "sql"

//go:embed sql/*.sql
var embeddedMigrations embed.FS

// Models lists every persisted type, in dependency order.
func Models() []any {
	return []any{
		&plandomain.PlanVersion{},
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.SubscriptionChange{},
		&billingcycledomain.BillingCycle{},
		&usagedomain.UsageRecord{},
		&usagedomain.UsageCounter{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceLine{},
		&discountdomain.DiscountCode{},
		&discountdomain.DiscountRedemption{},
		&paymentdomain.PaymentMethod{},
		&paymentdomain.PaymentAttempt{},
		&paymentdomain.EventRecord{},
		&alertdomain.BillingAlert{},
		&alertdomain.AlertPreference{},
	}
}

// Migrate applies the schema for conn's dialect.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return errors.New("migration database handle is required")
	}
	if conn.Dialector.Name() != "postgres" {
		if err := conn.AutoMigrate(Models()...); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return RunMigrations(sqlDB)
}

// RunMigrations applies the embedded SQL migrations to a postgres database.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	src, err := Source()
	if err != nil {
		return err
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

// Source exposes the embedded migrations as a golang-migrate source.
func Source() (source.Driver, error) {
	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	driver, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("create migration source: %w", err)
	}
	return driver, nil
}
