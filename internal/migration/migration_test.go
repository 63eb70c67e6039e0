package migration

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestApplySchemaCreatesTablesIdempotently(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, ApplySchema(db))
	require.NoError(t, ApplySchema(db))

	for _, table := range []string{"plans", "subscriptions", "invoices", "invoice_line_items", "payment_events"} {
		assert.True(t, db.Migrator().HasTable(table), table)
	}
}

func TestLiveSubscriptionIndexAllowsTerminalHistory(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, ApplySchema(db))

	require.NoError(t, db.Exec(`INSERT INTO plans (id, name, monthly_price, yearly_price, currency, tier_rank, created_at, updated_at)
		VALUES ('basic', 'Basic', 1000, 10000, 'USD', 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`).Error)

	insert := `INSERT INTO subscriptions (id, tenant_id, plan_id, status, billing_interval, current_period_start,
		current_period_end, amount, currency, version, created_at, updated_at)
		VALUES (?, 't1', 'basic', ?, 'monthly', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, 1000, 'USD', 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`

	require.NoError(t, db.Exec(insert, "s1", "canceled").Error)
	require.NoError(t, db.Exec(insert, "s2", "incomplete_expired").Error)
	require.NoError(t, db.Exec(insert, "s3", "active").Error)
	assert.Error(t, db.Exec(insert, "s4", "past_due").Error)
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("CREATE TABLE a (id INT);\n\n  ;CREATE INDEX b ON a (id);\n")
	assert.Equal(t, []string{"CREATE TABLE a (id INT)", "CREATE INDEX b ON a (id)"}, stmts)
}
