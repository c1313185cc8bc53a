package fingerprint

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint_Determinism(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	const sql = `SELECT id, name FROM customers WHERE status = 'active' AND age > 21`

	first, err := Fingerprint(sql)
	require.NoError(t, err)

	second, err := Fingerprint(sql)
	require.NoError(t, err)

	assert.Equal(t, first.SQLHash, second.SQLHash)
	assert.Equal(t, first.NormalizedSQL, second.NormalizedSQL)
	assert.True(t, first.DialectParseOK)
}

func TestFingerprint_LiteralsDoNotAffectHash(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	a, err := Fingerprint(`SELECT * FROM orders WHERE customer_id = 42`)
	require.NoError(t, err)

	b, err := Fingerprint(`SELECT * FROM orders WHERE customer_id = 999999`)
	require.NoError(t, err)

	assert.Equal(t, a.SQLHash, b.SQLHash)
}

func TestFingerprint_InListCollapsesRegardlessOfLength(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	short, err := Fingerprint(`SELECT * FROM orders WHERE status IN ('open', 'pending')`)
	require.NoError(t, err)

	long, err := Fingerprint(`SELECT * FROM orders WHERE status IN ('open', 'pending', 'shipped', 'returned', 'cancelled')`)
	require.NoError(t, err)

	assert.Equal(t, short.SQLHash, long.SQLHash)
}

func TestFingerprint_InListWithNonLiteralIsLeftAlone(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	result, err := Fingerprint(`SELECT * FROM orders WHERE customer_id IN (SELECT id FROM customers WHERE vip = true)`)
	require.NoError(t, err)
	assert.Contains(t, result.NormalizedSQL, "SELECT")
}

func TestFingerprint_DiscriminatesDifferentShapes(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	a, err := Fingerprint(`SELECT id FROM customers WHERE status = 'active'`)
	require.NoError(t, err)

	b, err := Fingerprint(`SELECT id, name FROM customers WHERE status = 'active'`)
	require.NoError(t, err)

	c, err := Fingerprint(`SELECT id FROM customers WHERE status = 'active' AND region = 'us'`)
	require.NoError(t, err)

	assert.NotEqual(t, a.SQLHash, b.SQLHash)
	assert.NotEqual(t, a.SQLHash, c.SQLHash)
}

func TestFingerprint_NonDataFlowStatementsAreClassified(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name   string
		sql    string
		reason string
	}{
		{name: "set", sql: `SET search_path = public`, reason: "set_statement"},
		{name: "show", sql: `SHOW search_path`, reason: "show_statement"},
		{name: "vacuum", sql: `VACUUM ANALYZE customers`, reason: "vacuum_or_analyze"},
		{name: "begin", sql: `BEGIN`, reason: "transaction_control"},
		{name: "discard", sql: `DISCARD ALL`, reason: "discard_statement"},
		{name: "listen", sql: `LISTEN channel_one`, reason: "notify_listen"},
		{name: "checkpoint", sql: `CHECKPOINT`, reason: "checkpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Fingerprint(tt.sql)
			require.Error(t, err)

			var failure *ParseFailure
			require.True(t, errors.As(err, &failure))
			assert.Equal(t, tt.reason, failure.Reason)
		})
	}
}

func TestFingerprint_DataFlowStatementsSurviveClassification(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []string{
		`CREATE VIEW active_customers AS SELECT id FROM customers WHERE status = 'active'`,
		`CREATE MATERIALIZED VIEW mv_daily_totals AS SELECT sum(amount) FROM orders`,
		`CREATE TABLE staging_orders AS SELECT * FROM orders WHERE created_at > now() - interval '1 day'`,
		`WITH recent AS (SELECT id FROM orders WHERE created_at > now()) SELECT * FROM recent`,
		`INSERT INTO audit_log (event) SELECT 'seen' FROM orders WHERE id = 1`,
	}

	for _, sql := range tests {
		result, err := Fingerprint(sql)
		require.NoError(t, err, sql)
		assert.True(t, result.DialectParseOK)
		assert.NotEmpty(t, result.SQLHash)
	}
}

func TestFingerprint_RejectsUnparsableSQL(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, err := Fingerprint(`SELEKT * FRM nowhere`)
	require.Error(t, err)

	var failure *ParseFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, "parse_error", failure.Reason)
}

func TestFingerprint_RejectsMultiStatementInput(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, err := Fingerprint(`SELECT 1; SELECT 2`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMultiStatement))
}

func TestFingerprint_RejectsEmptyInput(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, err := Fingerprint(`   `)
	require.Error(t, err)

	var failure *ParseFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, "empty_statement", failure.Reason)
}
