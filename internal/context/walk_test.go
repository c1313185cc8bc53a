package ctxassemble

import (
	"testing"

	pgq "github.com/pganalyze/pg_query_go/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseRefs(t *testing.T, sql string) []objectRef {
	t.Helper()

	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tree, err := pgq.Parse(sql)
	require.NoError(t, err)

	return collectReferences(tree)
}

func findRef(t *testing.T, refs []objectRef, name string) objectRef {
	t.Helper()

	for _, r := range refs {
		if r.name == name {
			return r
		}
	}

	t.Fatalf("no reference named %q among %+v", name, refs)

	return objectRef{}
}

func TestCollectReferences_ProjectionOutranksFromJoin(t *testing.T) {
	refs := parseRefs(t, `
		SELECT o.id, o.status
		FROM orders o
		JOIN customers c ON c.id = o.customer_id
	`)

	orders := findRef(t, refs, "orders")
	customers := findRef(t, refs, "customers")

	assert.Equal(t, TierProjection, orders.tier, "orders is selected, should be top tier")
	assert.Equal(t, TierFromJoin, customers.tier, "customers only joins, never projected")
}

func TestCollectReferences_SubqueryOnlyInWhereIsWhereOnlyTier(t *testing.T) {
	refs := parseRefs(t, `
		SELECT o.id
		FROM orders o
		WHERE EXISTS (SELECT 1 FROM fraud_flags f WHERE f.order_id = o.id)
	`)

	fraudFlags := findRef(t, refs, "fraud_flags")
	assert.Equal(t, TierWhereOnly, fraudFlags.tier, "fraud_flags is only reachable through the WHERE subquery")
}

func TestCollectReferences_FromJoinWithoutProjectionOrWhere(t *testing.T) {
	refs := parseRefs(t, `SELECT 1 FROM widgets w JOIN gadgets g ON g.widget_id = w.id`)

	widgets := findRef(t, refs, "widgets")
	gadgets := findRef(t, refs, "gadgets")

	assert.Equal(t, TierFromJoin, widgets.tier)
	assert.Equal(t, TierFromJoin, gadgets.tier)
}

func TestCollectReferences_AliasBumpedByQualifiedWhereReference(t *testing.T) {
	// customers only appears in FROM, but its alias is then used to qualify a
	// WHERE column — this must NOT downgrade its tier below what FROM/JOIN
	// already granted it.
	refs := parseRefs(t, `SELECT 1 FROM customers c WHERE c.region = 'west'`)

	customers := findRef(t, refs, "customers")
	assert.Equal(t, TierFromJoin, customers.tier)
}

func TestCollectReferences_SchemaQualifiedRangeVar(t *testing.T) {
	refs := parseRefs(t, `SELECT id FROM analytics.orders`)

	orders := findRef(t, refs, "orders")
	assert.Equal(t, "analytics", orders.schema)
}

func TestCollectReferences_DeduplicatesRepeatedReferences(t *testing.T) {
	refs := parseRefs(t, `
		SELECT (SELECT count(*) FROM orders WHERE orders.status = 'open') AS open_count
		FROM orders
	`)

	count := 0
	for _, r := range refs {
		if r.name == "orders" {
			count++
		}
	}

	assert.Equal(t, 1, count, "orders referenced twice should collapse to one objectRef")
}

func TestCollectReferences_CTEAndSubqueryAreWalked(t *testing.T) {
	refs := parseRefs(t, `
		WITH recent AS (
			SELECT customer_id FROM orders WHERE created_at > now() - interval '7 days'
		)
		SELECT c.id FROM customers c JOIN recent r ON r.customer_id = c.id
	`)

	names := make(map[string]bool)
	for _, r := range refs {
		names[r.name] = true
	}

	assert.True(t, names["orders"])
	assert.True(t, names["customers"])
}

func TestCollectReferences_ReturningQualifiedColumnBumpsToProjection(t *testing.T) {
	refs := parseRefs(t, `UPDATE orders o SET status = 'shipped' WHERE o.id = 1 RETURNING o.id`)

	orders := findRef(t, refs, "orders")
	assert.Equal(t, TierProjection, orders.tier, "RETURNING o.id should bump orders past its WHERE-only reference")
}
