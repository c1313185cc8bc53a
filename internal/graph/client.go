// Package graph provides a thin Cypher-over-SQL client for the Apache AGE
// property graph that backs the metadata and lineage graphs. No Cypher
// client or AGE driver exists anywhere in the retrieval pack, so this wraps
// AGE's cypher() SQL function directly over lib/pq, the way
// sivagirish81-LitFlow's graph repository wraps its own store's query
// surface in hand-built SQL rather than a dedicated graph client library.
package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

// ErrStatement classifies a Cypher statement that AGE rejected outright
// (malformed query, label/property type mismatch) — not retryable.
var ErrStatement = errors.New("graph: statement rejected")

// ErrConflict classifies a transient transaction conflict (serialization
// failure or deadlock) on the underlying Postgres connection — retryable.
var ErrConflict = errors.New("graph: conflict")


// Querier is satisfied by *sql.DB, *sql.Tx, and storage.Connection (which
// embeds *sql.DB), so a Client can run standalone or inside a caller's
// transaction.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Client executes openCypher statements against one named AGE graph.
type Client struct {
	q     Querier
	graph string
}

// New builds a Client bound to graphName. Panics on an invalid graph name
// since that's a startup-configuration defect, not a runtime condition.
func New(q Querier, graphName string) *Client {
	if !isValidGraphName(graphName) {
		panic(fmt.Sprintf("graph: invalid graph name %q", graphName))
	}

	return &Client{q: q, graph: graphName}
}

// WithQuerier returns a copy of the Client bound to a different Querier —
// typically a *sql.Tx — so callers can run a sequence of Cypher statements
// inside one transaction while reusing the same graph-name validation and
// statement-building logic.
func (c *Client) WithQuerier(q Querier) *Client {
	return &Client{q: q, graph: c.graph}
}

// Row is one decoded result row, keyed by the RETURN clause's column aliases.
type Row map[string]any

// Query runs a Cypher statement that produces rows (MATCH ... RETURN ...).
// columns must name every RETURN projection in order; params is passed to
// AGE as a bound agtype map, never interpolated into the Cypher text.
func (c *Client) Query(ctx context.Context, cypher string, params map[string]any, columns ...string) ([]Row, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: Query requires at least one RETURN column", ErrStatement)
	}

	stmt, arg, err := c.buildStatement(cypher, params, columns)
	if err != nil {
		return nil, err
	}

	rows, err := c.q.QueryContext(ctx, stmt, arg)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	results, err := decodeRows(rows, columns)
	if err != nil {
		return nil, err
	}

	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	return results, nil
}

// Exec runs a write-only Cypher statement (CREATE/SET/MERGE with no RETURN
// the caller needs). AGE still requires an AS() column list on cypher();
// a single unread "result" column is used as a placeholder.
func (c *Client) Exec(ctx context.Context, cypher string, params map[string]any) error {
	stmt, arg, err := c.buildStatement(cypher, params, []string{"result"})
	if err != nil {
		return err
	}

	if _, err := c.q.ExecContext(ctx, stmt, arg); err != nil {
		return classify(err)
	}

	return nil
}

// buildStatement wraps cypher in a dollar-quoted SELECT * FROM cypher(...)
// call, picking a quote tag that cannot collide with the Cypher text itself,
// and marshals params into a single agtype-cast bind parameter.
func (c *Client) buildStatement(cypher string, params map[string]any, columns []string) (string, any, error) {
	tag := dollarTag(cypher)

	colDefs := make([]string, len(columns))
	for i, name := range columns {
		colDefs[i] = name + " agtype"
	}

	paramsJSON := "null"

	if len(params) > 0 {
		encoded, err := json.Marshal(params)
		if err != nil {
			return "", nil, fmt.Errorf("%w: marshal cypher params: %w", ErrStatement, err)
		}

		paramsJSON = string(encoded)
	}

	stmt := fmt.Sprintf(
		"SELECT * FROM cypher(%s, %s%s%s, $1::agtype) AS (%s)",
		quoteIdent(c.graph), tag, cypher, tag, strings.Join(colDefs, ", "),
	)

	return stmt, paramsJSON, nil
}

// dollarTag picks a dollar-quote tag that does not appear inside body,
// starting from $cypher$ and falling back to $cypher1$, $cypher2$, ... —
// AGE statements built from catalog-derived identifiers are never expected
// to contain one, but this guards against the degenerate case instead of
// assuming it.
func dollarTag(body string) string {
	base := "$cypher"

	for suffix := 0; ; suffix++ {
		candidate := base
		if suffix > 0 {
			candidate = base + strconv.Itoa(suffix)
		}

		candidate += "$"

		if !strings.Contains(body, candidate) {
			return candidate
		}
	}
}

func decodeRows(rows *sql.Rows, columns []string) ([]Row, error) {
	results := make([]Row, 0)

	raw := make([]any, len(columns))
	ptrs := make([]any, len(columns))

	for i := range raw {
		ptrs[i] = &raw[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("%w: scan row: %w", ErrStatement, err)
		}

		row := make(Row, len(columns))

		for i, name := range columns {
			row[name] = decodeAgtype(raw[i])
		}

		results = append(results, row)
	}

	return results, nil
}

// decodeAgtype converts an agtype scalar/object/array returned by the driver
// as a string into a generic Go value. AGE renders agtype over the wire as
// its own textual form (JSON plus a handful of scalar type suffixes like
// ::vertex); this module only ever reads back scalars and JSON-shaped
// objects it wrote itself, so a best-effort JSON decode with a string
// fallback covers every case this package produces.
func decodeAgtype(v any) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}

	var decoded any
	if err := json.Unmarshal(b, &decoded); err != nil {
		return string(b)
	}

	return decoded
}

func quoteIdent(name string) string {
	return "'" + strings.ReplaceAll(name, "'", "''") + "'"
}

func isValidGraphName(name string) bool {
	if name == "" {
		return false
	}

	for i, r := range name {
		switch {
		case r == '_':
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}

	return true
}

// classify maps a driver error to ErrConflict (retryable) or ErrStatement
// (not), mirroring storage.IsLockNotAvailable/IsConnectionError's use of
// pq.Error codes for retry classification.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s", ErrConflict, err)
		}
	}

	return fmt.Errorf("%w: %s", ErrStatement, err)
}
