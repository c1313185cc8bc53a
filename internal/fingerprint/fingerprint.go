// Package fingerprint turns raw SQL text into a content-addressed SqlPattern
// key: parse with the real PostgreSQL grammar, strip literals to typed
// placeholders, collapse constant IN-lists, re-deparse to a stable
// pretty-printed form, and SHA-256 the result. Non-data-flow statements are
// rejected with a classified reason instead of producing a pattern.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	pgq "github.com/pganalyze/pg_query_go/v6"
)

// Sentinel errors. Fingerprint reports every rejection as a *ParseFailure
// carrying the classified reason; its Unwrap maps that reason onto one of
// these, so errors.Is can match a rejection by kind.
var (
	// ErrParse is returned when the raw SQL doesn't parse under the
	// PostgreSQL grammar at all.
	ErrParse = errors.New("sql does not parse")
	// ErrNonDataFlowStatement is returned for statements that carry no
	// column-level lineage by construction (SET, SHOW, VACUUM, ANALYZE,
	// transaction control, empty input).
	ErrNonDataFlowStatement = errors.New("statement carries no data-flow lineage")
	// ErrMultiStatement is returned when the input contains more than one
	// statement; the pipeline fingerprints one statement at a time.
	ErrMultiStatement = errors.New("expected exactly one statement")
)

// ParseFailure is a rejected raw_sql_log entry: spec §4.1 requires every
// rejection to carry a classified reason for the normalization-error table,
// never a generic error string.
type ParseFailure struct {
	Reason string
	Detail string
}

func (f *ParseFailure) Error() string {
	return fmt.Sprintf("%s: %s", f.Reason, f.Detail)
}

// Unwrap maps Reason onto its sentinel error.
func (f *ParseFailure) Unwrap() error {
	switch f.Reason {
	case "parse_error", "deparse_error":
		return ErrParse
	case "multi_statement":
		return ErrMultiStatement
	default:
		return ErrNonDataFlowStatement
	}
}

// Result is the Fingerprinter's output contract (spec §4.1).
type Result struct {
	NormalizedSQL  string
	SQLHash        string
	DialectParseOK bool
}

// Fingerprint normalizes rawSQL and computes its content-addressed hash. It
// is a pure function: same input always yields the same Result, and it never
// touches the database — recording rejections is the caller's job (this
// keeps the function trivially unit-testable without a connection).
func Fingerprint(rawSQL string) (*Result, error) {
	tree, err := pgq.Parse(rawSQL)
	if err != nil {
		return nil, &ParseFailure{Reason: "parse_error", Detail: err.Error()}
	}

	stmts := tree.GetStmts()
	if len(stmts) == 0 {
		return nil, &ParseFailure{Reason: "empty_statement", Detail: "no statements found"}
	}

	if len(stmts) != 1 {
		return nil, &ParseFailure{Reason: "multi_statement", Detail: fmt.Sprintf("got %d statements", len(stmts))}
	}

	node := stmts[0].GetStmt()

	if reason := classify(node); reason != "" {
		return nil, &ParseFailure{Reason: reason, Detail: "non-data-flow statement"}
	}

	stripLiterals(node.ProtoReflect())

	normalized, err := pgq.Deparse(tree)
	if err != nil {
		return nil, &ParseFailure{Reason: "deparse_error", Detail: err.Error()}
	}

	sum := sha256.Sum256([]byte(normalized))

	return &Result{
		NormalizedSQL:  normalized,
		SQLHash:        hex.EncodeToString(sum[:]),
		DialectParseOK: true,
	}, nil
}
