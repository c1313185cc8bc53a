package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNormalizationErrorStoreFailed is returned when a normalization-error
// write fails.
var ErrNormalizationErrorStoreFailed = errors.New("normalization error store failed")

// NormalizationError is a rejected raw_sql_log entry: a statement the
// Fingerprinter could not or would not turn into a SqlPattern (spec §4.1).
// Rejections never create a pattern row; they're recorded here for operator
// review instead.
type NormalizationError struct {
	RawSQLLogID int64
	Reason      string // classified reason: parse_error, empty_statement, multi_statement, deparse_error, or a non-data-flow statement kind
	Detail      string
	OccurredAt  time.Time
}

// NormalizationErrorStore records ParseFailure outcomes.
type NormalizationErrorStore struct {
	q Querier
}

// NewNormalizationErrorStore wraps a Connection for sql_normalization_errors access.
func NewNormalizationErrorStore(conn *Connection) *NormalizationErrorStore {
	return &NormalizationErrorStore{q: conn}
}

// WithQuerier returns a copy of the store bound to a different Querier —
// typically a *sql.Tx — so Record can run in the same transaction as the
// Pattern Aggregator marking its source row consumed.
func (s *NormalizationErrorStore) WithQuerier(q Querier) *NormalizationErrorStore {
	return &NormalizationErrorStore{q: q}
}

// Record inserts a normalization failure. Idempotent per raw_sql_log_id: a
// re-delivered batch entry that was already recorded is a silent no-op
// (spec §4.2 "re-delivery of an already-consumed batch must be a no-op").
func (s *NormalizationErrorStore) Record(ctx context.Context, e NormalizationError) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO sql_normalization_errors (raw_sql_log_id, reason, detail, occurred_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (raw_sql_log_id) DO NOTHING
	`, e.RawSQLLogID, e.Reason, e.Detail, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("%w: record for log entry %d: %w", ErrNormalizationErrorStoreFailed, e.RawSQLLogID, err)
	}

	return nil
}
