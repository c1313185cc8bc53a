package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// LLMStatus is the state of a SqlPattern's LLM extraction lifecycle.
//
//	PENDING ──(claim)──▶ IN_PROGRESS ──▶ COMPLETED_SUCCESS
//	                                 ├──▶ COMPLETED_NO_LINEAGE (terminal)
//	                                 ├──▶ FAILED_PARSE ──(operator reset)──▶ PENDING
//	                                 └──▶ FAILED_LLM   ──(operator reset)──▶ PENDING
type LLMStatus string

// LLM status values. See LLMStatus.
const (
	LLMStatusPending            LLMStatus = "PENDING"
	LLMStatusInProgress         LLMStatus = "IN_PROGRESS"
	LLMStatusCompletedSuccess   LLMStatus = "COMPLETED_SUCCESS"
	LLMStatusCompletedNoLineage LLMStatus = "COMPLETED_NO_LINEAGE"
	LLMStatusFailedParse        LLMStatus = "FAILED_PARSE"
	LLMStatusFailedLLM          LLMStatus = "FAILED_LLM"
)

// IsTerminal reports whether the status is a DAG leaf (no automatic further transition).
func (s LLMStatus) IsTerminal() bool {
	switch s {
	case LLMStatusCompletedSuccess, LLMStatusCompletedNoLineage, LLMStatusFailedParse, LLMStatusFailedLLM:
		return true
	default:
		return false
	}
}

// IsFailed reports whether the status is one of the two re-analysable failure states.
func (s LLMStatus) IsFailed() bool {
	return s == LLMStatusFailedParse || s == LLMStatusFailedLLM
}

// Sentinel errors for pattern-store operations.
var (
	// ErrPatternStoreFailed is returned when a sql_patterns operation fails.
	ErrPatternStoreFailed = errors.New("sql pattern store failed")
	// ErrPatternNotFound is returned when a sql_hash has no matching row.
	ErrPatternNotFound = errors.New("sql pattern not found")
	// ErrInvalidGraphLoadTransition is returned when loaded_to_graph is set true
	// on a pattern whose llm_status isn't COMPLETED_SUCCESS.
	ErrInvalidGraphLoadTransition = errors.New("loaded_to_graph may only be set after COMPLETED_SUCCESS")
)

// SqlPattern is the control-plane record for one normalised SQL shape.
// Keyed by SqlHash, which is content-addressed and never mutated.
type SqlPattern struct {
	SqlHash            string
	NormalizedSQL      string
	SampleRawSQL       string
	SourceDatabaseName string
	FirstSeenAt        time.Time
	LastSeenAt         time.Time
	ExecutionCount     int64
	DurationTotalMs    int64
	DurationAvgMs      float64
	DurationMinMs      int64
	DurationMaxMs      int64
	LLMStatus          LLMStatus
	LLMExtractedJSON   []byte // raw LineageDocument JSON, nil until extracted
	LastLLMAnalysisAt  sql.NullTime
	LoadedToGraph      bool
	GraphLoadError     sql.NullString
}

// Observation is one raw execution of a SQL statement fed to the Pattern Aggregator.
type Observation struct {
	SqlHash            string
	RawSQL             string
	SourceDatabaseName string
	ObservedAt         time.Time
	DurationMs         int64
}

// PatternStore persists SqlPattern rows with atomic upsert-by-hash semantics.
type PatternStore struct {
	conn *Connection // retained for BeginTx in ClaimPendingExtraction
	q    Querier
}

// NewPatternStore wraps a Connection for sql_patterns access.
func NewPatternStore(conn *Connection) *PatternStore {
	return &PatternStore{conn: conn, q: conn}
}

// WithQuerier returns a copy of the store bound to a different Querier —
// typically a *sql.Tx — so UpsertObservation can run in the same
// transaction as a caller's other statements (e.g. the Pattern Aggregator
// marking its source row consumed).
func (s *PatternStore) WithQuerier(q Querier) *PatternStore {
	return &PatternStore{conn: s.conn, q: q}
}

// ReanalysisPolicy tells UpsertObservation which terminal failure states an
// operator has opted back into automatic re-analysis (spec §4.2: "set
// llm_status=PENDING only if the current status is a terminal FAILED_*
// and operator policy permits re-analysis").
type ReanalysisPolicy struct {
	AllowAfterParseFailure bool
	AllowAfterLLMFailure   bool
}

// UpsertObservation performs the Pattern Aggregator's atomic upsert (spec §4.2):
// on first insert, execution_count=1 and llm_status=PENDING; on conflict,
// execution_count is incremented, duration aggregates recomputed, and
// llm_status is reset to PENDING only if the current status is terminal-failed
// and policy permits re-analysis for that specific failure kind. The conflict
// resolution happens entirely in SQL so no read-modify-write race exists
// across concurrent aggregator workers. Returns whether this observation
// created a brand-new row (xmax = 0 is the standard Postgres tell for "this
// row version was just inserted, not updated", available without a
// read-before-write) and the row's resulting llm_status.
func (s *PatternStore) UpsertObservation(
	ctx context.Context,
	obs Observation,
	normalizedSQL string,
	policy ReanalysisPolicy,
) (wasNew bool, status LLMStatus, err error) {
	query := `
		INSERT INTO sql_patterns (
			sql_hash, normalized_sql, sample_raw_sql, source_database_name,
			first_seen_at, last_seen_at, execution_count,
			duration_total_ms, duration_avg_ms, duration_min_ms, duration_max_ms,
			llm_status
		) VALUES (
			$1, $2, $3, $4,
			$5, $5, 1,
			$6, $6, $6, $6,
			$7
		)
		ON CONFLICT (sql_hash) DO UPDATE SET
			last_seen_at = GREATEST(sql_patterns.last_seen_at, EXCLUDED.last_seen_at),
			execution_count = sql_patterns.execution_count + 1,
			duration_total_ms = sql_patterns.duration_total_ms + EXCLUDED.duration_total_ms,
			duration_avg_ms = (sql_patterns.duration_total_ms + EXCLUDED.duration_total_ms)::float8
				/ (sql_patterns.execution_count + 1),
			duration_min_ms = LEAST(sql_patterns.duration_min_ms, EXCLUDED.duration_min_ms),
			duration_max_ms = GREATEST(sql_patterns.duration_max_ms, EXCLUDED.duration_max_ms),
			llm_status = CASE
				WHEN sql_patterns.llm_status = 'FAILED_PARSE' AND $8 THEN 'PENDING'
				WHEN sql_patterns.llm_status = 'FAILED_LLM' AND $9 THEN 'PENDING'
				ELSE sql_patterns.llm_status
			END
		RETURNING (xmax = 0), llm_status
	`

	var (
		inserted   bool
		statusText string
	)

	scanErr := s.q.QueryRowContext(
		ctx, query,
		obs.SqlHash, normalizedSQL, obs.RawSQL, obs.SourceDatabaseName,
		obs.ObservedAt,
		obs.DurationMs,
		LLMStatusPending,
		policy.AllowAfterParseFailure,
		policy.AllowAfterLLMFailure,
	).Scan(&inserted, &statusText)
	if scanErr != nil {
		return false, "", fmt.Errorf("%w: upsert observation for %s: %w", ErrPatternStoreFailed, obs.SqlHash, scanErr)
	}

	return inserted, LLMStatus(statusText), nil
}

// ClaimPendingExtraction atomically claims up to limit patterns with
// llm_status=PENDING, flipping them to IN_PROGRESS, using FOR UPDATE SKIP LOCKED
// so concurrent extractor workers never claim the same row (spec §5).
func (s *PatternStore) ClaimPendingExtraction(ctx context.Context, limit int) ([]*SqlPattern, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin claim tx: %w", ErrPatternStoreFailed, err)
	}
	defer func() {
		_ = tx.Rollback() // safe to call after commit
	}()

	rows, err := tx.QueryContext(ctx, `
		SELECT sql_hash, normalized_sql, sample_raw_sql, source_database_name,
		       first_seen_at, last_seen_at, execution_count,
		       duration_total_ms, duration_avg_ms, duration_min_ms, duration_max_ms,
		       llm_status, llm_extracted_json, last_llm_analysis_at,
		       loaded_to_graph, graph_load_error
		FROM sql_patterns
		WHERE llm_status = $1
		ORDER BY last_seen_at DESC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, LLMStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: select claimable patterns: %w", ErrPatternStoreFailed, err)
	}

	patterns, err := scanPatterns(rows)
	if err != nil {
		return nil, err
	}

	hashes := make([]string, len(patterns))
	for i, p := range patterns {
		hashes[i] = p.SqlHash
	}

	if len(hashes) > 0 {
		_, err = tx.ExecContext(ctx, `
			UPDATE sql_patterns SET llm_status = $1
			WHERE sql_hash = ANY($2)
		`, LLMStatusInProgress, pq.Array(hashes))
		if err != nil {
			return nil, fmt.Errorf("%w: mark claimed in_progress: %w", ErrPatternStoreFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit claim tx: %w", ErrPatternStoreFailed, err)
	}

	for _, p := range patterns {
		p.LLMStatus = LLMStatusInProgress
	}

	return patterns, nil
}

// RecordExtractionResult persists the outcome of an LLM extraction attempt:
// the classified terminal/retry status, the raw LineageDocument JSON (if any),
// and the analysis timestamp.
func (s *PatternStore) RecordExtractionResult(
	ctx context.Context,
	sqlHash string,
	status LLMStatus,
	extractedJSON []byte,
	analyzedAt time.Time,
) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE sql_patterns
		SET llm_status = $1, llm_extracted_json = $2, last_llm_analysis_at = $3
		WHERE sql_hash = $4
	`, status, extractedJSON, analyzedAt, sqlHash)
	if err != nil {
		return fmt.Errorf("%w: record extraction result for %s: %w", ErrPatternStoreFailed, sqlHash, err)
	}

	return nil
}

// ClaimLoadableLineage selects up to limit patterns with
// llm_status=COMPLETED_SUCCESS and loaded_to_graph=false for the Lineage Graph
// Builder, using the same SKIP LOCKED claim pattern as extraction.
func (s *PatternStore) ClaimLoadableLineage(ctx context.Context, limit int) ([]*SqlPattern, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT sql_hash, normalized_sql, sample_raw_sql, source_database_name,
		       first_seen_at, last_seen_at, execution_count,
		       duration_total_ms, duration_avg_ms, duration_min_ms, duration_max_ms,
		       llm_status, llm_extracted_json, last_llm_analysis_at,
		       loaded_to_graph, graph_load_error
		FROM sql_patterns
		WHERE llm_status = $1 AND loaded_to_graph = false
		ORDER BY last_llm_analysis_at ASC NULLS LAST
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, LLMStatusCompletedSuccess, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: select loadable patterns: %w", ErrPatternStoreFailed, err)
	}

	return scanPatterns(rows)
}

// MarkLoadedToGraph sets loaded_to_graph=true. Fails closed with
// ErrInvalidGraphLoadTransition if the row isn't COMPLETED_SUCCESS, enforcing
// the invariant from spec §3 at the store boundary rather than trusting callers.
func (s *PatternStore) MarkLoadedToGraph(ctx context.Context, sqlHash string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE sql_patterns SET loaded_to_graph = true, graph_load_error = NULL
		WHERE sql_hash = $1 AND llm_status = $2
	`, sqlHash, LLMStatusCompletedSuccess)
	if err != nil {
		return fmt.Errorf("%w: mark loaded_to_graph for %s: %w", ErrPatternStoreFailed, sqlHash, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected for %s: %w", ErrPatternStoreFailed, sqlHash, err)
	}

	if n == 0 {
		return fmt.Errorf("%w: %s", ErrInvalidGraphLoadTransition, sqlHash)
	}

	return nil
}

// RecordGraphLoadError leaves loaded_to_graph false and records the failure
// text for operator review (spec §4.6 failure semantics).
func (s *PatternStore) RecordGraphLoadError(ctx context.Context, sqlHash string, loadErr error) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE sql_patterns SET graph_load_error = $1
		WHERE sql_hash = $2
	`, loadErr.Error(), sqlHash)
	if err != nil {
		return fmt.Errorf("%w: record graph load error for %s: %w", ErrPatternStoreFailed, sqlHash, err)
	}

	return nil
}

// ResetStaleInProgress resets IN_PROGRESS patterns whose last_llm_analysis_at
// is older than grace (or NULL, meaning a claim that never completed) back to
// PENDING. Run as a startup sweep (spec §5 cancellation & timeouts) so no
// pattern is stuck IN_PROGRESS after an ungraceful shutdown.
func (s *PatternStore) ResetStaleInProgress(ctx context.Context, grace time.Duration) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE sql_patterns
		SET llm_status = $1
		WHERE llm_status = $2
		  AND (last_llm_analysis_at IS NULL OR last_llm_analysis_at < NOW() - $3::interval)
	`, LLMStatusPending, LLMStatusInProgress, fmt.Sprintf("%d seconds", int(grace.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("%w: reset stale in_progress: %w", ErrPatternStoreFailed, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %w", ErrPatternStoreFailed, err)
	}

	return n, nil
}

// GetBySqlHash fetches a single pattern by its content-addressed key.
func (s *PatternStore) GetBySqlHash(ctx context.Context, sqlHash string) (*SqlPattern, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT sql_hash, normalized_sql, sample_raw_sql, source_database_name,
		       first_seen_at, last_seen_at, execution_count,
		       duration_total_ms, duration_avg_ms, duration_min_ms, duration_max_ms,
		       llm_status, llm_extracted_json, last_llm_analysis_at,
		       loaded_to_graph, graph_load_error
		FROM sql_patterns
		WHERE sql_hash = $1
	`, sqlHash)

	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPatternNotFound, sqlHash)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %w", ErrPatternStoreFailed, sqlHash, err)
	}

	return p, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPattern(row rowScanner) (*SqlPattern, error) {
	var (
		p         SqlPattern
		llmStatus string
	)

	err := row.Scan(
		&p.SqlHash, &p.NormalizedSQL, &p.SampleRawSQL, &p.SourceDatabaseName,
		&p.FirstSeenAt, &p.LastSeenAt, &p.ExecutionCount,
		&p.DurationTotalMs, &p.DurationAvgMs, &p.DurationMinMs, &p.DurationMaxMs,
		&llmStatus, &p.LLMExtractedJSON, &p.LastLLMAnalysisAt,
		&p.LoadedToGraph, &p.GraphLoadError,
	)
	if err != nil {
		return nil, err
	}

	p.LLMStatus = LLMStatus(llmStatus)

	return &p, nil
}

func scanPatterns(rows *sql.Rows) ([]*SqlPattern, error) {
	defer func() { _ = rows.Close() }()

	var patterns []*SqlPattern

	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan pattern row: %w", ErrPatternStoreFailed, err)
		}

		patterns = append(patterns, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate pattern rows: %w", ErrPatternStoreFailed, err)
	}

	return patterns, nil
}

// IsLockNotAvailable reports whether err is PostgreSQL error 55P03
// (lock_not_available), the signal for the cloudflare/backoff retry path on
// FOR UPDATE SKIP LOCKED contention elsewhere in the pipeline.
func IsLockNotAvailable(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && pqErr.Code == "55P03"
}

// IsConnectionError checks if an error indicates database connection failure,
// per PostgreSQL error class 08 (connection_exception) plus the standard
// database/sql sentinel errors for a dead connection.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "08")
	}

	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}
