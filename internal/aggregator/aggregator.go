package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cloudflare/backoff"

	"github.com/lumigraph/lumigraph/internal/fingerprint"
	"github.com/lumigraph/lumigraph/internal/rawlog"
	"github.com/lumigraph/lumigraph/internal/storage"
)

// ErrDrainFailed is returned when a batch drain could not make progress
// after retrying database errors.
var ErrDrainFailed = errors.New("pattern aggregator drain failed")

const (
	maxDatabaseRetries = 5
	maxUpsertBackoff   = 10 * time.Second
	upsertBackoffStep  = 100 * time.Millisecond
)

// Aggregator drains raw_sql_log, fingerprints each entry, and upserts the
// resulting SqlPattern rows. One Aggregator may run alongside others: all
// upserts conflict on sql_hash and rely on Postgres's own row locking for
// atomicity (spec §4.2), so there is no cross-worker coordination here.
type Aggregator struct {
	db        *storage.Connection
	source    rawlog.Source
	patterns  *storage.PatternStore
	errors    *storage.NormalizationErrorStore
	publisher *DirtyPatternPublisher
	policy    *PolicyConfig
	logger    *slog.Logger
}

// New builds an Aggregator from its collaborators. db is used to open the
// single transaction each entry's upsert and consume/reject-record run
// inside (spec §4.2); publisher may be nil: a nil publisher simply skips the
// dirty-pattern announcement (the database row is still the source of
// truth).
func New(
	db *storage.Connection,
	source rawlog.Source,
	patterns *storage.PatternStore,
	normErrors *storage.NormalizationErrorStore,
	publisher *DirtyPatternPublisher,
	policy *PolicyConfig,
) *Aggregator {
	return &Aggregator{
		db:        db,
		source:    source,
		patterns:  patterns,
		errors:    normErrors,
		publisher: publisher,
		policy:    policy,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})),
	}
}

// DrainResult summarizes one batch's outcome for the caller to log/report.
type DrainResult struct {
	Observed        int
	Upserted        int
	Rejected        int
	PublishFailures int
}

// DrainBatch claims up to limit unconsumed raw_sql_log rows, fingerprints
// and upserts each, marks the row consumed, and returns once the batch is
// exhausted. A normalization failure is recorded and the row is still
// marked consumed (non-retryable, per spec §4.2); a database error aborts
// the current row with bounded exponential back-off before giving up.
func (a *Aggregator) DrainBatch(ctx context.Context, limit int) (*DrainResult, error) {
	entries, err := a.source.NextBatch(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch batch: %w", ErrDrainFailed, err)
	}

	result := &DrainResult{Observed: len(entries)}

	for _, entry := range entries {
		if err := a.processEntry(ctx, entry, result); err != nil {
			return result, err
		}
	}

	return result, nil
}

func (a *Aggregator) processEntry(ctx context.Context, entry *rawlog.Entry, result *DrainResult) error {
	fp, err := fingerprint.Fingerprint(entry.RawSQLText)
	if err != nil {
		return a.recordRejection(ctx, entry, err, result)
	}

	reanalysis := storage.ReanalysisPolicy{
		AllowAfterParseFailure: a.policy.Allows(string(storage.LLMStatusFailedParse)),
		AllowAfterLLMFailure:   a.policy.Allows(string(storage.LLMStatusFailedLLM)),
	}

	wasNew, status, err := a.upsertAndMarkConsumedWithRetry(ctx, entry, fp, reanalysis)
	if err != nil {
		return fmt.Errorf("%w: upsert %s: %w", ErrDrainFailed, fp.SQLHash, err)
	}

	result.Upserted++

	// Only a row that just became PENDING is actually dirty-for-analysis;
	// most repeat observations just bump statistics on an already-claimed
	// or already-completed pattern and need no announcement.
	if a.publisher != nil && status == storage.LLMStatusPending {
		reason := "reanalysis"
		if wasNew {
			reason = "new_pattern"
		}

		if err := a.publisher.Publish(ctx, DirtyPatternEvent{
			SQLHash:  fp.SQLHash,
			Reason:   reason,
			Observed: entry.LogTime,
		}); err != nil {
			a.logger.Warn("dirty-pattern publish failed, database row remains authoritative",
				slog.String("sql_hash", fp.SQLHash), slog.String("error", err.Error()))

			result.PublishFailures++
		}
	}

	return nil
}

func (a *Aggregator) recordRejection(ctx context.Context, entry *rawlog.Entry, fpErr error, result *DrainResult) error {
	var failure *fingerprint.ParseFailure
	if !errors.As(fpErr, &failure) {
		return fmt.Errorf("%w: unclassified fingerprint error for %d: %w", ErrDrainFailed, entry.ID, fpErr)
	}

	if err := a.recordRejectionAndMarkConsumed(ctx, entry, failure); err != nil {
		return fmt.Errorf("%w: record rejection for %d: %w", ErrDrainFailed, entry.ID, err)
	}

	result.Rejected++

	return nil
}

// recordRejectionAndMarkConsumed records the rejection and marks the source
// row consumed inside one transaction, the same convention as
// upsertAndMarkConsumed, so a crash between the two never leaves a rejected
// row unconsumed and re-delivered (spec §4.2).
func (a *Aggregator) recordRejectionAndMarkConsumed(ctx context.Context, entry *rawlog.Entry, failure *fingerprint.ParseFailure) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rejection transaction: %w", err)
	}

	committed := false

	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := a.errors.WithQuerier(tx).Record(ctx, storage.NormalizationError{
		RawSQLLogID: entry.ID,
		Reason:      failure.Reason,
		Detail:      failure.Detail,
		OccurredAt:  entry.LogTime,
	}); err != nil {
		return err
	}

	if err := a.source.WithQuerier(tx).MarkConsumed(ctx, entry.ID, ""); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rejection transaction: %w", err)
	}

	committed = true

	return nil
}

// upsertAndMarkConsumedWithRetry wraps upsertAndMarkConsumed with bounded
// exponential back-off for transient connection errors (spec §4.2 "a
// database error is retried with bounded exponential back-off"). It reports
// whether the observation inserted a brand-new row and the row's resulting
// llm_status, so the caller can decide whether and how to announce it.
func (a *Aggregator) upsertAndMarkConsumedWithRetry(
	ctx context.Context,
	entry *rawlog.Entry,
	fp *fingerprint.Result,
	reanalysis storage.ReanalysisPolicy,
) (bool, storage.LLMStatus, error) {
	b := backoff.New(maxUpsertBackoff, upsertBackoffStep)

	for attempt := 0; attempt < maxDatabaseRetries; attempt++ {
		wasNew, status, err := a.upsertAndMarkConsumed(ctx, entry, fp, reanalysis)
		if err == nil {
			return wasNew, status, nil
		}

		if !storage.IsConnectionError(err) && !storage.IsLockNotAvailable(err) {
			return false, "", err
		}

		a.logger.Warn("retrying pattern upsert after transient database error",
			slog.String("sql_hash", fp.SQLHash), slog.Int("attempt", attempt+1), slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return false, "", ctx.Err()
		case <-time.After(b.Duration()):
		}
	}

	return false, "", fmt.Errorf("exhausted %d retries for %s", maxDatabaseRetries, fp.SQLHash)
}

// upsertAndMarkConsumed runs the upsert and the source row's consumed-marker
// update inside a single transaction (spec §4.2: "mark the log row consumed
// in the same transaction as the upsert... re-delivery of an already-
// consumed batch must be a no-op"). Either both statements commit together
// or neither does, so a crash mid-entry or two racing drains of the same
// unconsumed row can never double-count execution_count or re-fold duration
// stats twice for one physical log entry.
func (a *Aggregator) upsertAndMarkConsumed(
	ctx context.Context,
	entry *rawlog.Entry,
	fp *fingerprint.Result,
	reanalysis storage.ReanalysisPolicy,
) (bool, storage.LLMStatus, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return false, "", fmt.Errorf("begin upsert transaction: %w", err)
	}

	committed := false

	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	wasNew, status, err := a.patterns.WithQuerier(tx).UpsertObservation(ctx, storage.Observation{
		SqlHash:            fp.SQLHash,
		RawSQL:             entry.RawSQLText,
		SourceDatabaseName: entry.SourceDatabaseName,
		ObservedAt:         entry.LogTime,
		DurationMs:         entry.DurationMs,
	}, fp.NormalizedSQL, reanalysis)
	if err != nil {
		return false, "", err
	}

	if err := a.source.WithQuerier(tx).MarkConsumed(ctx, entry.ID, fp.SQLHash); err != nil {
		return false, "", err
	}

	if err := tx.Commit(); err != nil {
		return false, "", fmt.Errorf("commit upsert transaction: %w", err)
	}

	committed = true

	return wasNew, status, nil
}
