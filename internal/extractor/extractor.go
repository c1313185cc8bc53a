package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/cloudflare/backoff"
	"github.com/santhosh-tekuri/jsonschema/v6"

	ctxassemble "github.com/lumigraph/lumigraph/internal/context"
	"github.com/lumigraph/lumigraph/internal/storage"
)

// maxTransportRetries bounds retries of transport/auth/quota errors before
// classifying FAILED_LLM (spec §4.4: "FAILED_LLM if transport/auth/quota
// errors exhaust retries"), mirroring the Pattern Aggregator's bounded
// exponential back-off idiom.
const (
	maxTransportRetries  = 3
	transportMaxBackoff  = 30 * time.Second
	transportBackoffStep = 500 * time.Millisecond
)

// maxReprompts is the number of additional attempts made after an invalid
// first response before giving up and classifying FAILED_PARSE (spec §4.4:
// "re-prompt up to two times including the validator error message").
const maxReprompts = 2

// charsPerTokenEstimate approximates characters-per-token for the rate
// limiter's token-bucket accounting; matches the Context Assembler's own
// approximation so the two components agree on what a "token" costs.
const charsPerTokenEstimate = 4

// Extractor turns claimed SqlPattern rows into LineageDocuments via a
// configured LLM, one data source at a time (sourceID/searchPath identify
// which monitored database this Extractor instance resolves objects
// against).
type Extractor struct {
	client    Client
	limiter   *Limiter
	assembler *ctxassemble.Assembler
	schema    *jsonschema.Schema
	patterns  *storage.PatternStore

	sourceID    int64
	searchPath  []string
	temperature float64

	logger *slog.Logger
}

// New builds an Extractor. Panics if the embedded LineageDocument schema
// fails to compile, since that indicates a build-time defect, not a runtime
// condition callers can recover from.
func New(
	client Client,
	limiter *Limiter,
	assembler *ctxassemble.Assembler,
	patterns *storage.PatternStore,
	sourceID int64,
	searchPath []string,
	temperature float64,
) *Extractor {
	schema, err := compileLineageDocumentSchema()
	if err != nil {
		panic(fmt.Sprintf("extractor: embedded lineage document schema is invalid: %v", err))
	}

	return &Extractor{
		client:      client,
		limiter:     limiter,
		assembler:   assembler,
		schema:      schema,
		patterns:    patterns,
		sourceID:    sourceID,
		searchPath:  searchPath,
		temperature: temperature,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})),
	}
}

// ProcessResult summarizes one ProcessBatch call for the caller to log/report.
type ProcessResult struct {
	Claimed            int
	CompletedSuccess   int
	CompletedNoLineage int
	FailedParse        int
	FailedLLM          int
}

// ProcessBatch claims up to limit PENDING patterns and extracts each.
func (e *Extractor) ProcessBatch(ctx context.Context, limit int) (*ProcessResult, error) {
	patterns, err := e.patterns.ClaimPendingExtraction(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending extraction: %w", err)
	}

	result := &ProcessResult{Claimed: len(patterns)}

	for _, pattern := range patterns {
		e.processOne(ctx, pattern, result)
	}

	return result, nil
}

func (e *Extractor) processOne(ctx context.Context, pattern *storage.SqlPattern, result *ProcessResult) {
	doc, status, err := e.extract(ctx, pattern)

	var rawJSON []byte

	if doc != nil {
		rawJSON, err = json.Marshal(doc)
		if err != nil {
			status = storage.LLMStatusFailedParse
			rawJSON = nil
		}
	}

	if recErr := e.patterns.RecordExtractionResult(ctx, pattern.SqlHash, status, rawJSON, time.Now()); recErr != nil {
		e.logger.Error("failed to record extraction result",
			slog.String("sql_hash", pattern.SqlHash), slog.String("error", recErr.Error()))

		return
	}

	switch status {
	case storage.LLMStatusCompletedSuccess:
		result.CompletedSuccess++
	case storage.LLMStatusCompletedNoLineage:
		result.CompletedNoLineage++
	case storage.LLMStatusFailedParse:
		result.FailedParse++
	case storage.LLMStatusFailedLLM:
		result.FailedLLM++
	}

	if err != nil {
		e.logger.Warn("extraction did not complete successfully",
			slog.String("sql_hash", pattern.SqlHash), slog.String("status", string(status)), slog.String("error", err.Error()))
	}
}

// extract runs the full protocol for one pattern: assemble context, call the
// LLM, validate, re-prompt on failure up to maxReprompts times, and classify
// the terminal outcome (spec §4.4).
func (e *Extractor) extract(ctx context.Context, pattern *storage.SqlPattern) (*LineageDocument, storage.LLMStatus, error) {
	assembled, err := e.assembler.Assemble(ctx, pattern, e.sourceID, e.searchPath)
	if err != nil {
		if errors.Is(err, ctxassemble.ErrContextTooLarge) {
			return nil, storage.LLMStatusFailedParse, fmt.Errorf("context assembly: %w", err)
		}

		return nil, storage.LLMStatusFailedLLM, fmt.Errorf("context assembly: %w", err)
	}

	system := buildSystemPrompt(string(lineageDocumentSchemaJSON))

	validationErr := ""

	for attempt := 0; attempt <= maxReprompts; attempt++ {
		user := buildUserPrompt(pattern.SqlHash, pattern.SourceDatabaseName, pattern.SampleRawSQL, assembled, validationErr)

		estimatedTokens := (len(system) + len(user)) / charsPerTokenEstimate

		release, err := e.limiter.Acquire(ctx, estimatedTokens)
		if err != nil {
			return nil, storage.LLMStatusFailedLLM, fmt.Errorf("acquire rate limit budget: %w", err)
		}

		response, err := e.completeWithRetry(ctx, CompletionRequest{System: system, User: user, Temperature: e.temperature})

		release()

		if err != nil {
			return nil, storage.LLMStatusFailedLLM, err
		}

		doc, verr := e.parseAndValidate(response, pattern.SqlHash)
		if verr == nil {
			if doc.HasNoLineage() {
				return doc, storage.LLMStatusCompletedNoLineage, nil
			}

			return doc, storage.LLMStatusCompletedSuccess, nil
		}

		validationErr = verr.Error()
	}

	return nil, storage.LLMStatusFailedParse, fmt.Errorf("%w: invalid after %d attempts: %s", ErrSchemaViolation, maxReprompts+1, validationErr)
}

// completeWithRetry retries a transport-classified error with bounded
// exponential back-off; a non-transport error (shouldn't occur from Client,
// but defensively) is returned immediately.
func (e *Extractor) completeWithRetry(ctx context.Context, req CompletionRequest) (string, error) {
	b := backoff.New(transportMaxBackoff, transportBackoffStep)

	var lastErr error

	for attempt := 0; attempt < maxTransportRetries; attempt++ {
		response, err := e.client.Complete(ctx, req)
		if err == nil {
			return response, nil
		}

		lastErr = err

		if !errors.Is(err, ErrTransport) {
			return "", err
		}

		e.logger.Warn("retrying llm call after transport error", slog.Int("attempt", attempt+1), slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(b.Duration()):
		}
	}

	return "", fmt.Errorf("%w: exhausted %d retries: %w", ErrTransport, maxTransportRetries, lastErr)
}

func (e *Extractor) parseAndValidate(response, expectedHash string) (*LineageDocument, error) {
	raw, err := extractJSONObject(response)
	if err != nil {
		return nil, err
	}

	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}

	if err := e.schema.Validate(instance); err != nil {
		return nil, err
	}

	var doc LineageDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal validated document: %w", err)
	}

	if doc.SqlPatternHash != expectedHash {
		return nil, fmt.Errorf("sql_pattern_hash %q does not match claimed pattern %q", doc.SqlPatternHash, expectedHash)
	}

	return &doc, nil
}
