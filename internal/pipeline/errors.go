// Package pipeline names the abstract error kinds that cut across the
// fingerprinting/aggregation/extraction/graph-building stages. Each kind is a
// concrete sentinel owned by the package that detects it first; this package
// re-exports them under one name so a stage driver (cmd/pipeline/*) can
// classify any error it receives without importing every stage package.
package pipeline

import (
	"errors"

	ctxassemble "github.com/lumigraph/lumigraph/internal/context"
	"github.com/lumigraph/lumigraph/internal/extractor"
	"github.com/lumigraph/lumigraph/internal/fingerprint"
	"github.com/lumigraph/lumigraph/internal/graph"
)

// ErrParseFailure: the raw SQL didn't parse (Fingerprinter).
var ErrParseFailure = fingerprint.ErrParse

// ErrContextTooLarge: even the single most-relevant object exceeds the
// configured token budget (Context Assembler).
var ErrContextTooLarge = ctxassemble.ErrContextTooLarge

// ErrLLMSchemaViolation: the model's response failed JSON Schema validation
// (or the pattern-hash check on top of it) after every reprompt (LLM
// Extractor).
var ErrLLMSchemaViolation = extractor.ErrSchemaViolation

// ErrLLMTransport: the LLM call itself failed at the transport/auth/quota
// level (LLM Extractor).
var ErrLLMTransport = extractor.ErrTransport

// ErrGraphConflict: an upsert lost a race against a concurrent writer
// touching the same node/edge key — retryable (Metadata/Lineage Graph
// Builders).
var ErrGraphConflict = graph.ErrConflict

// ErrGraphStatement: AGE rejected a Cypher statement outright — not
// retryable (Metadata/Lineage Graph Builders).
var ErrGraphStatement = graph.ErrStatement

// ErrCatalogDrift classifies an endpoint a lineage-extracted document names
// that has no matching metadata-sourced node at load time — the object may
// have been dropped, renamed, or simply not yet cataloged. Unlike the other
// six kinds this never fails a pattern: the Lineage Graph Builder stubs the
// endpoint as TempTable/TempColumn and keeps going (spec §4.6 step 1). It
// exists here purely for uniform classification in logs and metrics.
var ErrCatalogDrift = errors.New("pipeline: referenced object has drifted from catalog metadata")
