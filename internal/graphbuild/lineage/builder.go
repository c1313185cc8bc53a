package lineage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cloudflare/backoff"

	"github.com/lumigraph/lumigraph/internal/catalog"
	"github.com/lumigraph/lumigraph/internal/extractor"
	"github.com/lumigraph/lumigraph/internal/graph"
	"github.com/lumigraph/lumigraph/internal/pipeline"
	"github.com/lumigraph/lumigraph/internal/storage"
)

// maxConflictRetries bounds the number of whole-transaction retries after a
// graph.ErrConflict (spec §7 GraphConflict); exhaustion falls through to
// RecordGraphLoadError like any other failure, leaving the pattern claimable
// again on its next scheduled run.
const (
	maxConflictRetries  = 3
	conflictMaxBackoff  = 5 * time.Second
	conflictBackoffStep = 100 * time.Millisecond
)

// Builder converges the graph's lineage side toward each successfully
// extracted LineageDocument, one claimed SqlPattern at a time (spec §4.6).
// One Builder resolves objects against a single monitored data source,
// mirroring the Extractor/Assembler convention of a worker process per
// source.
type Builder struct {
	db       *storage.Connection
	patterns *storage.PatternStore
	reader   catalog.Reader
	graph    string

	sourceID   int64
	sourceName string

	logger *slog.Logger
}

// New builds a Builder. sourceName is the configured data source's name, as
// used in the metadata builder's DatabaseFQN formula — it is not persisted
// alongside the SqlPattern, so the caller supplies it the same way it
// already supplies sourceID to the Context Assembler and Extractor.
func New(db *storage.Connection, patterns *storage.PatternStore, reader catalog.Reader, graphName string, sourceID int64, sourceName string) *Builder {
	return &Builder{
		db:         db,
		patterns:   patterns,
		reader:     reader,
		graph:      graphName,
		sourceID:   sourceID,
		sourceName: sourceName,
		logger:     slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}
}

// ProcessResult summarizes one ProcessBatch call.
type ProcessResult struct {
	Claimed int
	Loaded  int
	Failed  int
}

// ProcessBatch claims up to limit loadable patterns and converges the graph
// for each, one transaction per pattern (spec §4.6, §5 "claiming work").
func (b *Builder) ProcessBatch(ctx context.Context, limit int) (*ProcessResult, error) {
	patterns, err := b.patterns.ClaimLoadableLineage(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("claim loadable lineage: %w", err)
	}

	result := &ProcessResult{Claimed: len(patterns)}

	for _, pattern := range patterns {
		if err := b.processWithRetry(ctx, pattern); err != nil {
			result.Failed++

			b.logger.Error("lineage graph load failed",
				slog.String("sql_hash", pattern.SqlHash), slog.String("error", err.Error()))

			if recErr := b.patterns.RecordGraphLoadError(ctx, pattern.SqlHash, err); recErr != nil {
				b.logger.Error("failed to record graph load error",
					slog.String("sql_hash", pattern.SqlHash), slog.String("error", recErr.Error()))
			}

			continue
		}

		if err := b.patterns.MarkLoadedToGraph(ctx, pattern.SqlHash); err != nil {
			result.Failed++

			b.logger.Error("failed to mark loaded_to_graph",
				slog.String("sql_hash", pattern.SqlHash), slog.String("error", err.Error()))

			continue
		}

		result.Loaded++
	}

	return result, nil
}

// processWithRetry runs processOne, retrying the whole per-pattern
// transaction when it fails on a graph.ErrConflict — a concurrent metadata
// refresh or another lineage worker touching the same FQN — up to
// maxConflictRetries times with bounded exponential back-off. Any other
// failure is returned immediately without retrying (spec §7 GraphConflict).
func (b *Builder) processWithRetry(ctx context.Context, pattern *storage.SqlPattern) error {
	bo := backoff.New(conflictMaxBackoff, conflictBackoffStep)

	var lastErr error

	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		err := b.processOne(ctx, pattern)
		if err == nil {
			return nil
		}

		if !errors.Is(err, graph.ErrConflict) {
			return err
		}

		lastErr = err

		b.logger.Warn("lineage graph load conflict, retrying",
			slog.String("sql_hash", pattern.SqlHash), slog.Int("attempt", attempt))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.Duration()):
		}
	}

	return fmt.Errorf("exhausted %d conflict retries: %w", maxConflictRetries, lastErr)
}

// processOne runs the strictly-ordered five-step procedure for one pattern
// inside a single transaction (spec §4.6).
func (b *Builder) processOne(ctx context.Context, pattern *storage.SqlPattern) error {
	var doc extractor.LineageDocument
	if err := json.Unmarshal(pattern.LLMExtractedJSON, &doc); err != nil {
		return fmt.Errorf("unmarshal lineage document for %s: %w", pattern.SqlHash, err)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin lineage transaction: %w", err)
	}

	committed := false

	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	gc := graph.New(b.db, b.graph).WithQuerier(tx)
	now := time.Now().UTC().Format(time.RFC3339)

	endpoints, err := b.materializeEndpoints(ctx, gc, &doc, pattern.SourceDatabaseName, now)
	if err != nil {
		return fmt.Errorf("materialize endpoints: %w", err)
	}

	if err := b.upsertPatternNode(ctx, gc, pattern, now); err != nil {
		return fmt.Errorf("upsert pattern node: %w", err)
	}

	if err := b.upsertDataFlowAndGeneratesFlow(ctx, gc, &doc, endpoints, pattern.SqlHash, now); err != nil {
		return fmt.Errorf("upsert data flow edges: %w", err)
	}

	if err := b.upsertReferencedObjectEdges(ctx, gc, &doc, endpoints, pattern.SqlHash, now); err != nil {
		return fmt.Errorf("upsert referenced object edges: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit lineage transaction: %w", err)
	}

	committed = true

	return nil
}

// endpointSet memoizes every object/column endpoint resolved for one
// pattern, keyed by the identity the LineageDocument uses to name it, so
// step 3-5 never re-resolves (and never re-queries the catalog for) the
// same object/column twice within a single transaction.
type endpointSet struct {
	objects map[string]endpoint // keyed by "schema.name"
	columns map[string]endpoint // keyed by "schema.name.column"
}

func objectKey(schema, name string) string { return schema + "." + name }
func columnKey(schema, name, column string) string { return schema + "." + name + "." + column }

// materializeEndpoints is step 1: walk every object and column the document
// mentions and upsert a node matching by FQN only, before any edge is
// created (spec §4.6 ordering rule).
func (b *Builder) materializeEndpoints(ctx context.Context, gc *graph.Client, doc *extractor.LineageDocument, sourceDatabaseName, now string) (*endpointSet, error) {
	set := &endpointSet{objects: make(map[string]endpoint), columns: make(map[string]endpoint)}

	upsertObj := func(ref extractor.ObjectRef) (endpoint, error) {
		key := objectKey(ref.Schema, ref.Name)
		if ep, ok := set.objects[key]; ok {
			return ep, nil
		}

		ep, err := resolveObject(ctx, b.reader, b.sourceID, b.sourceName, sourceDatabaseName, ref)
		if err != nil {
			return endpoint{}, err
		}

		if err := b.upsertEndpointNode(ctx, gc, ep, ref.Name, now); err != nil {
			return endpoint{}, err
		}

		set.objects[key] = ep

		return ep, nil
	}

	upsertCol := func(obj endpoint, schema, objName, column string) (endpoint, error) {
		key := columnKey(schema, objName, column)
		if ep, ok := set.columns[key]; ok {
			return ep, nil
		}

		ep, err := resolveColumn(ctx, b.reader, obj, column)
		if err != nil {
			return endpoint{}, err
		}

		if err := b.upsertEndpointNode(ctx, gc, ep, column, now); err != nil {
			return endpoint{}, err
		}

		set.columns[key] = ep

		return ep, nil
	}

	if doc.TargetObject != nil {
		if _, err := upsertObj(*doc.TargetObject); err != nil {
			return nil, err
		}
	}

	for _, ref := range doc.ReferencedObjects {
		if _, err := upsertObj(extractor.ObjectRef{Schema: ref.Schema, Name: ref.Name, Type: ref.Type}); err != nil {
			return nil, err
		}
	}

	for _, cl := range doc.ColumnLevelLineage {
		targetRef := columnLineageTargetRef(cl)

		targetObj, err := upsertObj(targetRef)
		if err != nil {
			return nil, err
		}

		if _, err := upsertCol(targetObj, targetRef.Schema, targetRef.Name, cl.TargetColumn); err != nil {
			return nil, err
		}

		for _, src := range cl.Sources {
			srcObj, err := upsertObj(src.SourceObject)
			if err != nil {
				return nil, err
			}

			if src.SourceColumn != nil {
				if _, err := upsertCol(srcObj, src.SourceObject.Schema, src.SourceObject.Name, *src.SourceColumn); err != nil {
					return nil, err
				}
			}
		}
	}

	return set, nil
}

// upsertEndpointNode creates the node on first sight only, marking it
// `sourced_by: lineage` so a later metadata refresh at the same FQN (found
// by UpsertNode's fqn-only match) converts the stub into its real label and
// clears sourced_by, rather than leaving it orphaned under a second node. It
// never applies setProps on an existing match — containment nodes the
// metadata builder owns must never have authoritative attributes overwritten
// by the lineage builder (spec §3 invariant).
func (b *Builder) upsertEndpointNode(ctx context.Context, gc *graph.Client, ep endpoint, name, now string) error {
	exists, existingLabel, err := gc.NodeExists(ctx, ep.FQN)
	if err != nil {
		return err
	}

	if exists && existingLabel != LabelTempTable && existingLabel != LabelTempColumn {
		return nil
	}

	createProps := map[string]any{"name": name, "created_at": now}
	if !ep.Resolved {
		createProps["sourced_by"] = "lineage"

		b.logger.Info("endpoint not found in catalog, stubbing",
			slog.String("fqn", ep.FQN), slog.String("label", ep.Label), slog.String("error_kind", pipeline.ErrCatalogDrift.Error()))
	}

	_, err = gc.UpsertNode(ctx, ep.Label, ep.FQN, createProps, nil)

	return err
}

// upsertPatternNode is step 2.
func (b *Builder) upsertPatternNode(ctx context.Context, gc *graph.Client, pattern *storage.SqlPattern, now string) error {
	_, err := gc.UpsertNode(ctx, LabelSqlPattern, pattern.SqlHash,
		map[string]any{"sql_hash": pattern.SqlHash, "sample_sql": pattern.SampleRawSQL, "created_at": now},
		map[string]any{
			"sample_sql":      pattern.SampleRawSQL,
			"execution_count": pattern.ExecutionCount,
			"last_seen_at":    now,
		})

	return err
}

// upsertDataFlowAndGeneratesFlow is steps 3-4. For each column_level_lineage
// entry, every source contributes one DATA_FLOW edge into the target
// column, keyed by (source_fqn, target_fqn, sql_hash); the SqlPattern then
// gets a GENERATES_FLOW edge to that same target, keyed by
// (sql_hash, flow_edge_key) so multiple sources into the same target each
// still produce a distinguishable GENERATES_FLOW edge.
func (b *Builder) upsertDataFlowAndGeneratesFlow(ctx context.Context, gc *graph.Client, doc *extractor.LineageDocument, endpoints *endpointSet, sqlHash, now string) error {
	patternEP := graph.EdgeEndpoint{Label: LabelSqlPattern, FQN: sqlHash}

	for _, cl := range doc.ColumnLevelLineage {
		targetRef := columnLineageTargetRef(cl)
		targetCol, ok := endpoints.columns[columnKey(targetRef.Schema, targetRef.Name, cl.TargetColumn)]
		if !ok {
			return fmt.Errorf("target column %s.%s.%s not materialized", targetRef.Schema, targetRef.Name, cl.TargetColumn)
		}

		targetEdgeEP := graph.EdgeEndpoint{Label: targetCol.Label, FQN: targetCol.FQN}

		for _, src := range cl.Sources {
			var sourceEdgeEP graph.EdgeEndpoint

			if src.SourceColumn != nil {
				srcCol, ok := endpoints.columns[columnKey(src.SourceObject.Schema, src.SourceObject.Name, *src.SourceColumn)]
				if !ok {
					return fmt.Errorf("source column %s.%s.%s not materialized", src.SourceObject.Schema, src.SourceObject.Name, *src.SourceColumn)
				}

				sourceEdgeEP = graph.EdgeEndpoint{Label: srcCol.Label, FQN: srcCol.FQN}
			} else {
				srcObj, ok := endpoints.objects[objectKey(src.SourceObject.Schema, src.SourceObject.Name)]
				if !ok {
					return fmt.Errorf("source object %s.%s not materialized", src.SourceObject.Schema, src.SourceObject.Name)
				}

				sourceEdgeEP = graph.EdgeEndpoint{Label: srcObj.Label, FQN: srcObj.FQN}
			}

			if _, err := gc.UpsertEdge(ctx, EdgeDataFlow, sourceEdgeEP, targetEdgeEP,
				map[string]any{"sql_hash": sqlHash},
				map[string]any{"created_at": now},
				map[string]any{
					"transformation_logic": src.TransformationLogic,
					"derivation_type":      string(cl.DerivationType),
					"last_seen_at":         now,
				}); err != nil {
				return fmt.Errorf("upsert DATA_FLOW %s->%s: %w", sourceEdgeEP.FQN, targetEdgeEP.FQN, err)
			}

			flowEdgeKey := sourceEdgeEP.FQN + "->" + targetEdgeEP.FQN

			if _, err := gc.UpsertEdge(ctx, EdgeGeneratesFlow, patternEP, targetEdgeEP,
				map[string]any{"sql_hash": sqlHash, "flow_edge_key": flowEdgeKey},
				nil,
				map[string]any{"last_seen_at": now}); err != nil {
				return fmt.Errorf("upsert GENERATES_FLOW for %s: %w", flowEdgeKey, err)
			}
		}
	}

	return nil
}

// upsertReferencedObjectEdges is step 5.
func (b *Builder) upsertReferencedObjectEdges(ctx context.Context, gc *graph.Client, doc *extractor.LineageDocument, endpoints *endpointSet, sqlHash, now string) error {
	patternEP := graph.EdgeEndpoint{Label: LabelSqlPattern, FQN: sqlHash}

	for _, ref := range doc.ReferencedObjects {
		ep, ok := endpoints.objects[objectKey(ref.Schema, ref.Name)]
		if !ok {
			return fmt.Errorf("referenced object %s.%s not materialized", ref.Schema, ref.Name)
		}

		edgeType := EdgeReadsFrom
		if ref.AccessMode == extractor.AccessModeWrite {
			edgeType = EdgeWritesTo
		}

		if _, err := gc.UpsertEdge(ctx, edgeType, patternEP, graph.EdgeEndpoint{Label: ep.Label, FQN: ep.FQN},
			nil,
			map[string]any{"created_at": now},
			map[string]any{"last_seen_at": now}); err != nil {
			return fmt.Errorf("upsert %s %s: %w", edgeType, ep.FQN, err)
		}
	}

	return nil
}
