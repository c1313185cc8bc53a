// Package context implements the Context Assembler: given a SqlPattern, it
// walks the sample SQL's parse tree to find every object it touches, resolves
// each against catalog metadata, and packs the result into a compact prompt
// context sized to an LLM's token budget.
package ctxassemble

import (
	"context"
	"errors"
	"fmt"
	"sort"

	pgq "github.com/pganalyze/pg_query_go/v6"

	"github.com/lumigraph/lumigraph/internal/catalog"
	"github.com/lumigraph/lumigraph/internal/storage"
)

// ErrContextTooLarge is returned when even the single most-relevant object
// would not fit inside the token budget.
var ErrContextTooLarge = errors.New("context exceeds token budget")

// ColumnInfo is one column surfaced for an object in the assembled context.
type ColumnInfo struct {
	Name        string
	DataType    string
	Nullable    bool
	Description string
}

// ObjectContext is one candidate object reference, resolved (or not) against
// catalog metadata.
type ObjectContext struct {
	Schema        string
	Name          string
	Unresolved    bool
	Relevance     Tier
	Columns       []ColumnInfo
	DefinitionSQL string // populated for views and materialized views; functions are not looked up
}

// AssembledContext is the Context Assembler's output (spec §4.3).
type AssembledContext struct {
	SampleSQL string
	Objects   []ObjectContext
	Dropped   []string // FQNs dropped to fit the token budget, for observability
}

// Assembler builds AssembledContext values for SqlPattern rows.
type Assembler struct {
	reader      catalog.Reader
	tokenBudget int
}

// New builds an Assembler. tokenBudget is a rough character-based proxy for
// the LLM's token budget (spec §4.3 "cap context size ... to fit the LLM's
// token budget"); the extractor package is responsible for the real token
// count against its chosen model, this package only needs a stable,
// deterministic ordering to drop from.
func New(reader catalog.Reader, tokenBudget int) *Assembler {
	return &Assembler{reader: reader, tokenBudget: tokenBudget}
}

// charsPerToken approximates the token:character ratio for English/SQL text
// well enough to budget context size without depending on a specific
// tokenizer (spec §4.3 doesn't mandate one; the LLM Extractor owns exact
// accounting at call time).
const charsPerToken = 4

// Assemble builds the prompt context for pattern, resolving unqualified
// identifiers against searchPath (ordered schema names, first match wins).
func (a *Assembler) Assemble(ctx context.Context, pattern *storage.SqlPattern, sourceID int64, searchPath []string) (*AssembledContext, error) {
	tree, err := pgq.Parse(pattern.SampleRawSQL)
	if err != nil {
		return nil, fmt.Errorf("context assembly: sample SQL no longer parses for %s: %w", pattern.SqlHash, err)
	}

	refs := collectReferences(tree)

	objects := make([]ObjectContext, 0, len(refs))

	for _, ref := range refs {
		obj, err := a.resolve(ctx, ref, sourceID, pattern.SourceDatabaseName, searchPath)
		if err != nil {
			return nil, err
		}

		objects = append(objects, obj)
	}

	assembled := &AssembledContext{SampleSQL: pattern.SampleRawSQL, Objects: objects}

	return a.fitToBudget(assembled)
}

func (a *Assembler) resolve(
	ctx context.Context,
	ref objectRef,
	sourceID int64,
	database string,
	searchPath []string,
) (ObjectContext, error) {
	out := ObjectContext{Schema: ref.schema, Name: ref.name, Relevance: ref.tier}

	var (
		meta *storage.ObjectMetadata
		err  error
	)

	if ref.schema != "" {
		meta, err = a.reader.FindObject(ctx, sourceID, database, []string{ref.schema}, ref.name)
	} else {
		meta, err = a.reader.FindObject(ctx, sourceID, database, searchPath, ref.name)
	}

	if err != nil {
		return out, fmt.Errorf("%w: resolve %s.%s: %w", catalog.ErrCatalogReadFailed, ref.schema, ref.name, err)
	}

	if meta == nil {
		out.Unresolved = true

		return out, nil
	}

	out.Schema = meta.Schema
	out.Name = meta.Name

	columns, err := a.reader.ColumnsFor(ctx, meta.ID)
	if err != nil {
		return out, fmt.Errorf("%w: columns for %s.%s: %w", catalog.ErrCatalogReadFailed, meta.Schema, meta.Name, err)
	}

	out.Columns = make([]ColumnInfo, len(columns))
	for i, col := range columns {
		out.Columns[i] = ColumnInfo{
			Name:        col.ColumnName,
			DataType:    col.DataType,
			Nullable:    col.Nullable,
			Description: col.Description.String,
		}
	}

	if meta.ObjectType == storage.ObjectTypeView || meta.ObjectType == storage.ObjectTypeMaterializedView {
		out.DefinitionSQL = meta.DefinitionSQL.String
	}

	return out, nil
}

// fitToBudget drops the least-relevant objects until the assembled context's
// approximate size fits the token budget (spec §4.3). Objects are dropped
// whole (never partially) and ties break by stable input order so output is
// deterministic for identical input.
func (a *Assembler) fitToBudget(assembled *AssembledContext) (*AssembledContext, error) {
	if a.tokenBudget <= 0 {
		return assembled, nil
	}

	ordered := make([]int, len(assembled.Objects))
	for i := range ordered {
		ordered[i] = i
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		return assembled.Objects[ordered[i]].Relevance > assembled.Objects[ordered[j]].Relevance
	})

	budget := a.tokenBudget * charsPerToken
	size := len(assembled.SampleSQL)

	kept := make([]ObjectContext, 0, len(ordered))

	for _, idx := range ordered {
		obj := assembled.Objects[idx]

		cost := objectContextSize(obj)
		if size+cost > budget {
			if len(kept) == 0 {
				return nil, fmt.Errorf("%w: single most-relevant object %s.%s alone exceeds budget",
					ErrContextTooLarge, obj.Schema, obj.Name)
			}

			assembled.Dropped = append(assembled.Dropped, fqn(obj))

			continue
		}

		size += cost

		kept = append(kept, obj)
	}

	assembled.Objects = kept

	return assembled, nil
}

func objectContextSize(obj ObjectContext) int {
	size := len(obj.Schema) + len(obj.Name) + len(obj.DefinitionSQL)
	for _, col := range obj.Columns {
		size += len(col.Name) + len(col.DataType) + len(col.Description)
	}

	return size
}

func fqn(obj ObjectContext) string {
	if obj.Schema == "" {
		return obj.Name
	}

	return obj.Schema + "." + obj.Name
}
