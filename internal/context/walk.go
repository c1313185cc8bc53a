package ctxassemble

import (
	pgq "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Tier ranks a candidate object's relevance to the pattern (spec §4.3:
// "appears in SELECT projection > appears in FROM/JOIN > appears only in
// WHERE"). Higher is more relevant.
type Tier int

const (
	TierWhereOnly Tier = iota
	TierFromJoin
	TierProjection
)

type objectRef struct {
	schema string
	name   string
	alias  string
	tier   Tier
}

// collectReferences walks tree and returns one objectRef per distinct
// table/view referenced, each tagged with the highest relevance tier at
// which it was observed. The walk is field-name driven rather than a
// statement-type switch (mirroring the Fingerprinter's generic approach): a
// RangeVar declares a candidate at whatever tier the walk is currently in,
// and a qualified ColumnRef bumps its declaring RangeVar's tier whenever the
// qualifier is used inside a higher-relevance clause.
func collectReferences(tree *pgq.ParseResult) []objectRef {
	c := &collector{byAlias: map[string]*objectRef{}}

	// Two passes: the walk visits target_list before from_clause, so a
	// qualifier's RangeVar is only declared after the first pass; the second
	// pass re-applies every bump against the now-declared references.
	for pass := 0; pass < 2; pass++ {
		for _, stmt := range tree.GetStmts() {
			c.walk(stmt.GetStmt().ProtoReflect(), TierFromJoin)
		}
	}

	refs := make([]objectRef, 0, len(c.order))
	for _, alias := range c.order {
		refs = append(refs, *c.byAlias[alias])
	}

	return refs
}

type collector struct {
	byAlias map[string]*objectRef
	order   []string
}

func (c *collector) declare(schema, name, alias string, tier Tier) {
	key := alias
	if key == "" {
		key = name
	}

	if existing, ok := c.byAlias[key]; ok {
		if tier > existing.tier {
			existing.tier = tier
		}

		return
	}

	c.byAlias[key] = &objectRef{schema: schema, name: name, alias: alias, tier: tier}
	c.order = append(c.order, key)
}

func (c *collector) bump(alias string, tier Tier) {
	if existing, ok := c.byAlias[alias]; ok && tier > existing.tier {
		existing.tier = tier
	}
}

// fieldTier returns the relevance tier a nested message should inherit based
// on the field it was reached through; ok is false when the nested message
// keeps the parent's tier.
func fieldTier(fieldName string) (Tier, bool) {
	switch fieldName {
	case "target_list", "returning_list":
		return TierProjection, true
	case "where_clause", "having_clause":
		return TierWhereOnly, true
	default:
		return 0, false
	}
}

func (c *collector) walk(m protoreflect.Message, tier Tier) {
	if m == nil || !m.IsValid() {
		return
	}

	switch concrete := m.Interface().(type) {
	case *pgq.RangeVar:
		alias := ""
		if a := concrete.GetAlias(); a != nil {
			alias = a.GetAliasname()
		}

		c.declare(concrete.GetSchemaname(), concrete.GetRelname(), alias, tier)

		return
	case *pgq.ColumnRef:
		if qualifier, ok := columnQualifier(concrete); ok {
			c.bump(qualifier, tier)
		}

		return
	}

	m.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		if fd.Kind() != protoreflect.MessageKind {
			return true
		}

		childTier := tier
		if t, ok := fieldTier(string(fd.Name())); ok {
			childTier = t
		}

		if fd.IsList() {
			list := v.List()
			for i := 0; i < list.Len(); i++ {
				c.walk(list.Get(i).Message(), childTier)
			}

			return true
		}

		c.walk(v.Message(), childTier)

		return true
	})
}

// columnQualifier returns the table/alias qualifier of a two-or-more part
// column reference (e.g. "o.customer_id" -> "o"), or false for a bare
// column name.
func columnQualifier(ref *pgq.ColumnRef) (string, bool) {
	fields := ref.GetFields()
	if len(fields) < 2 { //nolint:mnd // "qualified" means at least qualifier+column
		return "", false
	}

	str, ok := fields[0].GetNode().(*pgq.Node_String_)
	if !ok {
		return "", false
	}

	return str.String_.GetSval(), true
}
