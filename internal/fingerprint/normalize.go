package fingerprint

import (
	pgq "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// stripLiterals walks every node reachable from root, replacing each literal
// constant with a typed placeholder (:str, :num, :bool) and collapsing
// constant-only IN (...) lists to a single element, regardless of how deeply
// the literal is nested (CTEs, subqueries, window function arguments, and
// lateral joins all reach this walk the same way — there is no per-statement
// type switch to keep in sync as new SQL constructs are added).
//
// NULL literals are left untouched: Deparse already re-emits them as the
// uniform keyword NULL, which is already a stable, typed placeholder in
// effect.
func stripLiterals(root protoreflect.Message) {
	walk(root)
}

func walk(m protoreflect.Message) {
	if m == nil || !m.IsValid() {
		return
	}

	switch concrete := m.Interface().(type) {
	case *pgq.A_Const:
		replaceConst(concrete)

		return
	case *pgq.A_Expr:
		if concrete.GetKind() == pgq.A_Expr_Kind_AEXPR_IN {
			collapseInList(concrete)
		}
	}

	m.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		if fd.Kind() != protoreflect.MessageKind {
			return true
		}

		if fd.IsList() {
			list := v.List()
			for i := 0; i < list.Len(); i++ {
				walk(list.Get(i).Message())
			}

			return true
		}

		walk(v.Message())

		return true
	})
}

// replaceConst overwrites a literal's value with a typed placeholder,
// preserving its surface as a (now synthetic) string constant so Deparse
// still produces valid, stable SQL text.
func replaceConst(c *pgq.A_Const) {
	if c.GetIsnull() {
		return
	}

	var placeholder string

	switch c.GetVal().(type) {
	case *pgq.A_Const_Ival, *pgq.A_Const_Fval:
		placeholder = ":num"
	case *pgq.A_Const_Boolval:
		placeholder = ":bool"
	case *pgq.A_Const_Sval, *pgq.A_Const_Bsval:
		placeholder = ":str"
	default:
		placeholder = ":str"
	}

	c.Val = &pgq.A_Const_Sval{Sval: &pgq.String{Sval: placeholder}}
}

// collapseInList reduces a constant-only IN (...) list to its first element
// so that `IN (1, 2, 3)` and `IN (1, 2, 3, 4, 5)` normalize identically
// (spec §4.1). Lists containing anything other than literals (subqueries,
// column refs, function calls) are left alone.
func collapseInList(expr *pgq.A_Expr) {
	listWrap, ok := expr.GetRexpr().GetNode().(*pgq.Node_List)
	if !ok || listWrap.List == nil {
		return
	}

	items := listWrap.List.GetItems()
	if len(items) <= 1 {
		return
	}

	for _, item := range items {
		if _, ok := item.GetNode().(*pgq.Node_AConst); !ok {
			return
		}
	}

	listWrap.List.Items = items[:1]
}
