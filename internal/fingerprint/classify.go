package fingerprint

import (
	pgq "github.com/pganalyze/pg_query_go/v6"
)

// classify returns a non-empty rejection reason for statements that carry no
// data-flow lineage (spec §4.1): SET, SHOW, VACUUM, ANALYZE, and transaction
// control. CREATE VIEW / CREATE MATERIALIZED VIEW / CREATE TABLE AS are
// data-flow statements and fall through to the default case.
func classify(node *pgq.Node) string {
	switch node.GetNode().(type) {
	case *pgq.Node_VariableSetStmt:
		return "set_statement"
	case *pgq.Node_VariableShowStmt:
		return "show_statement"
	case *pgq.Node_VacuumStmt:
		return "vacuum_or_analyze"
	case *pgq.Node_TransactionStmt:
		return "transaction_control"
	case *pgq.Node_DiscardStmt:
		return "discard_statement"
	case *pgq.Node_ListenStmt, *pgq.Node_NotifyStmt, *pgq.Node_UnlistenStmt:
		return "notify_listen"
	case *pgq.Node_CheckPointStmt:
		return "checkpoint"
	default:
		return ""
	}
}
