// Package lineage builds and converges the lineage side of the property
// graph from each successfully extracted LineageDocument (spec §4.6).
package lineage

// Node labels specific to this builder. Structural object/column labels
// (Table, View, MaterializedView, Column) are shared with
// internal/graphbuild/metadata and referenced from there directly.
const (
	LabelSqlPattern = "SqlPattern"
	LabelTempTable  = "TempTable"
	LabelTempColumn = "TempColumn"
)

// Edge kinds, matching spec §3.
const (
	EdgeDataFlow      = "DATA_FLOW"
	EdgeGeneratesFlow = "GENERATES_FLOW"
	EdgeReadsFrom     = "READS_FROM"
	EdgeWritesTo      = "WRITES_TO"
)
