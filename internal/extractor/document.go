// Package extractor implements the LLM Extractor: it assembles a prompt from
// a SqlPattern and its ObjectContext, calls a configured LLM, and validates
// the response into a LineageDocument or a classified failure.
package extractor

// ObjectRef identifies a database object by schema-qualified name and kind.
type ObjectRef struct {
	Schema string     `json:"schema"`
	Name   string     `json:"name"`
	Type   ObjectKind `json:"type"`
}

// ObjectKind enumerates the object kinds a LineageDocument can reference.
type ObjectKind string

// Object kinds. See ObjectKind.
const (
	ObjectKindTable     ObjectKind = "TABLE"
	ObjectKindView      ObjectKind = "VIEW"
	ObjectKindTempTable ObjectKind = "TEMP_TABLE"
)

// AccessMode describes how a referenced object participates in the statement.
type AccessMode string

// Access modes. See AccessMode.
const (
	AccessModeRead  AccessMode = "READ"
	AccessModeWrite AccessMode = "WRITE"
)

// DerivationType classifies how a target column's value derives from its sources.
type DerivationType string

// Derivation types (spec §4.4).
const (
	DerivationDirectMapping  DerivationType = "DIRECT_MAPPING"
	DerivationFunctionCall   DerivationType = "FUNCTION_CALL"
	DerivationAggregation    DerivationType = "AGGREGATION"
	DerivationUnionMerge     DerivationType = "UNION_MERGE"
	DerivationConditionalLog DerivationType = "CONDITIONAL_LOGIC"
	DerivationLiteral        DerivationType = "LITERAL_ASSIGNMENT"
	DerivationExpression     DerivationType = "EXPRESSION"
)

// ColumnSource is one contributing source of a target column's value.
type ColumnSource struct {
	SourceObject        ObjectRef `json:"source_object"`
	SourceColumn        *string   `json:"source_column"` // nil for literals/expressions
	TransformationLogic string    `json:"transformation_logic"`
}

// ColumnLineage describes how one target column's value was derived.
type ColumnLineage struct {
	TargetColumn       string         `json:"target_column"`
	TargetObjectName   string         `json:"target_object_name"`
	TargetObjectSchema string         `json:"target_object_schema"`
	Sources            []ColumnSource `json:"sources"`
	DerivationType     DerivationType `json:"derivation_type"`
}

// LineageDocument is the LLM Extractor's validated output (spec §4.4).
type LineageDocument struct {
	SqlPatternHash     string             `json:"sql_pattern_hash"`
	SourceDatabaseName string             `json:"source_database_name"`
	TargetObject       *ObjectRef         `json:"target_object"` // absent for pure SELECT
	ColumnLevelLineage []ColumnLineage    `json:"column_level_lineage"`
	ReferencedObjects  []ReferencedObject `json:"referenced_objects"`
	ParsingConfidence  float64            `json:"parsing_confidence"`
}

// ReferencedObject is one object touched by the statement, with its access mode.
type ReferencedObject struct {
	Schema     string     `json:"schema"`
	Name       string     `json:"name"`
	Type       ObjectKind `json:"type"`
	AccessMode AccessMode `json:"access_mode"`
}

// noLineageConfidenceFloor is the parsing_confidence below which a document
// is classified COMPLETED_NO_LINEAGE rather than COMPLETED_SUCCESS, even
// though it parsed and validated cleanly (spec §4.4).
const noLineageConfidenceFloor = 0.2

// HasNoLineage reports whether doc should be classified COMPLETED_NO_LINEAGE:
// persisted for audit, but never handed to the graph builder.
func (d *LineageDocument) HasNoLineage() bool {
	return d.ParsingConfidence < noLineageConfidenceFloor ||
		(d.TargetObject != nil && len(d.ColumnLevelLineage) == 0)
}
