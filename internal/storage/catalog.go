package storage

import "database/sql"

// ObjectType enumerates the catalog object kinds a statement can read from or
// write to.
type ObjectType string

// Object type values. See ObjectType.
const (
	ObjectTypeTable            ObjectType = "TABLE"
	ObjectTypeView             ObjectType = "VIEW"
	ObjectTypeMaterializedView ObjectType = "MATERIALIZED_VIEW"
	ObjectTypeTempTable        ObjectType = "TEMP_TABLE"
)

// DataSource holds the identity of an external PostgreSQL instance being
// monitored (spec §3). Connection credentials live with the catalog
// collector; this pipeline only reads the display fields it needs to label
// graph nodes and logs.
type DataSource struct {
	ID              int64
	Name            string
	RetrievalMethod string
}

// ObjectMetadata is a catalog object (table, view, materialized view) as
// reported by the external catalog collector. Keyed by
// (SourceID, Database, Schema, Name, ObjectType).
type ObjectMetadata struct {
	ID               int64
	SourceID         int64
	Database         string
	Schema           string
	Name             string
	ObjectType       ObjectType
	Owner            string
	Description      sql.NullString
	DefinitionSQL    sql.NullString // view / materialized view body
	RowCountEstimate sql.NullInt64
	Properties       []byte // JSONB blob, opaque to this pipeline
}

// ColumnMetadata is one column of an ObjectMetadata row. Keyed by
// (ObjectID, ColumnName).
type ColumnMetadata struct {
	ObjectID       int64
	ColumnName     string
	Ordinal        int
	DataType       string
	Nullable       bool
	DefaultValue   sql.NullString
	IsPrimaryKey   bool
	IsUnique       bool
	FKTargetSchema sql.NullString
	FKTargetTable  sql.NullString
	FKTargetColumn sql.NullString
	Description    sql.NullString
}

// FunctionMetadata is a catalog function/procedure. Keyed by
// (SourceID, Database, Schema, Name, FunctionType, ParameterTypeList).
type FunctionMetadata struct {
	ID                int64
	SourceID          int64
	Database          string
	Schema            string
	Name              string
	FunctionType      string
	ParameterTypeList string
	ReturnType        string
	ParameterList     string
	BodySQL           sql.NullString
	Language          string
	Description       sql.NullString
}
