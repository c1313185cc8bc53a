package extractor

import (
	"fmt"
	"strings"

	"github.com/lumigraph/lumigraph/internal/context"
)

const systemPromptTemplate = `You are a database lineage analyst. Given a single SQL statement and
metadata about the objects it touches, determine its column-level data
lineage.

Respond with exactly one JSON object matching this schema, and nothing else:

%s

Rules:
- sql_pattern_hash must equal the hash given with the statement.
- target_object is present only if the statement writes to a table, view, or
  temp table; omit it entirely for a pure SELECT.
- Every column in column_level_lineage must trace back to at least one
  concrete source column, a literal, or an expression; use
  transformation_logic to describe any function, cast, or expression applied.
- parsing_confidence reflects your certainty in the lineage you produced, not
  whether the SQL is valid.
- Do not wrap the JSON in markdown, and do not include commentary.`

func buildSystemPrompt(schemaJSON string) string {
	return fmt.Sprintf(systemPromptTemplate, schemaJSON)
}

func buildUserPrompt(sqlHash, sourceDatabaseName, sampleSQL string, assembled *ctxassemble.AssembledContext, validationError string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "sql_pattern_hash: %s\n", sqlHash)
	fmt.Fprintf(&b, "source_database_name: %s\n\n", sourceDatabaseName)
	b.WriteString("SQL:\n")
	b.WriteString(sampleSQL)
	b.WriteString("\n\n")

	if assembled != nil && len(assembled.Objects) > 0 {
		b.WriteString("Known objects:\n")

		for _, obj := range assembled.Objects {
			writeObjectContext(&b, obj)
		}
	}

	if validationError != "" {
		fmt.Fprintf(&b, "\nYour previous response failed validation: %s\nRespond again with a corrected JSON object.\n", validationError)
	}

	return b.String()
}

func writeObjectContext(b *strings.Builder, obj ctxassemble.ObjectContext) {
	name := obj.Name
	if obj.Schema != "" {
		name = obj.Schema + "." + obj.Name
	}

	if obj.Unresolved {
		fmt.Fprintf(b, "- %s: not found in catalog\n", name)
		return
	}

	fmt.Fprintf(b, "- %s", name)

	if len(obj.Columns) > 0 {
		names := make([]string, len(obj.Columns))
		for i, col := range obj.Columns {
			names[i] = fmt.Sprintf("%s %s", col.Name, col.DataType)
		}

		fmt.Fprintf(b, " (%s)", strings.Join(names, ", "))
	}

	b.WriteString("\n")

	if obj.DefinitionSQL != "" {
		fmt.Fprintf(b, "  definition: %s\n", obj.DefinitionSQL)
	}
}
