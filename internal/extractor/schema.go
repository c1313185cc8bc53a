package extractor

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schema.json
var lineageDocumentSchemaJSON []byte

const lineageDocumentSchemaResource = "lineage-document.json"

func compileLineageDocumentSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource(lineageDocumentSchemaResource, strings.NewReader(string(lineageDocumentSchemaJSON))); err != nil {
		return nil, fmt.Errorf("add lineage document schema resource: %w", err)
	}

	schema, err := compiler.Compile(lineageDocumentSchemaResource)
	if err != nil {
		return nil, fmt.Errorf("compile lineage document schema: %w", err)
	}

	return schema, nil
}
