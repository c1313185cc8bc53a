package extractor

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ctxassemble "github.com/lumigraph/lumigraph/internal/context"
	"github.com/lumigraph/lumigraph/internal/storage"
)

// emptyReader is a catalog.Reader that never resolves anything — sufficient
// for tests that only exercise the LLM round-trip, not catalog resolution.
type emptyReader struct{}

func (emptyReader) FindObject(context.Context, int64, string, []string, string) (*storage.ObjectMetadata, error) {
	return nil, nil //nolint:nilnil // unresolved is valid
}

func (emptyReader) ColumnsFor(context.Context, int64) ([]*storage.ColumnMetadata, error) {
	return nil, nil
}

func (emptyReader) DefinitionFor(context.Context, int64, string, string, string) (string, bool, error) {
	return "", false, nil
}

func (emptyReader) FunctionsFor(context.Context, int64) ([]*storage.FunctionMetadata, error) {
	return nil, nil
}

func (emptyReader) ObjectsFor(context.Context, int64) ([]*storage.ObjectMetadata, error) {
	return nil, nil
}

func (emptyReader) DataSources(context.Context) ([]*storage.DataSource, error) {
	return nil, nil
}

// scriptedClient returns one response per call, in order.
type scriptedClient struct {
	responses []string
	errs      []error
	calls     int
}

func (c *scriptedClient) Complete(context.Context, CompletionRequest) (string, error) {
	i := c.calls
	c.calls++

	var err error

	switch {
	case i < len(c.errs):
		err = c.errs[i]
	case len(c.errs) > 0 && len(c.responses) == 0:
		// no response script at all: keep returning the last scripted error
		err = c.errs[len(c.errs)-1]
	}

	if i < len(c.responses) {
		return c.responses[i], err
	}

	if len(c.responses) > 0 {
		return c.responses[len(c.responses)-1], err
	}

	return "", err
}

func newTestExtractor(t *testing.T, client Client) *Extractor {
	t.Helper()

	assembler := ctxassemble.New(emptyReader{}, 0)
	limiter := NewLimiter(LimiterConfig{MaxConcurrency: 2, RequestsPerMinute: 6000, TokensPerMinute: 10_000_000})

	return New(client, limiter, assembler, nil, 1, []string{"public"}, 0)
}

const validLineageJSON = `{
  "sql_pattern_hash": "abc123",
  "source_database_name": "analytics_db",
  "target_object": {"schema": "public", "name": "orders_summary", "type": "TABLE"},
  "column_level_lineage": [
    {
      "target_column": "total",
      "target_object_name": "orders_summary",
      "target_object_schema": "public",
      "sources": [
        {"source_object": {"schema": "public", "name": "orders", "type": "TABLE"}, "source_column": "amount", "transformation_logic": "sum(amount)"}
      ],
      "derivation_type": "AGGREGATION"
    }
  ],
  "referenced_objects": [
    {"schema": "public", "name": "orders", "type": "TABLE", "access_mode": "READ"},
    {"schema": "public", "name": "orders_summary", "type": "TABLE", "access_mode": "WRITE"}
  ],
  "parsing_confidence": 0.95
}`

func TestExtract_ValidFirstResponseSucceeds(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	e := newTestExtractor(t, &scriptedClient{responses: []string{validLineageJSON}})

	pattern := &storage.SqlPattern{SqlHash: "abc123", SampleRawSQL: "SELECT 1", SourceDatabaseName: "analytics_db"}

	doc, status, err := e.extract(context.Background(), pattern)
	require.NoError(t, err)
	assert.Equal(t, storage.LLMStatusCompletedSuccess, status)
	require.NotNil(t, doc)
	assert.Equal(t, "abc123", doc.SqlPatternHash)
}

func TestExtract_LowConfidenceClassifiedNoLineage(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	lowConfidence := `{
		"sql_pattern_hash": "abc123",
		"source_database_name": "analytics_db",
		"column_level_lineage": [],
		"referenced_objects": [],
		"parsing_confidence": 0.05
	}`

	e := newTestExtractor(t, &scriptedClient{responses: []string{lowConfidence}})
	pattern := &storage.SqlPattern{SqlHash: "abc123", SampleRawSQL: "SELECT 1", SourceDatabaseName: "analytics_db"}

	doc, status, err := e.extract(context.Background(), pattern)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, storage.LLMStatusCompletedNoLineage, status)
}

func TestExtract_InvalidJSONRepromptsThenSucceeds(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	client := &scriptedClient{responses: []string{"not json at all", validLineageJSON}}
	e := newTestExtractor(t, client)

	pattern := &storage.SqlPattern{SqlHash: "abc123", SampleRawSQL: "SELECT 1", SourceDatabaseName: "analytics_db"}

	doc, status, err := e.extract(context.Background(), pattern)
	require.NoError(t, err)
	assert.Equal(t, storage.LLMStatusCompletedSuccess, status)
	require.NotNil(t, doc)
	assert.Equal(t, 2, client.calls)
}

func TestExtract_ExhaustsRepromptsThenFailsParse(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	client := &scriptedClient{responses: []string{"garbage", "garbage", "garbage"}}
	e := newTestExtractor(t, client)

	pattern := &storage.SqlPattern{SqlHash: "abc123", SampleRawSQL: "SELECT 1", SourceDatabaseName: "analytics_db"}

	doc, status, err := e.extract(context.Background(), pattern)
	require.Error(t, err)
	assert.Nil(t, doc)
	assert.Equal(t, storage.LLMStatusFailedParse, status)
	assert.Equal(t, maxReprompts+1, client.calls)
}

func TestExtract_TransportErrorClassifiedFailedLLM(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	client := &scriptedClient{errs: []error{fmt.Errorf("%w: connection refused", ErrTransport)}}
	e := newTestExtractor(t, client)

	pattern := &storage.SqlPattern{SqlHash: "abc123", SampleRawSQL: "SELECT 1", SourceDatabaseName: "analytics_db"}

	doc, status, err := e.extract(context.Background(), pattern)
	require.Error(t, err)
	assert.Nil(t, doc)
	assert.Equal(t, storage.LLMStatusFailedLLM, status)
}

func TestExtract_HashMismatchTreatedAsValidationFailure(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	mismatched := `{
		"sql_pattern_hash": "wrong-hash",
		"source_database_name": "analytics_db",
		"column_level_lineage": [],
		"referenced_objects": [],
		"parsing_confidence": 0.9
	}`

	client := &scriptedClient{responses: []string{mismatched, mismatched, mismatched}}
	e := newTestExtractor(t, client)

	pattern := &storage.SqlPattern{SqlHash: "abc123", SampleRawSQL: "SELECT 1", SourceDatabaseName: "analytics_db"}

	_, status, err := e.extract(context.Background(), pattern)
	require.Error(t, err)
	assert.Equal(t, storage.LLMStatusFailedParse, status)
}
