package extractor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONObject_PlainObject(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	out, err := extractJSONObject(`{"a": 1}`)
	require.NoError(t, err)
	assert.Equal(t, `{"a": 1}`, out)
}

func TestExtractJSONObject_StripsFencedCodeBlock(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	out, err := extractJSONObject("```json\n{\"a\": 1}\n```")
	require.NoError(t, err)
	assert.Equal(t, `{"a": 1}`, out)
}

func TestExtractJSONObject_IgnoresLeadingProseAndTrailingNotes(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	out, err := extractJSONObject("Here is the result:\n{\"a\": {\"b\": 2}}\nLet me know if you need anything else.")
	require.NoError(t, err)
	assert.Equal(t, `{"a": {"b": 2}}`, out)
}

func TestExtractJSONObject_BracesInsideStringDoNotConfuseDepth(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	out, err := extractJSONObject(`{"note": "a { b } c"}`)
	require.NoError(t, err)
	assert.Equal(t, `{"note": "a { b } c"}`, out)
}

func TestExtractJSONObject_EscapedQuoteInsideStringDoesNotEndString(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	out, err := extractJSONObject(`{"note": "she said \"hi { there\""}`)
	require.NoError(t, err)
	assert.Equal(t, `{"note": "she said \"hi { there\""}`, out)
}

func TestExtractJSONObject_NoObjectReturnsError(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, err := extractJSONObject("no json here")
	assert.ErrorIs(t, err, ErrNoJSONObject)
}

func TestExtractJSONObject_UnbalancedBracesReturnsError(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, err := extractJSONObject(`{"a": 1`)
	assert.ErrorIs(t, err, ErrNoJSONObject)
}
