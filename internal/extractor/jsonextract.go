package extractor

import (
	"errors"
	"strings"
)

// ErrNoJSONObject is returned when a model response contains no balanced
// JSON object to extract.
var ErrNoJSONObject = errors.New("response contains no JSON object")

// extractJSONObject strips an optional fenced code block (```json ... ``` or
// ``` ... ```) and returns the first balanced {...} object in what remains
// (spec §4.4: "Extract the first JSON object from the response (stripping
// any fenced code wrapper)").
func extractJSONObject(response string) (string, error) {
	body := stripFence(response)

	start := strings.IndexByte(body, '{')
	if start == -1 {
		return "", ErrNoJSONObject
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(body); i++ {
		c := body[i]

		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// inside a string literal, braces don't count
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return body[start : i+1], nil
			}
		}
	}

	return "", ErrNoJSONObject
}

// stripFence removes a single leading/trailing markdown code fence, if
// present, keeping only its body.
func stripFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}

	trimmed = strings.TrimPrefix(trimmed, "```")
	if newline := strings.IndexByte(trimmed, '\n'); newline != -1 {
		// drop an optional language tag on the fence's opening line (e.g. "json")
		trimmed = trimmed[newline+1:]
	}

	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")

	return strings.TrimSpace(trimmed)
}
