package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ParseStructured decodes a model reply into the expected schema. Models
// wrap JSON in markdown fences and produce near-JSON with trailing commas
// or unquoted keys, so the raw text is tried strictly first and repaired
// only when that fails.
func ParseStructured[T any](content string) (*T, error) {
	raw := ExtractJSON(content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON found in response")
	}

	var out T
	if err := json.Unmarshal([]byte(raw), &out); err == nil {
		return &out, nil
	}

	repaired, repairErr := jsonrepair.JSONRepair(raw)
	if repairErr != nil {
		return nil, fmt.Errorf("response is not valid JSON and could not be repaired: %w", repairErr)
	}
	if err := json.Unmarshal([]byte(repaired), &out); err != nil {
		return nil, fmt.Errorf("repaired JSON does not match expected schema: %w", err)
	}
	return &out, nil
}

// ExtractJSON strips markdown code fences and surrounding prose, returning
// the first top-level JSON object or array in the text.
func ExtractJSON(content string) string {
	s := strings.TrimSpace(content)

	if idx := strings.Index(s, "```"); idx >= 0 {
		rest := s[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		rest = strings.TrimPrefix(rest, "JSON")
		if end := strings.Index(rest, "```"); end >= 0 {
			s = strings.TrimSpace(rest[:end])
		} else {
			s = strings.TrimSpace(rest)
		}
	}

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	opener := s[start]
	var closer byte = '}'
	if opener == '[' {
		closer = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case opener:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	// Unbalanced: return the tail and let the repairer try.
	return s[start:]
}
