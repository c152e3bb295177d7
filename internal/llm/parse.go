// internal/llm/parse.go
package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

var (
	// Regex definitions use \x60 (hex representation) for backticks because Go raw strings cannot contain backticks.

	// jsonObjectRegex extracts a JSON object if the response is wrapped in markdown.
	jsonObjectRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*({.*})\\s*\x60\x60\x60")
	// jsonArrayRegex extracts a JSON array if the response is wrapped in markdown.
	jsonArrayRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*(\\[.*\\])\\s*\x60\x60\x60")
)

// ExtractJSON pulls a JSON document out of free-form model output. It handles
// the common failure modes in order: markdown code fences, JSON embedded in
// conversational text, and syntactically broken JSON (repaired with
// jsonrepair). The result is guaranteed to be valid JSON.
func ExtractJSON(response string) (json.RawMessage, error) {
	response = strings.TrimSpace(response)
	if response == "" {
		return nil, fmt.Errorf("empty model response")
	}

	candidate := response

	isObject := strings.Contains(response, "{")
	isArray := strings.Contains(response, "[")
	if !isObject && !isArray {
		return nil, fmt.Errorf("no JSON structure in model response: %s", truncateString(response, 120))
	}

	if strings.Contains(response, "```") {
		var matches []string
		if isObject {
			matches = jsonObjectRegex.FindStringSubmatch(response)
		}
		if len(matches) <= 1 && isArray {
			matches = jsonArrayRegex.FindStringSubmatch(response)
		}
		if len(matches) > 1 {
			candidate = matches[1]
		}
	} else if (isObject || isArray) && !strings.HasPrefix(response, "{") && !strings.HasPrefix(response, "[") {
		// The structure is buried in surrounding prose. Take the widest
		// bracket span and let the repair pass clean up the edges.
		if span, ok := bracketSpan(response, "{", "}"); ok {
			candidate = span
		} else if span, ok := bracketSpan(response, "[", "]"); ok {
			candidate = span
		}
	}

	candidate = strings.TrimSpace(candidate)
	if json.Valid([]byte(candidate)) {
		return json.RawMessage(candidate), nil
	}

	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return nil, fmt.Errorf("repair JSON: %w (extracted: %s)", err, truncateString(candidate, 300))
	}
	repaired = strings.TrimSpace(repaired)
	// The repair library quotes bare prose into a JSON string. Only documents
	// are useful upstream, so anything else still counts as a failure.
	if !strings.HasPrefix(repaired, "{") && !strings.HasPrefix(repaired, "[") {
		return nil, fmt.Errorf("no JSON document in model response: %s", truncateString(response, 120))
	}
	if !json.Valid([]byte(repaired)) {
		return nil, fmt.Errorf("repaired output is still not valid JSON (extracted: %s)", truncateString(candidate, 300))
	}
	return json.RawMessage(repaired), nil
}

// ParseResponse extracts and unmarshals an LLM response into a target Go type.
func ParseResponse[T any](response string) (*T, error) {
	raw, err := ExtractJSON(response)
	if err != nil {
		return nil, err
	}
	var result T
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal LLM JSON response: %w (extracted: %s)", err, truncateString(string(raw), 300))
	}
	return &result, nil
}

// bracketSpan returns the widest substring from the first open bracket to the
// last close bracket, when both exist in order.
func bracketSpan(s, open, close string) (string, bool) {
	first := strings.Index(s, open)
	last := strings.LastIndex(s, close)
	if first == -1 || last == -1 || last <= first {
		return "", false
	}
	return s[first : last+len(close)], true
}

// truncateString truncates a string to a maximum length for error messages.
func truncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
