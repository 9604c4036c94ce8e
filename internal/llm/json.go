package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ParseJSONResponse parses a JSON object from an LLM reply, tolerating
// markdown code fences around it.
func ParseJSONResponse(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("empty response")
	}

	if strings.HasPrefix(text, "```") {
		lines := strings.Split(text, "\n")
		endIdx := len(lines)
		for i := len(lines) - 1; i > 0; i-- {
			if strings.TrimSpace(lines[i]) == "```" {
				endIdx = i
				break
			}
		}
		text = strings.Join(lines[1:endIdx], "\n")
	}

	var result map[string]any
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return nil, fmt.Errorf("parsing llm response as JSON: %w", err)
	}
	if result == nil {
		return nil, errors.New("llm response is not a JSON object")
	}
	return result, nil
}
