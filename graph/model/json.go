package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoJSON is returned by DecodeJSON when the text holds no JSON object.
var ErrNoJSON = errors.New("no JSON object in model output")

// DecodeJSON unmarshals the first JSON object found in text into v.
//
// Models often wrap JSON in markdown fences or surround it with prose, so
// fences are stripped and, failing a direct parse, the outermost {...} span is
// tried.
func DecodeJSON(text string, v any) error {
	content := strings.TrimSpace(text)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	if err := json.Unmarshal([]byte(content), v); err == nil {
		return nil
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end <= start {
		return ErrNoJSON
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), v); err != nil {
		return fmt.Errorf("invalid JSON in model output: %w", err)
	}
	return nil
}
