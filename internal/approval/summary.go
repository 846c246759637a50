package approval

import (
	"encoding/json"
	"path/filepath"
)

const defaultSummaryMaxLen = 80

// summaryField maps a tool name to the input field that best describes what
// the tool is about to do.
type summaryField struct {
	Field       string
	ShortenPath bool
	MaxLen      int
}

var summaryFields = map[string]summaryField{
	"Read":      {Field: "file_path", ShortenPath: true},
	"Edit":      {Field: "file_path", ShortenPath: true},
	"Write":     {Field: "file_path", ShortenPath: true},
	"Glob":      {Field: "pattern"},
	"Grep":      {Field: "pattern", MaxLen: 40},
	"Bash":      {Field: "command", MaxLen: 60},
	"WebFetch":  {Field: "url", MaxLen: 60},
	"WebSearch": {Field: "query"},
	"Task":      {Field: "description"},
}

// SummarizeInput renders a short human-readable description of a tool call
// for the approval prompt.
func SummarizeInput(tool string, input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var inputMap map[string]any
	if err := json.Unmarshal(input, &inputMap); err != nil {
		return ""
	}
	if cfg, ok := summaryFields[tool]; ok {
		if value, exists := inputMap[cfg.Field].(string); exists {
			if cfg.ShortenPath {
				value = filepath.Base(value)
			}
			maxLen := cfg.MaxLen
			if maxLen == 0 {
				maxLen = defaultSummaryMaxLen
			}
			return truncate(value, maxLen)
		}
	}
	// Default: first string value found.
	for _, v := range inputMap {
		if s, ok := v.(string); ok && s != "" {
			return truncate(s, defaultSummaryMaxLen)
		}
	}
	return ""
}

func truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
