package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/menta2k/ar-target/pkg/types"
)

// ErrNoJSON is returned when a model answer holds no JSON object.
var ErrNoJSON = errors.New("client: no JSON object in model response")

var (
	blockComment  = regexp.MustCompile(`(?s)/\*.*?\*/`)
	lineComment   = regexp.MustCompile(`(?m)^\s*//.*$`)
	inlineComment = regexp.MustCompile(`(?m)\s//.*$`)
	trailingComma = regexp.MustCompile(`,(\s*[}\]])`)
)

// SanitizeJSON strips code fences, comments and trailing commas from a model
// answer and keeps the outermost object.
func SanitizeJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.Trim(strings.TrimSpace(raw), "`")

	raw = blockComment.ReplaceAllString(raw, "")
	raw = lineComment.ReplaceAllString(raw, "")
	raw = inlineComment.ReplaceAllString(raw, "")
	raw = trailingComma.ReplaceAllString(raw, "$1")

	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}

// ParseAnalysis decodes a subject answer.
func ParseAnalysis(raw string) (*types.AnalysisResult, error) {
	clean := SanitizeJSON(raw)
	if !strings.HasPrefix(clean, "{") {
		return nil, fmt.Errorf("%w: %.80q", ErrNoJSON, raw)
	}
	var result types.AnalysisResult
	if err := json.Unmarshal([]byte(clean), &result); err != nil {
		return nil, fmt.Errorf("failed to decode subject: %w", err)
	}
	return &result, nil
}
