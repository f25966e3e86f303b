package agent

import (
	"encoding/json"
	"strings"

	"goa.design/scout/scout"
)

// parseReport parses the model's final message into a structured report.
// Models wrap JSON in markdown fences or append trailing prose often enough
// that the parser strips common fences and truncates to the last closing
// brace before decoding. A message that still fails to parse is coerced into
// an insufficient_data report carrying the raw text, never rejected.
func parseReport(raw string) scout.Report {
	cleaned := stripFences(raw)
	if idx := strings.LastIndex(cleaned, "}"); idx >= 0 {
		cleaned = cleaned[:idx+1]
	}
	var report scout.Report
	if err := json.Unmarshal([]byte(cleaned), &report); err != nil {
		return scout.Report{
			TaskCompleted: false,
			TaskStatus:    scout.TaskInsufficientData,
			Response:      raw,
		}
	}
	if !validTaskStatus(report.TaskStatus) {
		report.TaskStatus = scout.TaskInsufficientData
		report.TaskCompleted = false
	}
	return report
}

func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func validTaskStatus(status scout.TaskStatus) bool {
	switch status {
	case scout.TaskCompleted, scout.TaskPartial, scout.TaskNotFound, scout.TaskInsufficientData:
		return true
	}
	return false
}
