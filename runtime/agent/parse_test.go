package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"goa.design/scout/scout"
)

func TestParseReport(t *testing.T) {
	t.Run("plain json", func(t *testing.T) {
		report := parseReport(`{"taskCompleted":true,"taskStatus":"completed","response":"found it"}`)
		assert.True(t, report.TaskCompleted)
		assert.Equal(t, scout.TaskCompleted, report.TaskStatus)
		assert.Equal(t, "found it", report.Response)
	})

	t.Run("fenced json", func(t *testing.T) {
		raw := "```json\n{\"taskCompleted\":false,\"taskStatus\":\"not_found\",\"response\":\"nothing new\"}\n```"
		report := parseReport(raw)
		assert.False(t, report.TaskCompleted)
		assert.Equal(t, scout.TaskNotFound, report.TaskStatus)
	})

	t.Run("trailing prose after closing brace", func(t *testing.T) {
		raw := `{"taskCompleted":true,"taskStatus":"completed","response":"ok"}` +
			"\nLet me know if you need anything else!"
		report := parseReport(raw)
		assert.True(t, report.TaskCompleted)
		assert.Equal(t, "ok", report.Response)
	})

	t.Run("unparseable text is coerced", func(t *testing.T) {
		report := parseReport("I could not find anything relevant.")
		assert.False(t, report.TaskCompleted)
		assert.Equal(t, scout.TaskInsufficientData, report.TaskStatus)
		assert.Equal(t, "I could not find anything relevant.", report.Response)
	})

	t.Run("unknown status is coerced", func(t *testing.T) {
		report := parseReport(`{"taskCompleted":true,"taskStatus":"done","response":"x"}`)
		assert.False(t, report.TaskCompleted)
		assert.Equal(t, scout.TaskInsufficientData, report.TaskStatus)
	})

	t.Run("empty message", func(t *testing.T) {
		report := parseReport("")
		assert.False(t, report.TaskCompleted)
		assert.Equal(t, scout.TaskInsufficientData, report.TaskStatus)
	})
}
