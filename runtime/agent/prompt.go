package agent

import (
	"fmt"
	"strings"
	"time"

	"goa.design/scout/scout"
)

// maxPromptFindings bounds how many recent findings are listed in the system
// prompt so the model can downgrade repeats.
const maxPromptFindings = 5

// systemPrompt builds the system message for one run from the scout
// definition and its recent findings.
func systemPrompt(sc scout.Scout, recent []scout.RecentFinding, maxLoops int, now time.Time) string {
	var b strings.Builder
	b.WriteString("You are a monitoring agent. Your task:\n\n")
	fmt.Fprintf(&b, "Title: %s\nGoal: %s\n", sc.Title, sc.Goal)
	if sc.Description != "" {
		fmt.Fprintf(&b, "Details: %s\n", sc.Description)
	}
	b.WriteString("\nConfigured search queries (use these first):\n")
	for i, q := range sc.Queries {
		fmt.Fprintf(&b, "%d. %s\n", i+1, q)
	}
	if !sc.Location.IsAny() {
		fmt.Fprintf(&b, "\nFocus on results relevant to %s.\n", sc.Location.City)
	}

	fmt.Fprintf(&b, `
Process:
- Start with the configured queries; refine only if they come up empty.
- Scrape 2-3 of the most promising results to verify them before reporting.
- Do not repeat a search you already ran.
- You have at most %d steps; budget them.

Respond ONLY with a JSON object, no surrounding text:
{
  "taskCompleted": true or false,
  "taskStatus": "completed" | "partial" | "not_found" | "insufficient_data",
  "response": "your findings in markdown"
}
Do not use em-dashes in the response.
`, maxLoops)

	if len(recent) > 0 {
		b.WriteString("\nPreviously reported findings:\n")
		n := len(recent)
		if n > maxPromptFindings {
			n = maxPromptFindings
		}
		for _, f := range recent[:n] {
			fmt.Fprintf(&b, "- %s (%s)\n", f.Summary, relativeDay(f.CompletedAt, now))
		}
		b.WriteString("\nIf your current findings substantially duplicate any of " +
			"the above, set taskStatus to \"not_found\" and say nothing new was found.\n")
	}
	return b.String()
}

// reminderMessage reports step usage back to the model mid-run.
func reminderMessage(used, budget int) string {
	return fmt.Sprintf(
		"Reminder: you have used %d of %d steps. Wrap up and produce the final JSON response soon.",
		used, budget)
}

// relativeDay renders a completion time as "found today", "found yesterday" or
// "found N days ago".
func relativeDay(t, now time.Time) string {
	days := int(now.Sub(t).Hours() / 24)
	switch {
	case days <= 0:
		return "found today"
	case days == 1:
		return "found yesterday"
	default:
		return fmt.Sprintf("found %d days ago", days)
	}
}
