package agent

import (
	"encoding/json"
	"fmt"

	"goa.design/scout/runtime/agent/model"
)

// Tool names exposed to the model. The tool surface is deliberately small:
// search for candidates, scrape to verify.
const (
	toolSearchWeb     = "searchWeb"
	toolScrapeWebsite = "scrapeWebsite"
)

// SearchInvocation is the typed argument payload of a searchWeb call.
type SearchInvocation struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
	TBS   string `json:"tbs,omitempty"`
}

// ScrapeInvocation is the typed argument payload of a scrapeWebsite call.
type ScrapeInvocation struct {
	URL string `json:"url"`
}

// toolDefinitions declares the two tools to the model.
func toolDefinitions() []model.ToolDefinition {
	return []model.ToolDefinition{
		{
			Name: toolSearchWeb,
			Description: "Search the web for recent results matching a query. " +
				"Returns titles, URLs and descriptions of candidate pages.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The search query.",
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum number of results (1-10).",
					},
					"tbs": map[string]any{
						"type":        "string",
						"description": "Optional time filter: qdr:h (hour), qdr:d (day), qdr:w (week), qdr:m (month).",
					},
				},
				"required": []string{"query"},
			},
		},
		{
			Name: toolScrapeWebsite,
			Description: "Fetch one web page and return its content as markdown. " +
				"Use it to verify search results before reporting them.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{
						"type":        "string",
						"description": "The URL to fetch.",
					},
				},
				"required": []string{"url"},
			},
		},
	}
}

// decodeInvocation parses a tool call's raw arguments into its typed variant.
func decodeInvocation(call model.ToolCall) (any, error) {
	switch call.Name {
	case toolSearchWeb:
		var inv SearchInvocation
		if err := json.Unmarshal(call.Arguments, &inv); err != nil {
			return nil, fmt.Errorf("decode %s arguments: %w", call.Name, err)
		}
		if inv.Query == "" {
			return nil, fmt.Errorf("%s: query is required", call.Name)
		}
		return inv, nil
	case toolScrapeWebsite:
		var inv ScrapeInvocation
		if err := json.Unmarshal(call.Arguments, &inv); err != nil {
			return nil, fmt.Errorf("decode %s arguments: %w", call.Name, err)
		}
		if inv.URL == "" {
			return nil, fmt.Errorf("%s: url is required", call.Name)
		}
		return inv, nil
	}
	return nil, fmt.Errorf("unknown tool %q", call.Name)
}
