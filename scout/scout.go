// Package scout defines the domain model for scouts: user-owned, scheduled
// monitoring tasks that periodically query the web, verify findings and notify
// on novel discoveries. The package holds pure types and scheduling logic;
// persistence lives in store implementations and execution in runtime/agent.
package scout

import (
	"time"
)

// Frequency determines how often a scout is dispatched.
type Frequency string

const (
	// FrequencyHourly dispatches the scout once per hour.
	FrequencyHourly Frequency = "hourly"
	// FrequencyDaily dispatches the scout once per day.
	FrequencyDaily Frequency = "daily"
	// FrequencyEvery3Days dispatches the scout every three days.
	FrequencyEvery3Days Frequency = "every_3_days"
	// FrequencyWeekly dispatches the scout once per week.
	FrequencyWeekly Frequency = "weekly"
)

// Valid reports whether f is a known frequency.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyHourly, FrequencyDaily, FrequencyEvery3Days, FrequencyWeekly:
		return true
	}
	return false
}

// Period returns the minimum interval between two runs of a scout with this
// frequency. Unknown frequencies fall back to a day so a misconfigured scout
// never becomes due every minute.
func (f Frequency) Period() time.Duration {
	switch f {
	case FrequencyHourly:
		return time.Hour
	case FrequencyDaily:
		return 24 * time.Hour
	case FrequencyEvery3Days:
		return 72 * time.Hour
	case FrequencyWeekly:
		return 7 * 24 * time.Hour
	}
	return 24 * time.Hour
}

// MaxAge returns the freshness hint (in milliseconds) forwarded to the
// search/scrape provider. Cached pages older than roughly one period are not
// useful to a scout, so the hint tracks the period length.
func (f Frequency) MaxAge() int {
	return int(f.Period() / time.Millisecond)
}

// TBS returns the provider time-range filter matching this frequency, or the
// empty string when no filter applies.
func (f Frequency) TBS() string {
	switch f {
	case FrequencyHourly:
		return "qdr:h"
	case FrequencyDaily:
		return "qdr:d"
	case FrequencyEvery3Days, FrequencyWeekly:
		return "qdr:w"
	}
	return ""
}

// Location optionally biases search results towards a geography. The sentinel
// value {City: "any"} (zero coordinates) means "no geo bias" and is never
// forwarded to the provider.
type Location struct {
	City string  `bson:"city" json:"city"`
	Lat  float64 `bson:"lat" json:"lat"`
	Lon  float64 `bson:"lon" json:"lon"`
}

// IsAny reports whether the location is the "no geo bias" sentinel.
func (l Location) IsAny() bool {
	return l.City == "" || l.City == "any"
}

// ScrapeOptions carries per-scout scrape tuning. The struct is passed opaquely
// from the scout definition through the agent to the provider adapter; it is
// never spliced into the agent prompt.
type ScrapeOptions struct {
	// Cookies is a raw Cookie header value sent with scrape requests.
	Cookies string `bson:"cookies,omitempty" json:"cookies,omitempty"`
	// Headers lists additional request headers.
	Headers map[string]string `bson:"headers,omitempty" json:"headers,omitempty"`
	// WaitFor is either a delay in milliseconds (numeric string) or a CSS
	// selector the provider waits for before capturing the page.
	WaitFor string `bson:"wait_for,omitempty" json:"waitFor,omitempty"`
	// TimeoutMS bounds the provider-side page load in milliseconds.
	TimeoutMS int `bson:"timeout_ms,omitempty" json:"timeout,omitempty"`
}

// MaxConsecutiveFailures is the number of consecutive failed executions after
// which a scout is deactivated.
const MaxConsecutiveFailures = 3

// Scout is a named, scheduled monitoring task owned by a single user.
type Scout struct {
	ID     string `bson:"_id" json:"id"`
	UserID string `bson:"user_id" json:"userId"`

	Title       string         `bson:"title" json:"title"`
	Goal        string         `bson:"goal" json:"goal"`
	Description string         `bson:"description,omitempty" json:"description,omitempty"`
	Queries     []string       `bson:"queries" json:"queries"`
	Location    Location       `bson:"location,omitempty" json:"location,omitempty"`
	Frequency   Frequency      `bson:"frequency" json:"frequency"`
	Scrape      *ScrapeOptions `bson:"scrape,omitempty" json:"scrape,omitempty"`

	IsActive            bool       `bson:"is_active" json:"isActive"`
	LastRunAt           *time.Time `bson:"last_run_at,omitempty" json:"lastRunAt,omitempty"`
	ConsecutiveFailures int        `bson:"consecutive_failures" json:"consecutiveFailures"`

	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt time.Time `bson:"updated_at" json:"updatedAt"`
}

// IsComplete reports whether the scout configuration is sufficient to run:
// a title, a goal, one to five queries and a valid frequency.
func (s *Scout) IsComplete() bool {
	if s.Title == "" || s.Goal == "" {
		return false
	}
	if len(s.Queries) == 0 || len(s.Queries) > 5 {
		return false
	}
	return s.Frequency.Valid()
}

// Due reports whether the scout should be dispatched at the given instant.
// A scout is due when it is active, complete, and at least one period has
// elapsed since its last run. A scout that never ran is immediately due.
func (s *Scout) Due(now time.Time) bool {
	if !s.IsActive || !s.IsComplete() {
		return false
	}
	if s.LastRunAt == nil {
		return true
	}
	return now.Sub(*s.LastRunAt) >= s.Frequency.Period()
}
