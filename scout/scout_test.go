package scout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrequencyValid(t *testing.T) {
	for _, f := range []Frequency{FrequencyHourly, FrequencyDaily, FrequencyEvery3Days, FrequencyWeekly} {
		assert.True(t, f.Valid(), string(f))
	}
	assert.False(t, Frequency("monthly").Valid())
	assert.False(t, Frequency("").Valid())
}

func TestFrequencyPeriod(t *testing.T) {
	cases := []struct {
		freq   Frequency
		period time.Duration
	}{
		{FrequencyHourly, time.Hour},
		{FrequencyDaily, 24 * time.Hour},
		{FrequencyEvery3Days, 72 * time.Hour},
		{FrequencyWeekly, 7 * 24 * time.Hour},
		{Frequency("bogus"), 24 * time.Hour},
	}
	for _, c := range cases {
		assert.Equal(t, c.period, c.freq.Period(), string(c.freq))
		assert.Equal(t, int(c.period/time.Millisecond), c.freq.MaxAge(), string(c.freq))
	}
}

func TestFrequencyTBS(t *testing.T) {
	assert.Equal(t, "qdr:h", FrequencyHourly.TBS())
	assert.Equal(t, "qdr:d", FrequencyDaily.TBS())
	assert.Equal(t, "qdr:w", FrequencyEvery3Days.TBS())
	assert.Equal(t, "qdr:w", FrequencyWeekly.TBS())
	assert.Equal(t, "", Frequency("bogus").TBS())
}

func TestLocationIsAny(t *testing.T) {
	assert.True(t, Location{}.IsAny())
	assert.True(t, Location{City: "any"}.IsAny())
	assert.False(t, Location{City: "Lisbon"}.IsAny())
}

func TestIsComplete(t *testing.T) {
	base := Scout{
		Title:     "price watch",
		Goal:      "watch prices",
		Queries:   []string{"widget price"},
		Frequency: FrequencyDaily,
	}
	require.True(t, base.IsComplete())

	noTitle := base
	noTitle.Title = ""
	assert.False(t, noTitle.IsComplete())

	noGoal := base
	noGoal.Goal = ""
	assert.False(t, noGoal.IsComplete())

	noQueries := base
	noQueries.Queries = nil
	assert.False(t, noQueries.IsComplete())

	tooMany := base
	tooMany.Queries = []string{"a", "b", "c", "d", "e", "f"}
	assert.False(t, tooMany.IsComplete())

	badFreq := base
	badFreq.Frequency = "fortnightly"
	assert.False(t, badFreq.IsComplete())
}

func TestDue(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	base := Scout{
		Title:     "watch",
		Goal:      "watch",
		Queries:   []string{"q"},
		Frequency: FrequencyHourly,
		IsActive:  true,
	}

	t.Run("never ran is due", func(t *testing.T) {
		assert.True(t, base.Due(now))
	})

	t.Run("within period is not due", func(t *testing.T) {
		sc := base
		last := now.Add(-30 * time.Minute)
		sc.LastRunAt = &last
		assert.False(t, sc.Due(now))
	})

	t.Run("exactly one period is due", func(t *testing.T) {
		sc := base
		last := now.Add(-time.Hour)
		sc.LastRunAt = &last
		assert.True(t, sc.Due(now))
	})

	t.Run("inactive is never due", func(t *testing.T) {
		sc := base
		sc.IsActive = false
		assert.False(t, sc.Due(now))
	})

	t.Run("incomplete is never due", func(t *testing.T) {
		sc := base
		sc.Queries = nil
		assert.False(t, sc.Due(now))
	})
}
