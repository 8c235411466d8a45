package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextFireEveryFiveMinutes(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 2, 30, 0, time.UTC)

	next, err := NextFire("*/5 * * * *", "", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC), next)
}

func TestNextFireDailyInTimezone(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 13:00 UTC on June 1 is 09:00 in New York; the 10:00 daily fire is
	// still an hour out.
	now := time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)

	next, err := NextFire("0 10 * * *", "America/New_York", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 1, 10, 0, 0, 0, ny).Unix(), next.Unix())
}

func TestNextFireInvalidExpression(t *testing.T) {
	_, err := NextFire("not a cron", "", time.Now())
	assert.Error(t, err)
}

func TestNextFireInvalidTimezone(t *testing.T) {
	_, err := NextFire("* * * * *", "Mars/Olympus", time.Now())
	assert.Error(t, err)
}

func TestNextFireAlwaysAdvances(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	next, err := NextFire("* * * * *", "", now)
	require.NoError(t, err)
	assert.True(t, next.After(now))
}
