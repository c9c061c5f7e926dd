package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveReportDateLocalAfterDSTStart(t *testing.T) {
	// Asia/Jerusalem is UTC+3 after the spring transition
	instant := time.Date(2026, 3, 27, 22, 30, 0, 0, time.UTC)

	reportDate, err := ResolveReportDateLocal(instant, "")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-28", reportDate)
}

func TestResolveReportDateLocalStandardOffset(t *testing.T) {
	// UTC+2 in winter: 22:30Z is already past local midnight
	instant := time.Date(2026, 1, 10, 22, 30, 0, 0, time.UTC)

	reportDate, err := ResolveReportDateLocal(instant, "")
	require.NoError(t, err)
	assert.Equal(t, "2026-01-11", reportDate)
}

func TestResolveReportDateLocalSameDay(t *testing.T) {
	instant := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	reportDate, err := ResolveReportDateLocal(instant, "")
	require.NoError(t, err)
	assert.Equal(t, "2026-01-10", reportDate)
}

func TestResolveReportDateLocalConfiguredZone(t *testing.T) {
	// 02:30Z on the 11th is still the evening of the 10th in New York
	instant := time.Date(2026, 1, 11, 2, 30, 0, 0, time.UTC)

	reportDate, err := ResolveReportDateLocal(instant, "America/New_York")
	require.NoError(t, err)
	assert.Equal(t, "2026-01-10", reportDate)
}

func TestResolveReportDateLocalRejectsUnknownZone(t *testing.T) {
	instant := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	_, err := ResolveReportDateLocal(instant, "Atlantis/Nowhere")
	assert.Error(t, err)
}

func TestResolveReportDateLocalRejectsZeroInstant(t *testing.T) {
	_, err := ResolveReportDateLocal(time.Time{}, "")
	assert.Error(t, err)
}
