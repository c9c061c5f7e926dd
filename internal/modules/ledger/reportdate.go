package ledger

import (
	"fmt"
	"time"
)

// DefaultReportTimezone anchors snapshot business dates when no zone is
// configured.
const DefaultReportTimezone = "Asia/Jerusalem"

// ResolveReportDateLocal converts a UTC instant to the report date in the
// given zone. An empty zone falls back to DefaultReportTimezone; DST
// transitions are handled by the zone database.
func ResolveReportDateLocal(instant time.Time, timezone string) (string, error) {
	if instant.IsZero() {
		return "", fmt.Errorf("report date instant must not be zero")
	}
	if timezone == "" {
		timezone = DefaultReportTimezone
	}
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return "", fmt.Errorf("failed to load report timezone: %w", err)
	}
	return instant.In(location).Format("2006-01-02"), nil
}
