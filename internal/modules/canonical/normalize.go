package canonical

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Shared value normalizer for Flex attribute text. All parsing is fail-fast:
// a required field whose value cannot be normalized is a contract violation.

// sentinelValues normalize to null before any type-specific parsing
var sentinelValues = map[string]bool{
	"":    true,
	"-":   true,
	"--":  true,
	"N/A": true,
}

// normalizeSentinel trims the value and maps upstream null sentinels to empty
func normalizeSentinel(value string) string {
	trimmed := strings.TrimSpace(value)
	if sentinelValues[trimmed] {
		return ""
	}
	return trimmed
}

// parseDecimal parses a Flex numeric literal, stripping thousands separator
// commas first.
func parseDecimal(value string) (decimal.Decimal, error) {
	cleaned := strings.ReplaceAll(normalizeSentinel(value), ",", "")
	if cleaned == "" {
		return decimal.Decimal{}, fmt.Errorf("empty numeric value")
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid numeric value %q: %w", value, err)
	}
	return d, nil
}

// dateLayouts are the accepted Flex date formats, tried in order
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"20060102",
	"01/02/2006",
	"01/02/06",
	"02-Jan-06",
}

// parseDate parses a Flex date literal and returns it in YYYY-MM-DD form.
// Values carrying a trailing time part (separated by ';', 'T' or space) are
// truncated to the date part first.
func parseDate(value string) (string, error) {
	cleaned := normalizeSentinel(value)
	if cleaned == "" {
		return "", fmt.Errorf("empty date value")
	}

	candidates := []string{cleaned}
	for _, sep := range []string{";", "T", " "} {
		if idx := strings.Index(cleaned, sep); idx > 0 {
			candidates = append(candidates, cleaned[:idx])
		}
	}

	for _, candidate := range candidates {
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, candidate); err == nil {
				return parsed.Format("2006-01-02"), nil
			}
		}
	}
	return "", fmt.Errorf("unsupported date value %q", value)
}

// timestampLayouts are the accepted Flex timestamp formats, tried in order.
// Zone-less layouts are interpreted as UTC; this matches how statement
// timestamps are delivered when the query is configured for UTC output.
var timestampLayouts = []struct {
	layout string
	utc    bool
}{
	{time.RFC3339Nano, false},
	{time.RFC3339, false},
	{"2006-01-02T15:04:05", true},
	{"2006-01-02 15:04:05", true},
	{"20060102;150405", true},
	{"2006-01-02,15:04:05", true},
	{"2006-01-02;15:04:05", true},
}

// parseTimestampUTC parses a Flex timestamp literal into an explicit UTC
// instant.
func parseTimestampUTC(value string) (time.Time, error) {
	cleaned := normalizeSentinel(value)
	if cleaned == "" {
		return time.Time{}, fmt.Errorf("empty timestamp value")
	}

	for _, entry := range timestampLayouts {
		parsed, err := time.Parse(entry.layout, cleaned)
		if err != nil {
			continue
		}
		if entry.utc {
			parsed = time.Date(parsed.Year(), parsed.Month(), parsed.Day(),
				parsed.Hour(), parsed.Minute(), parsed.Second(), parsed.Nanosecond(), time.UTC)
		}
		return parsed.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp value %q", value)
}
