package canonical

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSentinel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"  ", ""},
		{"-", ""},
		{"--", ""},
		{"N/A", ""},
		{" 42 ", "42"},
		{"AAPL", "AAPL"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeSentinel(tt.in))
	}
}

func TestParseDecimal(t *testing.T) {
	d, err := parseDecimal("1,234.56")
	require.NoError(t, err)
	assert.Equal(t, "1234.56", d.String())

	d, err = parseDecimal("-0.00000001")
	require.NoError(t, err)
	assert.Equal(t, "-0.00000001", d.String())

	_, err = parseDecimal("N/A")
	assert.Error(t, err)

	_, err = parseDecimal("12x")
	assert.Error(t, err)
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"2026-02-27", "2026-02-27"},
		{"2026/02/27", "2026-02-27"},
		{"20260227", "2026-02-27"},
		{"02/27/2026", "2026-02-27"},
		{"02/27/26", "2026-02-27"},
		{"27-Feb-26", "2026-02-27"},
		{"20260227;103000", "2026-02-27"},
	}
	for _, tt := range tests {
		got, err := parseDate(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := parseDate("27th Feb 2026")
	assert.Error(t, err)
	_, err = parseDate("-")
	assert.Error(t, err)
}

func TestParseTimestampUTC(t *testing.T) {
	want := time.Date(2026, 2, 27, 10, 30, 0, 0, time.UTC)

	tests := []string{
		"2026-02-27T10:30:00Z",
		"2026-02-27T10:30:00+00:00",
		"2026-02-27T10:30:00",
		"2026-02-27 10:30:00",
		"20260227;103000",
		"2026-02-27,10:30:00",
	}
	for _, in := range tests {
		got, err := parseTimestampUTC(in)
		require.NoError(t, err, in)
		assert.True(t, got.Equal(want), in)
	}

	// Offset timestamps normalize to the UTC instant.
	got, err := parseTimestampUTC("2026-02-27T12:30:00+02:00")
	require.NoError(t, err)
	assert.True(t, got.Equal(want))

	_, err = parseTimestampUTC("10:30:00")
	assert.Error(t, err)
}
