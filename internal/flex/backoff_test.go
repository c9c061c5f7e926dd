package flex

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedUnit(v float64) func() float64 {
	return func() float64 { return v }
}

func TestRetryStrategyWaitFor(t *testing.T) {
	strategy := RetryStrategy{
		InitialWait:   5 * time.Second,
		RetryAttempts: 7,
		BackoffBase:   10 * time.Second,
		BackoffMax:    60 * time.Second,
		JitterMin:     0.5,
		JitterMax:     1.5,
		RandomUnit:    fixedUnit(0.5), // jitter multiplier 1.0
	}
	require.NoError(t, strategy.Validate())

	tests := []struct {
		name       string
		retryIndex int
		want       time.Duration
	}{
		{"first attempt uses base", 0, 10 * time.Second},
		{"second attempt doubles", 1, 20 * time.Second},
		{"third attempt doubles again", 2, 40 * time.Second},
		{"fourth attempt clamps at max", 3, 60 * time.Second},
		{"far attempts stay clamped", 6, 60 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, strategy.WaitFor(tt.retryIndex))
		})
	}
}

func TestRetryStrategyInitialWaitFloor(t *testing.T) {
	strategy := RetryStrategy{
		InitialWait:   5 * time.Second,
		RetryAttempts: 3,
		BackoffBase:   2 * time.Second,
		BackoffMax:    60 * time.Second,
		JitterMin:     0.5,
		JitterMax:     1.5,
		RandomUnit:    fixedUnit(0), // jitter multiplier 0.5
	}

	// 2s * 0.5 = 1s, floored to the initial wait.
	assert.Equal(t, 5*time.Second, strategy.WaitFor(0))
}

func TestRetryStrategyJitterBounds(t *testing.T) {
	strategy := RetryStrategy{
		InitialWait:   0,
		RetryAttempts: 3,
		BackoffBase:   10 * time.Second,
		BackoffMax:    60 * time.Second,
		JitterMin:     0.5,
		JitterMax:     1.5,
		RandomUnit:    fixedUnit(1),
	}

	// Unit value 1 maps to the max multiplier.
	assert.Equal(t, 15*time.Second, strategy.WaitFor(0))

	strategy.RandomUnit = fixedUnit(0)
	assert.Equal(t, 5*time.Second, strategy.WaitFor(0))
}

func TestRetryStrategyValidate(t *testing.T) {
	valid := RetryStrategy{
		InitialWait:   time.Second,
		RetryAttempts: 7,
		BackoffBase:   10 * time.Second,
		BackoffMax:    60 * time.Second,
		JitterMin:     0.5,
		JitterMax:     1.5,
	}
	require.NoError(t, valid.Validate())

	broken := valid
	broken.RetryAttempts = 0
	assert.Error(t, broken.Validate())

	broken = valid
	broken.JitterMax = 0.1
	assert.Error(t, broken.Validate())

	broken = valid
	broken.BackoffMax = 0
	assert.Error(t, broken.Validate())
}

func TestErrorCodeClassification(t *testing.T) {
	assert.True(t, IsRetryableInPoll(CodeStatementInProgress))
	assert.True(t, IsRetryableInPoll(CodeServerBusy))
	assert.True(t, IsRetryableInPoll(CodeRateLimited))
	assert.False(t, IsRetryableInPoll(CodeTokenExpired))

	assert.True(t, IsTokenCode(CodeTokenExpired))
	assert.True(t, IsTokenCode(CodeInvalidToken))
	assert.False(t, IsTokenCode(CodeServerBusy))

	assert.True(t, IsFatal(CodeInvalidQuery))
	assert.False(t, IsFatal(CodeStatementInProgress))

	// Unknown codes are fatal.
	assert.True(t, IsFatal("9999"))
	assert.False(t, KnownCode("9999"))
}

func TestRetryDelayFloor(t *testing.T) {
	assert.Equal(t, 10*time.Second, RetryDelayFloor(CodeRateLimited))
	assert.Equal(t, 5*time.Second, RetryDelayFloor(CodeServerBusy))
	assert.Equal(t, 5*time.Second, RetryDelayFloor(CodeStatementInProgress))
}
