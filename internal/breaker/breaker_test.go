package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_ClosedAdmitsFreely(t *testing.T) {
	b := New(Config{FailureThreshold: 3})
	for i := 0; i < 10; i++ {
		allow, _ := b.Admit()
		assert.True(t, allow)
	}
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_TripsOpenAfterThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, RecoveryTimeout: time.Hour})

	for i := 0; i < 3; i++ {
		allow, _ := b.Admit()
		require.True(t, allow)
		b.OnFailure()
	}

	assert.Equal(t, Open, b.State())
	allow, wait := b.Admit()
	assert.False(t, allow)
	assert.Greater(t, wait, time.Duration(0))
}

func TestBreaker_HalfOpenAfterRecoveryTimeout(t *testing.T) {
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond})

	allow, _ := b.Admit()
	require.True(t, allow)
	b.OnFailure()
	assert.Equal(t, Open, b.State())

	time.Sleep(20 * time.Millisecond)

	allow, _ = b.Admit()
	assert.True(t, allow)
	assert.Equal(t, HalfOpen, b.State())
}

func TestBreaker_HalfOpenLimitsConcurrentProbes(t *testing.T) {
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: time.Millisecond, HalfOpenMaxCalls: 1})

	allow, _ := b.Admit()
	require.True(t, allow)
	b.OnFailure()
	time.Sleep(5 * time.Millisecond)

	allow, _ = b.Admit()
	require.True(t, allow)
	assert.Equal(t, HalfOpen, b.State())

	allow, _ = b.Admit()
	assert.False(t, allow, "a second concurrent probe must not be admitted")
}

func TestBreaker_SuccessFromHalfOpenCloses(t *testing.T) {
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: time.Millisecond})

	allow, _ := b.Admit()
	require.True(t, allow)
	b.OnFailure()
	time.Sleep(5 * time.Millisecond)

	allow, _ = b.Admit()
	require.True(t, allow)
	b.OnSuccess()

	assert.Equal(t, Closed, b.State())
	allow, _ = b.Admit()
	assert.True(t, allow)
}

func TestBreaker_FailureFromHalfOpenExpandsBackoff(t *testing.T) {
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond, Multiplier: 2})

	allow, _ := b.Admit()
	require.True(t, allow)
	b.OnFailure()
	time.Sleep(15 * time.Millisecond)

	allow, _ = b.Admit()
	require.True(t, allow)
	b.OnFailure() // fails again from HalfOpen

	_, waitFirst := b.Admit()

	time.Sleep(15 * time.Millisecond)
	allow, _ = b.Admit()
	require.True(t, allow)
	b.OnFailure()
	_, waitSecond := b.Admit()

	assert.Greater(t, waitSecond, waitFirst, "backoff should expand across repeated half-open failures")
}
