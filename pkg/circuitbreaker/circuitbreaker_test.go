package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker() (*Breaker, *time.Time) {
	clock := time.Now()
	b := New(Config{
		Name:             "test",
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Cooldown:         10 * time.Second,
		MaxProbes:        1,
	})
	b.now = func() time.Time { return clock }
	return b, &clock
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Allow())
		b.RecordFailure()
	}

	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrOpen)
}

func TestBreaker_HalfOpenProbeAndRecovery(t *testing.T) {
	b, clock := newTestBreaker()

	for i := 0; i < 3; i++ {
		_ = b.Allow()
		b.RecordFailure()
	}

	*clock = clock.Add(11 * time.Second)

	require.NoError(t, b.Allow(), "cooldown elapsed, probe allowed")
	assert.Equal(t, StateHalfOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrOpen, "probe budget spent")

	b.RecordSuccess()
	require.NoError(t, b.Allow())
	b.RecordSuccess()

	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker()

	for i := 0; i < 3; i++ {
		_ = b.Allow()
		b.RecordFailure()
	}
	*clock = clock.Add(11 * time.Second)

	require.NoError(t, b.Allow())
	b.RecordFailure()

	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrOpen)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker()

	_ = b.Allow()
	b.RecordFailure()
	_ = b.Allow()
	b.RecordFailure()
	_ = b.Allow()
	b.RecordSuccess()
	_ = b.Allow()
	b.RecordFailure()

	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	var transitions []string
	b := New(Config{
		Name:             "cb",
		FailureThreshold: 1,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	_ = b.Allow()
	b.RecordFailure()

	assert.Equal(t, []string{"closed->open"}, transitions)
}
