package crawler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostGateUnknownHostPassesImmediately(t *testing.T) {
	gate := NewHostGate()

	start := time.Now()
	err := gate.Wait(context.Background(), "example.test")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.True(t, gate.NextAllowed("example.test").IsZero())
}

func TestHostGateHoldsUntilDeadline(t *testing.T) {
	gate := NewHostGate()
	gate.Hold("example.test", time.Now().Add(300*time.Millisecond))

	start := time.Now()
	err := gate.Wait(context.Background(), "example.test")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
}

func TestHostGateLaterDeadlineWins(t *testing.T) {
	gate := NewHostGate()
	far := time.Now().Add(time.Hour)
	gate.Hold("example.test", far)
	gate.Hold("example.test", time.Now().Add(time.Second))

	assert.Equal(t, far, gate.NextAllowed("example.test"))
}

func TestHostGateTracksHostsIndependently(t *testing.T) {
	gate := NewHostGate()
	gate.Hold("slow.test", time.Now().Add(time.Hour))

	start := time.Now()
	err := gate.Wait(context.Background(), "fast.test")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestHostGateWaitHonorsContext(t *testing.T) {
	gate := NewHostGate()
	gate.Hold("example.test", time.Now().Add(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := gate.Wait(ctx, "example.test")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
