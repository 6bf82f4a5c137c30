package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPauseGate(t *testing.T) {
	g := NewPauseGate()
	require.NoError(t, g.Wait(context.Background()), "open gate does not block")

	g.Pause()
	assert.True(t, g.Paused())
	released := make(chan error, 1)
	go func() { released <- g.Wait(context.Background()) }()

	select {
	case <-released:
		t.Fatal("Wait returned while paused")
	case <-time.After(30 * time.Millisecond):
	}
	g.Resume()
	select {
	case err := <-released:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Resume")
	}
}

func TestPauseGateCancel(t *testing.T) {
	g := NewPauseGate()
	g.Pause()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Wait(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Wait ignored cancellation")
	}
	assert.True(t, g.Paused(), "cancel does not resume")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "unknown", State(99).String())
}
