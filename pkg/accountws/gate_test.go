package accountws

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestGateWaitBlocksUntilOpen tests the basic latch behaviour
func TestGateWaitBlocksUntilOpen(t *testing.T) {
	g := newGate(false)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- g.Wait(ctx)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before the gate opened")
	case <-time.After(20 * time.Millisecond):
	}

	g.Open()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait never returned after Open")
	}
}

// TestGateReclose tests that Close re-arms the latch
func TestGateReclose(t *testing.T) {
	g := newGate(true)
	require.NoError(t, g.Wait(context.Background()))

	g.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.Wait(ctx), context.DeadlineExceeded)

	g.Open()
	assert.NoError(t, g.Wait(context.Background()))
}

// TestGateOpenIdempotent tests that repeated opens do not panic
func TestGateOpenIdempotent(t *testing.T) {
	g := newGate(false)
	g.Open()
	g.Open()
	assert.NoError(t, g.Wait(context.Background()))
}

// TestGateWaitCancellation tests ctx cancellation while blocked
func TestGateWaitCancellation(t *testing.T) {
	g := newGate(false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, g.Wait(ctx), context.Canceled)
}
