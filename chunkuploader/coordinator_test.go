package chunkuploader

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCoordinator(t *testing.T, fileSize, chunkSize int64, modify func(*Config)) *coordinator {
	t.Helper()

	config := DefaultConfig()
	config.ChunkSize = chunkSize
	if modify != nil {
		modify(&config)
	}
	plan, err := ComputeChunkPlan(fileSize, chunkSize)
	require.NoError(t, err)

	return newCoordinator(plan, config, nil)
}

func TestCoordinator_ClaimNextChunk(t *testing.T) {
	c := testCoordinator(t, 30, 10, nil)

	for want := 0; want < 3; want++ {
		index, ok := c.claimNextChunk()
		require.True(t, ok)
		require.Equal(t, want, index)
	}

	_, ok := c.claimNextChunk()
	require.False(t, ok)
	require.Equal(t, 3, c.progress().ChunksClaimed)
}

func TestCoordinator_RecordChunkRetryOutcome(t *testing.T) {
	c := testCoordinator(t, 100, 10, func(config *Config) {
		config.MaxChunkRetries = 3
		config.MaxRetries = 5
	})

	require.False(t, c.recordChunkRetryOutcome(1))
	require.False(t, c.recordChunkRetryOutcome(2))
	require.Equal(t, 2, c.progress().RetryBudgetUsed)

	_, ok := c.claimNextChunk()
	require.True(t, ok, "budget is not exhausted yet")

	// A chunk that used up its own attempts abandons the upload.
	require.True(t, c.recordChunkRetryOutcome(3))
	require.Equal(t, 6, c.progress().RetryBudgetUsed)
	require.True(t, c.budgetExhausted())

	_, ok = c.claimNextChunk()
	require.False(t, ok, "no chunk is claimed after the budget is poisoned")
}

func TestCoordinator_BudgetReachedByRetries(t *testing.T) {
	c := testCoordinator(t, 100, 10, func(config *Config) {
		config.MaxChunkRetries = 3
		config.MaxRetries = 5
	})

	// Five different chunks failing once each use up the whole budget.
	for i := 0; i < 4; i++ {
		require.False(t, c.recordChunkRetryOutcome(1))
	}
	require.True(t, c.recordChunkRetryOutcome(1))

	_, ok := c.claimNextChunk()
	require.False(t, ok)
}

func TestCoordinator_Counters(t *testing.T) {
	c := testCoordinator(t, 25, 10, nil)

	c.recordBytesUploaded(10)
	c.recordChunkCompleted()
	c.recordBytesUploaded(5)
	c.recordChunkCompleted()

	progress := c.progress()
	assert.Equal(t, int64(15), progress.BytesUploaded)
	assert.Equal(t, 2, progress.ChunksCompleted)
}

func TestCoordinator_WaitForFinalTurn(t *testing.T) {
	c := testCoordinator(t, 30, 10, nil)

	done := make(chan error, 1)
	go func() {
		done <- c.waitForFinalTurn(context.Background())
	}()

	c.recordChunkCompleted()
	select {
	case err := <-done:
		t.Fatalf("final chunk released after 1 of 2 chunks: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	c.recordChunkCompleted()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("final chunk not released after every other chunk completed")
	}
}

func TestCoordinator_WaitForFinalTurn_SingleChunk(t *testing.T) {
	c := testCoordinator(t, 0, 10, nil)
	require.NoError(t, c.waitForFinalTurn(context.Background()))
}

func TestCoordinator_WaitForFinalTurn_Poisoned(t *testing.T) {
	c := testCoordinator(t, 30, 10, nil)

	done := make(chan error, 1)
	go func() {
		done <- c.waitForFinalTurn(context.Background())
	}()

	c.abandon()
	select {
	case err := <-done:
		require.True(t, errors.Is(err, ErrBudgetExhausted), "got %v", err)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by poisoning")
	}
}

func TestCoordinator_WaitForFinalTurn_Timeout(t *testing.T) {
	c := testCoordinator(t, 30, 10, func(config *Config) {
		config.FinalChunkWaitTimeout = 20 * time.Millisecond
	})

	err := c.waitForFinalTurn(context.Background())
	require.True(t, errors.Is(err, ErrFinalChunkTimeout), "got %v", err)
	require.True(t, c.budgetExhausted(), "timeout abandons the upload")
}

func TestCoordinator_WaitForFinalTurn_Cancelled(t *testing.T) {
	c := testCoordinator(t, 30, 10, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.waitForFinalTurn(ctx)
	require.True(t, errors.Is(err, context.Canceled), "got %v", err)
	require.True(t, c.budgetExhausted())
}

func TestCoordinator_PoisonCancelsInFlightWork(t *testing.T) {
	plan, err := ComputeChunkPlan(30, 10)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newCoordinator(plan, DefaultConfig(), cancel)

	require.False(t, c.recordChunkRetryOutcome(1))
	require.NoError(t, ctx.Err(), "a retried chunk keeps the upload running")

	require.True(t, c.recordChunkRetryOutcome(3))
	require.True(t, errors.Is(ctx.Err(), context.Canceled))

	budget := c.progress().RetryBudgetUsed
	require.True(t, c.recordChunkRetryOutcome(1), "failures after abandonment do not retry")
	require.Equal(t, budget, c.progress().RetryBudgetUsed)
}
