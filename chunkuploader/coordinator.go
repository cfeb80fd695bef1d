package chunkuploader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

// coordinator owns the state shared by the workers of one upload.
// Workers only touch it through its methods.
type coordinator struct {
	plan            UploadPlan
	maxChunkRetries int
	maxRetries      int
	finalWait       time.Duration
	// cancel stops every transmission in flight once the upload is abandoned.
	cancel context.CancelFunc

	mu              sync.Mutex
	nextChunkIndex  int
	chunksCompleted int
	bytesUploaded   int64
	retryBudgetUsed int
	poisoned        bool
	failures        *multierror.Error
	// changed is closed and replaced whenever chunksCompleted grows or the budget is poisoned.
	changed chan struct{}
}

func newCoordinator(plan UploadPlan, config Config, cancel context.CancelFunc) *coordinator {
	return &coordinator{
		plan:            plan,
		cancel:          cancel,
		maxChunkRetries: config.MaxChunkRetries,
		maxRetries:      config.MaxRetries,
		finalWait:       config.FinalChunkWaitTimeout,
		changed:         make(chan struct{}),
	}
}

// claimNextChunk hands out the next chunk index. It returns false once every chunk is claimed or
// the retry budget is exhausted, which tells the worker to exit.
func (c *coordinator) claimNextChunk() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.retryBudgetUsed >= c.maxRetries || c.nextChunkIndex >= c.plan.ChunkCount {
		return 0, false
	}

	index := c.nextChunkIndex
	c.nextChunkIndex++
	return index, true
}

// recordChunkRetryOutcome books a failed attempt of a chunk and reports whether the upload
// has to be abandoned. A chunk that used up its own attempts, or a failure that uses up the
// upload-wide budget, poisons the budget so that no further chunk is claimed.
func (c *coordinator) recordChunkRetryOutcome(attemptsSoFar int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.poisoned {
		return true
	}
	if attemptsSoFar >= c.maxChunkRetries {
		c.poisonLocked()
		return true
	}

	c.retryBudgetUsed++
	if c.retryBudgetUsed >= c.maxRetries {
		c.poisonLocked()
		return true
	}

	return false
}

// abandon poisons the retry budget.
func (c *coordinator) abandon() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.poisonLocked()
}

func (c *coordinator) poisonLocked() {
	c.retryBudgetUsed = c.maxRetries + 1
	if !c.poisoned {
		c.poisoned = true
		c.broadcastLocked()
		if c.cancel != nil {
			c.cancel()
		}
	}
}

func (c *coordinator) broadcastLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *coordinator) recordBytesUploaded(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bytesUploaded += n
}

func (c *coordinator) recordChunkCompleted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunksCompleted++
	c.broadcastLocked()
}

func (c *coordinator) recordFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = multierror.Append(c.failures, err)
}

// waitForFinalTurn blocks until every non-final chunk has completed.
// The wait is abandoned, poisoning the budget, when no chunk completes for finalWait or ctx is done.
func (c *coordinator) waitForFinalTurn(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.poisoned {
			c.mu.Unlock()
			return ErrBudgetExhausted
		}
		if c.chunksCompleted >= c.plan.ChunkCount-1 {
			c.mu.Unlock()
			return nil
		}
		changed := c.changed
		c.mu.Unlock()

		var timer *time.Timer
		var timeout <-chan time.Time
		if c.finalWait > 0 {
			timer = time.NewTimer(c.finalWait)
			timeout = timer.C
		}

		select {
		case <-changed:
			if timer != nil {
				timer.Stop()
			}
		case <-timeout:
			c.abandon()
			return fmt.Errorf("%w after %s", ErrFinalChunkTimeout, c.finalWait)
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			c.abandon()
			return ctx.Err()
		}
	}
}

func (c *coordinator) progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Progress{
		ChunksClaimed:   c.nextChunkIndex,
		ChunksCompleted: c.chunksCompleted,
		BytesUploaded:   c.bytesUploaded,
		RetryBudgetUsed: c.retryBudgetUsed,
	}
}

func (c *coordinator) budgetExhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.poisoned || c.retryBudgetUsed >= c.maxRetries
}

func (c *coordinator) failureList() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures.ErrorOrNil()
}
