package chunkuploader

import (
	"context"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

type worker struct {
	id          int
	path        string
	plan        UploadPlan
	token       UploadToken
	config      Config
	coordinator *coordinator
	session     *UploadSession
	stats       *Stats
	logger      log.Logger
}

// run claims and uploads chunks until none is left or the upload is abandoned.
func (w *worker) run(ctx context.Context) error {
	window, err := OpenFileWindow(w.path)
	if err != nil {
		w.logger.Errorf("Worker %d: %s", w.id, err)
		w.coordinator.recordFailure(fmt.Errorf("worker %d: %w", w.id, err))
		w.coordinator.abandon()
		return err
	}
	defer func() {
		if err := window.Release(); err != nil {
			w.logger.Warnf("Worker %d: failed to close file: %s", w.id, err)
		}
	}()

	for {
		index, ok := w.coordinator.claimNextChunk()
		if !ok {
			w.logger.Debugf("Worker %d: no more chunks to upload", w.id)
			return nil
		}

		if err := w.upload(ctx, window, w.plan.Chunk(index)); err != nil {
			return err
		}
	}
}

// upload sends one chunk, retrying it in place until it succeeds or the upload is abandoned.
func (w *worker) upload(ctx context.Context, window *FileWindow, chunk ChunkDescriptor) error {
	failures := 0
	for {
		if chunk.IsFinal {
			if err := w.coordinator.waitForFinalTurn(ctx); err != nil {
				w.logger.Errorf("Worker %d: final chunk %d (offset %d) not sent: %s", w.id, chunk.Index, chunk.Offset, err)
				chunkErr := &ChunkError{Index: chunk.Index, Offset: chunk.Offset, Attempt: failures + 1, Err: err}
				w.coordinator.recordFailure(chunkErr)
				return chunkErr
			}
		}

		if err := ctx.Err(); err != nil {
			w.coordinator.abandon()
			chunkErr := &ChunkError{Index: chunk.Index, Offset: chunk.Offset, Attempt: failures + 1, Err: err}
			w.coordinator.recordFailure(chunkErr)
			return chunkErr
		}

		snap := w.stats.Snapshot()
		w.logger.Debugf("Worker %d: chunk %d/%d pos %d size %d (attempt %d) [finished=%d] [avg=%v]",
			w.id, chunk.Index+1, w.plan.ChunkCount, chunk.Offset, chunk.Length, failures+1,
			snap.Transmitted, snap.Average().Round(time.Millisecond))

		start := time.Now()
		attemptCtx, cancelAttempt := context.WithCancel(ctx)
		// The last attempt of a chunk is left running, it is bounded by the upload context only.
		if failures < w.config.MaxChunkRetries-1 && w.config.HungThreshold > 0 {
			go w.detectHungTransmission(attemptCtx, cancelAttempt, start, chunk)
		}

		err := w.transmit(attemptCtx, window, chunk)
		hung := attemptCtx.Err() != nil && ctx.Err() == nil
		cancelAttempt()
		if err == nil {
			took := time.Since(start)
			w.stats.Transmitted(took, chunk.Length)
			w.coordinator.recordBytesUploaded(chunk.Length)
			w.coordinator.recordChunkCompleted()
			w.logger.Debugf("Worker %d: chunk %d uploaded in %v", w.id, chunk.Index+1, took.Round(time.Millisecond))
			return nil
		}
		if hung {
			err = fmt.Errorf("%w: cancelled after %v", ErrTransmissionHung, time.Since(start).Round(time.Millisecond))
		}

		failures++
		w.stats.Failed()
		chunkErr := &ChunkError{Index: chunk.Index, Offset: chunk.Offset, Attempt: failures, Err: err}
		w.coordinator.recordFailure(chunkErr)
		w.logger.Warnf("Worker %d: %s", w.id, chunkErr)

		if w.coordinator.recordChunkRetryOutcome(failures) {
			w.logger.Errorf("Worker %d: abandoning upload after chunk %d (offset %d) failed %d time(s)",
				w.id, chunk.Index, chunk.Offset, failures)
			return chunkErr
		}

		backoff := time.Duration(failures) * w.config.RetryBackoff
		w.logger.Debugf("Worker %d: retrying chunk %d after %v", w.id, chunk.Index+1, backoff)
		if err := sleepContext(ctx, backoff); err != nil {
			w.coordinator.abandon()
			return &ChunkError{Index: chunk.Index, Offset: chunk.Offset, Attempt: failures, Err: err}
		}
	}
}

// detectHungTransmission cancels the attempt once it runs HungThreshold longer than the average
// transmission. Nothing is cancelled before the first chunk completed.
func (w *worker) detectHungTransmission(ctx context.Context, cancel context.CancelFunc, start time.Time, chunk ChunkDescriptor) {
	ticker := time.NewTicker(hungCheckInterval(w.config.HungThreshold))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := w.stats.Snapshot()
			if snap.Transmitted == 0 {
				continue
			}
			elapsed := time.Since(start)
			avg := snap.Average()
			if elapsed-avg > w.config.HungThreshold {
				w.logger.Warnf("Worker %d: found hung transmission of chunk %d; cancelling after %s (avg: %s)",
					w.id, chunk.Index+1, elapsed.Round(time.Millisecond), avg.Round(time.Millisecond))
				cancel()
				return
			}
		}
	}
}

func hungCheckInterval(threshold time.Duration) time.Duration {
	interval := threshold / 4
	if interval > time.Second {
		interval = time.Second
	}
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	return interval
}

func (w *worker) transmit(ctx context.Context, window *FileWindow, chunk ChunkDescriptor) error {
	if err := window.SetWindow(chunk.Offset, chunk.Length); err != nil {
		return err
	}
	if !w.session.Transmit(ctx, w.token, window, chunk.Length, true, chunk.IsFinal, chunk.Offset) {
		return ErrTransmissionFailure
	}
	return nil
}
