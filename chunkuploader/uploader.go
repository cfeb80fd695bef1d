package chunkuploader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"golang.org/x/sync/errgroup"
)

const abortTimeout = 30 * time.Second

// Uploader uploads files through a Transport with a pool of parallel workers.
type Uploader struct {
	config    Config
	transport Transport
	logger    log.Logger
	stats     *Stats
}

// New creates a new Uploader. A nil logger falls back to log.NewLogger().
func New(config Config, transport Transport, logger log.Logger) *Uploader {
	if logger == nil {
		logger = log.NewLogger()
	}

	return &Uploader{
		config:    config,
		transport: transport,
		logger:    logger,
		stats:     NewStats(),
	}
}

// Stats returns the chunk transmission statistics.
func (u *Uploader) Stats() *Stats {
	return u.stats
}

// Upload uploads the file and returns the upload token id.
// The token id is only returned when every byte has been acknowledged by the service.
func (u *Uploader) Upload(ctx context.Context, filePath string) (string, error) {
	result, err := u.Run(ctx, filePath)
	if err != nil {
		return "", err
	}

	tokenID, ok := result.TokenID()
	if !ok {
		if result.Failures != nil {
			return "", fmt.Errorf("%w: %s", result.Err(), result.Failures)
		}
		return "", result.Err()
	}

	return tokenID, nil
}

// Run uploads the file and returns the verdict.
// The returned error is only set when the upload could not be started; transmission
// failures are reported by the Result.
func (u *Uploader) Run(ctx context.Context, filePath string) (Result, error) {
	if err := u.config.Validate(); err != nil {
		return Result{}, err
	}
	if u.transport == nil {
		return Result{}, fmt.Errorf("%w: no transport", ErrInvalidConfiguration)
	}

	info, err := os.Stat(filePath)
	if err != nil {
		return Result{}, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return Result{}, fmt.Errorf("%s is a directory", filePath)
	}

	plan, err := ComputeChunkPlan(info.Size(), u.config.ChunkSize)
	if err != nil {
		return Result{}, err
	}

	fileName := u.config.FileName
	if fileName == "" {
		fileName = filepath.Base(filePath)
	}

	session := NewUploadSession(u.transport, u.config.ContentType, u.logger)
	token, err := session.Open(ctx, fileName)
	if err != nil {
		return Result{Plan: plan}, fmt.Errorf("register upload token: %w", err)
	}

	u.logger.Infof("Uploading token %s: file size %s in %d chunk(s) of %s",
		token.ID, units.BytesSize(float64(plan.FileSize)), plan.ChunkCount, units.BytesSize(float64(plan.ChunkSize)))

	uploadCtx, cancelUpload := context.WithCancel(ctx)
	defer cancelUpload()
	coord := newCoordinator(plan, u.config, cancelUpload)

	if err := u.prime(uploadCtx, session, token, filePath, plan, coord); err != nil {
		u.logger.Errorf("Upload token %s: priming transfer failed: %s", token.ID, err)
	} else {
		u.runWorkers(uploadCtx, session, token, filePath, plan, coord)
	}

	result := Result{
		Token:           token,
		Plan:            plan,
		Progress:        coord.progress(),
		Failures:        coord.failureList(),
		budgetExhausted: coord.budgetExhausted(),
	}

	u.logger.Infof("Uploading token %s: file size %d, uploaded %d in %d/%d chunk(s)",
		token.ID, plan.FileSize, result.Progress.BytesUploaded, result.Progress.ChunksCompleted, plan.ChunkCount)

	if !result.Succeeded() {
		u.logger.Errorf("Upload token %s failed: %s", token.ID, result.Err())
		u.abort(ctx, token)
		return result, nil
	}

	u.logger.Donef("Upload token %s completed (%s/s per worker)", token.ID, units.BytesSize(u.stats.Snapshot().Throughput()))
	return result, nil
}

// prime sends the first byte of the file before any worker starts. It is retried under the
// same policy as regular chunks.
func (u *Uploader) prime(ctx context.Context, session *UploadSession, token UploadToken, filePath string, plan UploadPlan, coord *coordinator) error {
	window, err := OpenFileWindow(filePath)
	if err != nil {
		coord.recordFailure(err)
		coord.abandon()
		return err
	}
	defer func() {
		if err := window.Release(); err != nil {
			u.logger.Warnf("Failed to close file: %s", err)
		}
	}()

	length := int64(1)
	if plan.FileSize < length {
		length = plan.FileSize
	}

	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			coord.abandon()
			return err
		}

		err := window.SetWindow(0, length)
		if err == nil && !session.Transmit(ctx, token, window, length, false, false, 0) {
			err = ErrTransmissionFailure
		}
		if err == nil {
			return nil
		}

		failures++
		coord.recordFailure(fmt.Errorf("priming transfer attempt %d: %w", failures, err))
		if coord.recordChunkRetryOutcome(failures) {
			return err
		}

		backoff := time.Duration(failures) * u.config.RetryBackoff
		u.logger.Warnf("Upload token %s: priming transfer attempt %d failed, retrying after %v", token.ID, failures, backoff)
		if err := sleepContext(ctx, backoff); err != nil {
			coord.abandon()
			return err
		}
	}
}

func (u *Uploader) runWorkers(ctx context.Context, session *UploadSession, token UploadToken, filePath string, plan UploadPlan, coord *coordinator) {
	var g errgroup.Group
	for i := 0; i < u.config.Concurrency; i++ {
		w := &worker{
			id:          i + 1,
			path:        filePath,
			plan:        plan,
			token:       token,
			config:      u.config,
			coordinator: coord,
			session:     session,
			stats:       u.stats,
			logger:      u.logger,
		}
		g.Go(func() error {
			return w.run(ctx)
		})
	}

	if err := g.Wait(); err != nil {
		u.logger.Debugf("First worker failure: %s", err)
	}
}

// sleepContext waits for d unless ctx is done first.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (u *Uploader) abort(ctx context.Context, token UploadToken) {
	aborter, ok := u.transport.(Aborter)
	if !ok {
		return
	}

	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()

	if err := aborter.AbortUpload(abortCtx, token.ID); err != nil {
		u.logger.Warnf("Failed to discard upload token %s: %s", token.ID, err)
		return
	}
	u.logger.Debugf("Upload token %s discarded", token.ID)
}
