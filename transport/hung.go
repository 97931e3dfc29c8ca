package transport

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// HungDetector cancels upload attempts that run longer than the average
// successful upload by more than a threshold. Stopped attempts fail with a
// retryable Timeout error.
//
// Nothing is cancelled until the first upload went through, there is no
// average to compare to before that.
type HungDetector struct {
	next      Transport
	threshold time.Duration
	interval  time.Duration
	stats     *Stats
	logger    log.Logger
}

// WithHungDetection wraps next with hung upload detection.
func WithHungDetection(next Transport, threshold time.Duration, logger log.Logger) *HungDetector {
	return &HungDetector{
		next:      next,
		threshold: threshold,
		interval:  time.Second,
		stats:     NewStats(),
		logger:    logger,
	}
}

// Unwrap ...
func (d *HungDetector) Unwrap() Transport {
	return d.next
}

// Close closes next if it is an io.Closer.
func (d *HungDetector) Close() error {
	if c, ok := d.next.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Stats returns the durations of uploads seen so far.
func (d *HungDetector) Stats() *Stats {
	return d.stats
}

// Probe is passed through unchanged.
func (d *HungDetector) Probe(ctx context.Context, req Request) (bool, error) {
	return d.next.Probe(ctx, req)
}

// Upload runs the upload of next under hung detection.
func (d *HungDetector) Upload(ctx context.Context, req Request) (Response, error) {
	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	start := time.Now()
	if d.threshold > 0 {
		go d.watch(attemptCtx, cancel, start, req)
	}

	resp, err := d.next.Upload(attemptCtx, req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(context.Cause(attemptCtx), ErrHung) {
			return resp, &Error{Kind: Timeout, Err: ErrHung}
		}
		return resp, err
	}

	d.stats.Record(time.Since(start))
	return resp, nil
}

func (d *HungDetector) watch(ctx context.Context, cancel context.CancelCauseFunc, start time.Time, req Request) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.stats.FinishedCount() == 0 {
				continue
			}
			elapsed := time.Since(start)
			avg := d.stats.Average()
			if elapsed-avg > d.threshold {
				d.logger.Warnf("Found hung chunk upload (chunk %d of %s); canceling request after %s (avg: %s)",
					req.Chunk.Index+1, req.Chunk.FileID, elapsed.Round(time.Millisecond), avg.Round(time.Millisecond))
				cancel(ErrHung)
				return
			}
		}
	}
}
