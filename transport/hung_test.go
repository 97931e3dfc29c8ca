package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	probe  func(ctx context.Context, req Request) (bool, error)
	upload func(ctx context.Context, req Request) (Response, error)
}

func (f fakeTransport) Probe(ctx context.Context, req Request) (bool, error) {
	if f.probe == nil {
		return false, nil
	}
	return f.probe(ctx, req)
}

func (f fakeTransport) Upload(ctx context.Context, req Request) (Response, error) {
	return f.upload(ctx, req)
}

func blockingUpload(delay time.Duration) func(ctx context.Context, req Request) (Response, error) {
	return func(ctx context.Context, req Request) (Response, error) {
		select {
		case <-time.After(delay):
			return Response{StatusCode: 200}, nil
		case <-ctx.Done():
			return Response{}, Classify(ctx, ctx.Err())
		}
	}
}

func newTestDetector(next Transport, threshold time.Duration) *HungDetector {
	d := WithHungDetection(next, threshold, log.NewLogger())
	d.interval = 5 * time.Millisecond
	return d
}

func TestHungDetector_CancelsHungUpload(t *testing.T) {
	delay := time.Millisecond
	next := fakeTransport{upload: func(ctx context.Context, req Request) (Response, error) {
		return blockingUpload(delay)(ctx, req)
	}}
	d := newTestDetector(next, 50*time.Millisecond)

	_, err := d.Upload(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.Stats().FinishedCount())

	delay = time.Minute
	start := time.Now()
	_, err = d.Upload(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, Timeout, KindOf(err))
	assert.True(t, errors.Is(err, ErrHung))
	assert.True(t, IsRetryable(err))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, int64(1), d.Stats().FinishedCount())
}

func TestHungDetector_WaitsForFirstSuccess(t *testing.T) {
	next := fakeTransport{upload: blockingUpload(100 * time.Millisecond)}
	d := newTestDetector(next, 10*time.Millisecond)

	_, err := d.Upload(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.Stats().FinishedCount())
	assert.Greater(t, d.Stats().Average(), time.Duration(0))
}

func TestHungDetector_ParentCancellation(t *testing.T) {
	next := fakeTransport{upload: blockingUpload(time.Minute)}
	d := newTestDetector(next, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := d.Upload(ctx, Request{})
	require.Error(t, err)
	assert.Equal(t, Cancelled, KindOf(err))
}

func TestHungDetector_Unwrap(t *testing.T) {
	s3 := NewS3WithClient(&mockS3{}, S3Config{Bucket: "b"}, log.NewLogger())
	d := WithHungDetection(s3, time.Second, log.NewLogger())

	f, ok := AsFinalizer(d)
	require.True(t, ok)
	assert.Same(t, s3, f)

	a, ok := AsAborter(d)
	require.True(t, ok)
	assert.Same(t, s3, a)

	_, ok = AsFinalizer(fakeTransport{})
	assert.False(t, ok)
}

func TestStats(t *testing.T) {
	s := NewStats()
	assert.Equal(t, time.Duration(0), s.Average())

	s.Record(10 * time.Millisecond)
	s.Record(30 * time.Millisecond)
	assert.Equal(t, 20*time.Millisecond, s.Average())
	assert.Equal(t, int64(2), s.FinishedCount())
	assert.Equal(t, 40*time.Millisecond, s.TotalDuration())
}
