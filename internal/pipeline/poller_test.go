package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sfbridge/internal/salesforce"
	"sfbridge/pkg/models"
)

type fakeFetcher struct {
	authOK  bool
	authErr error
	fetch   func(ctx context.Context) ([]models.LogBatch, error)
}

func (f *fakeFetcher) Name() string { return "test" }

func (f *fakeFetcher) Authenticate(ctx context.Context) (bool, error) {
	return f.authOK, f.authErr
}

func (f *fakeFetcher) FetchLogs(ctx context.Context) ([]models.LogBatch, error) {
	return f.fetch(ctx)
}

type captureWriter struct {
	mu      sync.Mutex
	batches []models.LogBatch
	writes  int
}

func (w *captureWriter) WriteBatches(batches []models.LogBatch) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.batches = append(w.batches, batches...)
	w.writes++
	return nil
}

func (w *captureWriter) Close() error { return nil }

func TestRunStopsOnRejectedCredentials(t *testing.T) {
	fetcher := &fakeFetcher{authOK: false}
	p := NewPoller(fetcher, &captureWriter{}, time.Minute)

	err := p.Run(context.Background())
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected, got %v", err)
	}
}

func TestRunStopsOnLoginError(t *testing.T) {
	fetcher := &fakeFetcher{authErr: &salesforce.LoginError{Instance: "test", Err: errors.New("connection refused")}}
	p := NewPoller(fetcher, &captureWriter{}, time.Minute)

	err := p.Run(context.Background())
	var loginErr *salesforce.LoginError
	if !errors.As(err, &loginErr) {
		t.Fatalf("expected LoginError, got %v", err)
	}
}

func TestRunStopsWhenFetchHitsLoginError(t *testing.T) {
	fetcher := &fakeFetcher{
		authOK: true,
		fetch: func(ctx context.Context) ([]models.LogBatch, error) {
			return nil, &salesforce.LoginError{Instance: "test", Err: errors.New("reauth failed")}
		},
	}
	p := NewPoller(fetcher, &captureWriter{}, time.Minute)

	err := p.Run(context.Background())
	var loginErr *salesforce.LoginError
	if !errors.As(err, &loginErr) {
		t.Fatalf("expected LoginError from fetch, got %v", err)
	}
}

func TestRunShipsBatchesUntilCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fetcher := &fakeFetcher{
		authOK: true,
		fetch: func(ctx context.Context) ([]models.LogBatch, error) {
			cancel()
			return []models.LogBatch{{LogType: "Login", LogEntries: []models.LogEntry{{Message: "m"}}}}, nil
		},
	}
	writer := &captureWriter{}
	p := NewPoller(fetcher, writer, time.Minute)

	err := p.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if writer.writes != 1 || len(writer.batches) != 1 {
		t.Fatalf("expected one shipped batch, writes=%d batches=%d", writer.writes, len(writer.batches))
	}
	if writer.batches[0].LogType != "Login" {
		t.Fatalf("unexpected batch: %+v", writer.batches[0])
	}
}

func TestRunAbsorbsAPIFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	fetcher := &fakeFetcher{
		authOK: true,
		fetch: func(ctx context.Context) ([]models.LogBatch, error) {
			calls++
			if calls == 1 {
				return nil, &salesforce.APIError{StatusCode: 503, Message: "unavailable"}
			}
			cancel()
			return nil, nil
		},
	}
	writer := &captureWriter{}
	p := NewPoller(fetcher, writer, 5*time.Millisecond)

	err := p.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the API failure absorbed, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected a second cycle after the failure, got %d calls", calls)
	}
	if writer.writes != 0 {
		t.Fatalf("empty and failed cycles must not reach the writer, got %d writes", writer.writes)
	}
}
