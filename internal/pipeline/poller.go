package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sfbridge/internal/logger"
	"sfbridge/internal/salesforce"
	"sfbridge/pkg/models"
)

// BatchWriter ships produced log batches downstream.
type BatchWriter interface {
	WriteBatches(batches []models.LogBatch) error
	Close() error
}

// LogFetcher is the per-instance fetch surface the poller drives.
type LogFetcher interface {
	Name() string
	Authenticate(ctx context.Context) (bool, error)
	FetchLogs(ctx context.Context) ([]models.LogBatch, error)
}

// ErrAuthRejected is returned when the token endpoint rejects the
// configured credentials.
var ErrAuthRejected = errors.New("salesforce rejected the configured credentials")

// Poller runs fetch cycles for one Salesforce instance on a fixed
// interval and hands the produced batches to the writer.
type Poller struct {
	fetcher  LogFetcher
	writer   BatchWriter
	interval time.Duration
}

// NewPoller creates a poller for one instance.
func NewPoller(fetcher LogFetcher, writer BatchWriter, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Poller{
		fetcher:  fetcher,
		writer:   writer,
		interval: interval,
	}
}

// Run authenticates and then executes one cycle per interval until the
// context is canceled. A rejected credential or an unreachable token
// endpoint stops the poller; per-cycle API failures only skip the tick,
// leaving the window in place for the next one.
func (p *Poller) Run(ctx context.Context) error {
	name := p.fetcher.Name()

	ok, err := p.fetcher.Authenticate(ctx)
	if err != nil {
		return fmt.Errorf("instance %s: %w", name, err)
	}
	if !ok {
		return fmt.Errorf("instance %s: %w", name, ErrAuthRejected)
	}

	logger.Infof("[%s] poller started, interval %s", name, p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.cycle(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// cycle runs one fetch and ships the result. Only LoginError is returned;
// everything else is logged and absorbed.
func (p *Poller) cycle(ctx context.Context) error {
	name := p.fetcher.Name()

	batches, err := p.fetcher.FetchLogs(ctx)
	if err != nil {
		var loginErr *salesforce.LoginError
		if errors.As(err, &loginErr) {
			return err
		}
		logger.Errorf("[%s] fetch cycle failed: %v", name, err)
		return nil
	}
	if len(batches) == 0 {
		return nil
	}

	if err := p.writer.WriteBatches(batches); err != nil {
		logger.Errorf("[%s] shipping %d batches failed: %v", name, len(batches), err)
		return nil
	}
	logger.Infof("[%s] shipped %d batches", name, len(batches))
	return nil
}
