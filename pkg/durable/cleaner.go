package durable

import (
	"context"
	"time"
)

// HandledMode determines what happens to a durable envelope once it was
// handled successfully.
type HandledMode int

const (
	// HandledDelete removes the envelope right away.
	HandledDelete HandledMode = iota
	// HandledArchive keeps it with status Handled for the retention window.
	HandledArchive
)

// CleanerOptions contains configuration for the handled-envelope cleaner.
type CleanerOptions struct {
	// Retention is how long handled envelopes are kept. Default is 2 hours.
	Retention time.Duration

	// CheckInterval is how often old envelopes are removed.
	// Default is 1 minute.
	CheckInterval time.Duration

	// Now returns the current time. Default is time.Now.
	Now func() time.Time
}

func DefaultCleanerOptions() CleanerOptions {
	return CleanerOptions{
		Retention:     2 * time.Hour,
		CheckInterval: time.Minute,
		Now:           time.Now,
	}
}

type CleanerOption func(*CleanerOptions)

func WithRetention(d time.Duration) CleanerOption {
	return func(o *CleanerOptions) {
		o.Retention = d
	}
}

func WithCheckInterval(d time.Duration) CleanerOption {
	return func(o *CleanerOptions) {
		o.CheckInterval = d
	}
}

func WithCleanerClock(now func() time.Time) CleanerOption {
	return func(o *CleanerOptions) {
		o.Now = now
	}
}

// Cleaner periodically removes archived handled envelopes. Run it alongside
// the runtime in an errgroup when the runtime archives handled envelopes.
type Cleaner struct {
	store   Store
	options CleanerOptions
}

func NewCleaner(store Store, opts ...CleanerOption) *Cleaner {
	options := DefaultCleanerOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &Cleaner{
		store:   store,
		options: options,
	}
}

// Run cleans once immediately and then once per CheckInterval. It returns
// nil when ctx is cancelled.
func (c *Cleaner) Run(ctx context.Context) error {
	_, _ = c.RunOnce(ctx)

	ticker := time.NewTicker(c.options.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, _ = c.RunOnce(ctx)
		}
	}
}

// RunOnce removes handled envelopes older than the retention window.
func (c *Cleaner) RunOnce(ctx context.Context) (int, error) {
	if c.options.Retention <= 0 {
		return 0, nil
	}

	n, err := c.store.DeleteHandledBefore(ctx, c.options.Now().Add(-c.options.Retention))
	if err != nil {
		logger.Errorf("failed to delete handled envelopes: %v", err)
		return 0, err
	}

	if n > 0 {
		logger.Infof("deleted %d handled envelopes", n)
	}

	return n, nil
}
