package pagination

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/postfeed/pkg/client"
	"github.com/rs/zerolog/log"
)

// Config holds drainer configuration
type Config struct {
	// MaxPages is the maximum number of pages loaded by one Drain call
	MaxPages int
	// PageTimeout bounds the wait for each page to complete
	PageTimeout time.Duration
}

// DefaultConfig returns the default drainer configuration
func DefaultConfig() Config {
	return Config{
		MaxPages:    10,
		PageTimeout: 15 * time.Second,
	}
}

// Loader is the part of viewmodel.PostList the drainer depends on.
type Loader interface {
	LoadMore(ctx context.Context, onComplete func(), onFailure func(error)) bool
	RowCount() int
}

// Summary describes one Drain call.
type Summary struct {
	Pages     int           `json:"pages"`
	Rows      int           `json:"rows"`
	Exhausted bool          `json:"exhausted"`
	Duration  time.Duration `json:"duration_ns"`
}

// Drainer loads pages sequentially into a Loader.
type Drainer struct {
	loader Loader
	config Config
}

// NewDrainer creates a new drainer
func NewDrainer(loader Loader, config Config) *Drainer {
	if config.MaxPages <= 0 {
		config.MaxPages = 10
	}
	if config.PageTimeout <= 0 {
		config.PageTimeout = 15 * time.Second
	}

	return &Drainer{
		loader: loader,
		config: config,
	}
}

// Config returns the effective configuration.
func (d *Drainer) Config() Config {
	return d.config
}

// Drain loads up to MaxPages pages. On error the summary still reports the
// pages loaded before the failure.
func (d *Drainer) Drain(ctx context.Context) (Summary, error) {
	start := time.Now()
	summary := Summary{}

	log.Info().
		Int("max_pages", d.config.MaxPages).
		Int("rows", d.loader.RowCount()).
		Msg("Starting drain")

	for summary.Pages < d.config.MaxPages {
		if err := ctx.Err(); err != nil {
			summary.Rows = d.loader.RowCount()
			summary.Duration = time.Since(start)
			return summary, err
		}

		before := d.loader.RowCount()
		if err := d.loadOne(ctx); err != nil {
			summary.Rows = d.loader.RowCount()
			summary.Duration = time.Since(start)
			log.Warn().
				Err(err).
				Int("pages", summary.Pages).
				Int("rows", summary.Rows).
				Msg("Drain stopped - returning partial results")
			return summary, fmt.Errorf("drain stopped after %d pages: %w", summary.Pages, err)
		}

		added := d.loader.RowCount() - before
		if added == 0 {
			summary.Exhausted = true
			break
		}
		summary.Pages++

		log.Debug().
			Int("pages", summary.Pages).
			Int("added", added).
			Msg("Drain progress")
	}

	summary.Rows = d.loader.RowCount()
	summary.Duration = time.Since(start)

	log.Info().
		Int("pages", summary.Pages).
		Int("rows", summary.Rows).
		Bool("exhausted", summary.Exhausted).
		Dur("duration", summary.Duration).
		Msg("Drain complete")

	return summary, nil
}

// loadOne issues one LoadMore and waits for its outcome.
func (d *Drainer) loadOne(ctx context.Context) error {
	pageCtx, cancel := context.WithTimeout(ctx, d.config.PageTimeout)
	defer cancel()

	done := make(chan error, 1)
	started := d.loader.LoadMore(pageCtx,
		func() { done <- nil },
		func(err error) { done <- err },
	)
	if !started {
		return client.ErrFetchInProgress
	}

	select {
	case err := <-done:
		return err
	case <-pageCtx.Done():
		return pageCtx.Err()
	}
}
