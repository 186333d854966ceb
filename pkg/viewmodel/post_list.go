// Package viewmodel holds the state a list presentation renders from:
// the posts accumulated so far and whether a loading footer should show.
package viewmodel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Sternrassler/postfeed/pkg/client"
	"github.com/Sternrassler/postfeed/pkg/post"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	rowsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "postfeed_rows",
		Help: "Number of posts accumulated by the most recently updated list",
	})

	loadMoreTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postfeed_load_more_total",
		Help: "Total LoadMore calls by outcome",
	}, []string{"outcome"})
)

// ErrIndexOutOfRange is returned by RowAt for an index outside [0, RowCount()).
var ErrIndexOutOfRange = errors.New("row index out of range")

// IndexError reports the offending index and the row count at the time.
type IndexError struct {
	Index int
	Count int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("row %d not in [0, %d)", e.Index, e.Count)
}

func (e *IndexError) Unwrap() error {
	return ErrIndexOutOfRange
}

// Fetcher is the part of client.Service the list depends on.
type Fetcher interface {
	FetchPage(ctx context.Context, onDone func(client.PageResult)) *client.Task
	IsFetching() bool
}

// PostList accumulates pages of posts in arrival order.
//
// LoadMore callbacks run on the fetcher's executor. Reads may come from any
// goroutine.
type PostList struct {
	fetcher Fetcher
	logger  zerolog.Logger

	mu         sync.RWMutex
	posts      []post.Post
	showFooter bool
}

// New creates an empty list backed by fetcher.
func New(fetcher Fetcher, logger zerolog.Logger) *PostList {
	return &PostList{
		fetcher: fetcher,
		logger:  logger,
	}
}

// LoadMore requests the next page and reports whether the fetcher accepted
// the call.
//
// If a fetch is already in flight, the footer flag is raised, false is
// returned and neither callback runs. Otherwise the footer is cleared and
// the page is fetched: on success the posts are appended and onComplete
// runs; on failure the error is logged and onFailure runs. A call accepted here but turned away
// by the fetcher afterwards (another instance holds the lease) is a failure
// too. Either callback may be nil.
func (l *PostList) LoadMore(ctx context.Context, onComplete func(), onFailure func(error)) bool {
	if l.fetcher.IsFetching() {
		l.setFooter(true)
		loadMoreTotal.WithLabelValues("skipped").Inc()
		l.logger.Debug().Msg("Load more skipped: fetch in flight")
		return false
	}

	l.setFooter(false)

	task := l.fetcher.FetchPage(ctx, func(result client.PageResult) {
		l.apply(result, onComplete, onFailure)
	})

	// Page 0 means the fetcher turned the call away before assigning a page.
	return task.Page() != 0
}

func (l *PostList) apply(result client.PageResult, onComplete func(), onFailure func(error)) {
	// Page 0: rejected before a page was assigned, LoadMore returned false.
	if result.Page == 0 && errors.Is(result.Err, client.ErrFetchInProgress) {
		l.setFooter(true)
		loadMoreTotal.WithLabelValues("skipped").Inc()
		l.logger.Debug().Msg("Load more rejected by fetcher: fetch in flight")
		return
	}

	if result.Err != nil {
		l.setFooter(false)
		loadMoreTotal.WithLabelValues("failed").Inc()
		l.logger.Warn().
			Err(result.Err).
			Int("page", result.Page).
			Str("error_kind", string(client.KindOf(result.Err))).
			Msg("Load more failed")
		if onFailure != nil {
			onFailure(result.Err)
		}
		return
	}

	l.mu.Lock()
	l.showFooter = false
	l.posts = append(l.posts, result.Posts...)
	count := len(l.posts)
	l.mu.Unlock()

	rowsGauge.Set(float64(count))
	loadMoreTotal.WithLabelValues("completed").Inc()
	l.logger.Info().
		Int("page", result.Page).
		Int("appended", len(result.Posts)).
		Int("rows", count).
		Msg("Posts appended")

	if onComplete != nil {
		onComplete()
	}
}

// RowCount returns the number of accumulated posts.
func (l *PostList) RowCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.posts)
}

// RowAt returns the post at index, or an *IndexError wrapping
// ErrIndexOutOfRange.
func (l *PostList) RowAt(index int) (post.Post, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if index < 0 || index >= len(l.posts) {
		return post.Post{}, &IndexError{Index: index, Count: len(l.posts)}
	}
	return l.posts[index], nil
}

// Rows returns a copy of all accumulated posts.
func (l *PostList) Rows() []post.Post {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]post.Post(nil), l.posts...)
}

// ShouldShowFooter reports whether a loading footer should be displayed.
func (l *PostList) ShouldShowFooter() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.showFooter
}

func (l *PostList) setFooter(show bool) {
	l.mu.Lock()
	l.showFooter = show
	l.mu.Unlock()
}
