package client

import (
	"context"

	"github.com/Sternrassler/postfeed/pkg/post"
)

// PageResult is the outcome of one page fetch. Exactly one of Posts or Err
// is meaningful: Err is nil on success.
type PageResult struct {
	Page  int
	Posts []post.Post
	Err   error
}

// Task is a handle on an asynchronous page fetch.
type Task struct {
	page   int
	done   chan struct{}
	result PageResult
}

func newTask(page int) *Task {
	return &Task{page: page, done: make(chan struct{})}
}

// Page returns the page number this task requested, or 0 if it was rejected
// before a page was assigned.
func (t *Task) Page() int {
	return t.page
}

// Done is closed once the result is available.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the fetch completes or ctx is done.
func (t *Task) Wait(ctx context.Context) (PageResult, error) {
	select {
	case <-t.done:
		return t.result, nil
	case <-ctx.Done():
		return PageResult{}, ctx.Err()
	}
}

// resolve must be called exactly once.
func (t *Task) resolve(r PageResult) {
	t.result = r
	close(t.done)
}
