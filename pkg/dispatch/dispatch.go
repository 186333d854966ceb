// Package dispatch provides the execution contexts that fetch completions are
// delivered on.
//
// Every completion of a page fetch runs on exactly one Executor. Code that
// mutates state in response to a completion can rely on that executor being
// the only writer, the same way a UI framework relies on its main thread.
package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	loopQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "postfeed_dispatch_queue_depth",
		Help: "Number of completions waiting on the dispatch loop",
	})

	loopPanicsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "postfeed_dispatch_panics_total",
		Help: "Total number of recovered panics in dispatched functions",
	})
)

// ErrAlreadyRun is returned by Run when the loop has been run before.
var ErrAlreadyRun = errors.New("dispatch loop already run")

// Executor runs functions on a designated execution context.
// Post reports false if the function was not accepted.
type Executor interface {
	Post(fn func()) bool
}

// Inline runs every function immediately on the calling goroutine.
var Inline Executor = inline{}

type inline struct{}

func (inline) Post(fn func()) bool {
	fn()
	return true
}

// Loop is a single-goroutine executor. Functions posted to it run one at a
// time in the order they were accepted. Every accepted function runs before
// Run returns.
type Loop struct {
	mu      sync.Mutex
	pending []func()
	closed  bool

	wake    chan struct{}
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
	running sync.Once
	logger  zerolog.Logger
}

// NewLoop creates an idle loop. Call Run to start it.
func NewLoop(logger zerolog.Logger) *Loop {
	return &Loop{
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  logger,
	}
}

// Post enqueues fn. It never blocks and returns false once the loop has been
// closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.pending = append(l.pending, fn)
	loopQueueDepth.Inc()
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Run executes queued functions on the calling goroutine until ctx is done
// or Close is called. A loop can only be run once.
func (l *Loop) Run(ctx context.Context) error {
	started := false
	l.running.Do(func() { started = true })
	if !started {
		return ErrAlreadyRun
	}
	defer close(l.stopped)

	for {
		select {
		case <-l.wake:
			l.drain()
		case <-ctx.Done():
			l.Close()
			l.drain()
			return ctx.Err()
		case <-l.stop:
			l.drain()
			return nil
		}
	}
}

// Close stops accepting new functions. It does not wait for Run to return.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.once.Do(func() { close(l.stop) })
}

// Stopped is closed when Run has returned.
func (l *Loop) Stopped() <-chan struct{} {
	return l.stopped
}

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		if len(l.pending) == 0 {
			l.mu.Unlock()
			return
		}
		batch := l.pending
		l.pending = nil
		l.mu.Unlock()

		for _, fn := range batch {
			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	loopQueueDepth.Dec()
	defer func() {
		if r := recover(); r != nil {
			loopPanicsTotal.Inc()
			l.logger.Error().Interface("panic", r).Msg("Recovered panic in dispatched function")
		}
	}()
	fn()
}
