//go:build integration

package client

import (
	"context"
	"errors"
	"testing"

	"github.com/Sternrassler/postfeed/internal/testutil"
	"github.com/Sternrassler/postfeed/pkg/lease"
	"github.com/rs/zerolog"
)

// TestSharedLease_Integration runs two services against one upstream with a
// shared Redis lease: while one holds a request open, the other is rejected.
func TestSharedLease_Integration(t *testing.T) {
	redisClient, cleanup := testutil.StartRedis(t)
	defer cleanup()

	mock := testutil.NewMockPosts(100)
	defer mock.Close()
	mock.Hold()

	newService := func() *Service {
		l, err := lease.NewRedisLease(lease.Config{Redis: redisClient, Logger: zerolog.Nop()})
		if err != nil {
			t.Fatalf("NewRedisLease: %v", err)
		}
		return newTestService(t, mock.URL(), func(c *Config) { c.Lease = l })
	}

	a := newService()
	b := newService()

	first := a.FetchPage(context.Background(), nil)
	waitArrived(t, mock)

	second := waitTask(t, b.FetchPage(context.Background(), nil))
	if !errors.Is(second.Err, ErrLeaseContended) || KindOf(second.Err) != KindLease {
		t.Fatalf("second service err = %v, want lease contention", second.Err)
	}

	mock.Release()
	if r := waitTask(t, first); r.Err != nil {
		t.Fatalf("first service failed: %v", r.Err)
	}

	// Lease is free again.
	if r := waitTask(t, b.FetchPage(context.Background(), nil)); r.Err != nil {
		t.Fatalf("second service after release failed: %v", r.Err)
	}
	if mock.RequestCount() != 2 {
		t.Errorf("RequestCount() = %d, want 2", mock.RequestCount())
	}
}
