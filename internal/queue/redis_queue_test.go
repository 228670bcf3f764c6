package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := NewRedisClient(mr.Addr(), "", 0)
	return NewRedisQueue(client, Options{VisibilityTimeout: time.Minute}), mr
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)

	if err := q.Enqueue(ctx, "job-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Enqueueing twice keeps a single ready entry.
	if err := q.Enqueue(ctx, "job-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 1 {
		t.Fatalf("expected depth 1 got %d", depth)
	}

	id, err := q.DequeueWithLease(ctx)
	if err != nil || id != "job-1" {
		t.Fatalf("dequeue got %q err=%v", id, err)
	}
	if !mr.Exists("imports:inflight") {
		t.Fatalf("expected job to be in flight")
	}

	id, err = q.DequeueWithLease(ctx)
	if err != nil || id != "" {
		t.Fatalf("expected empty queue got %q err=%v", id, err)
	}

	if err := q.Ack(ctx, "job-1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if mr.Exists("imports:inflight") {
		t.Fatalf("expected in-flight set to be empty after ack")
	}
}

func TestRetryCountsAttemptsAndPromotes(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_ = q.Enqueue(ctx, "job-1")
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	runAt := time.Now().Add(time.Second)
	attempts, err := q.Retry(ctx, "job-1", runAt)
	if err != nil || attempts != 1 {
		t.Fatalf("retry got attempts=%d err=%v", attempts, err)
	}
	attempts, _ = q.Retry(ctx, "job-1", runAt)
	if attempts != 2 {
		t.Fatalf("expected 2 attempts got %d", attempts)
	}
	if n, _ := q.Attempts(ctx, "job-1"); n != 2 {
		t.Fatalf("expected stored attempts 2 got %d", n)
	}

	if n, _ := q.PromoteScheduled(ctx, time.Now(), 10); n != 0 {
		t.Fatalf("nothing should be due yet, promoted %d", n)
	}
	n, err := q.PromoteScheduled(ctx, runAt.Add(time.Millisecond), 10)
	if err != nil || n != 1 {
		t.Fatalf("promote got %d err=%v", n, err)
	}
	if id, _ := q.DequeueWithLease(ctx); id != "job-1" {
		t.Fatalf("expected promoted job, got %q", id)
	}
}

func TestRequeueExpiredLeases(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_ = q.Enqueue(ctx, "job-1")
	_, _ = q.DequeueWithLease(ctx)

	ids, err := q.RequeueExpired(ctx, time.Now(), 10)
	if err != nil || len(ids) != 0 {
		t.Fatalf("lease should still be live, got %v err=%v", ids, err)
	}

	ids, err = q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	if err != nil || len(ids) != 1 || ids[0] != "job-1" {
		t.Fatalf("expected job-1 reclaimed, got %v err=%v", ids, err)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 1 {
		t.Fatalf("expected reclaimed job ready, depth %d", depth)
	}
}

func TestExtendLeaseOnlyTouchesInFlight(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)

	if err := q.ExtendLease(ctx, "ghost", time.Minute); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if mr.Exists("imports:inflight") {
		t.Fatalf("extend must not add unknown jobs")
	}

	_ = q.Enqueue(ctx, "job-1")
	_, _ = q.DequeueWithLease(ctx)
	if err := q.ExtendLease(ctx, "job-1", 10*time.Minute); err != nil {
		t.Fatalf("extend: %v", err)
	}
	ids, _ := q.RequeueExpired(ctx, time.Now().Add(5*time.Minute), 10)
	if len(ids) != 0 {
		t.Fatalf("extended lease should not expire, got %v", ids)
	}
}

func TestCancelDLQAndPurge(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_ = q.Enqueue(ctx, "job-1")
	_ = q.Enqueue(ctx, "job-2")
	if err := q.Cancel(ctx, "job-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 1 {
		t.Fatalf("expected depth 1 after cancel got %d", depth)
	}

	id, _ := q.DequeueWithLease(ctx)
	if err := q.DLQPush(ctx, id); err != nil {
		t.Fatalf("dlq push: %v", err)
	}
	items, err := q.DLQPeek(ctx, 10)
	if err != nil || len(items) != 1 || items[0] != "job-2" {
		t.Fatalf("dlq got %v err=%v", items, err)
	}

	_ = q.Enqueue(ctx, "job-3")
	if err := q.Purge(ctx); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 0 {
		t.Fatalf("expected empty queue after purge, depth %d", depth)
	}
	if items, _ := q.DLQPeek(ctx, 10); len(items) != 0 {
		t.Fatalf("expected empty dlq after purge, got %v", items)
	}
}
