package rrb

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRowReorderBufferReleasesInSubmissionOrderDespiteCompletionOrder(t *testing.T) {
	buf := New(10)

	t1, err := buf.Submit(context.Background(), "row-1")
	require.NoError(t, err)
	t2, err := buf.Submit(context.Background(), "row-2")
	require.NoError(t, err)
	t3, err := buf.Submit(context.Background(), "row-3")
	require.NoError(t, err)

	// Complete out of submission order.
	require.NoError(t, buf.Complete(t2, "result-2"))
	require.NoError(t, buf.Complete(t3, "result-3"))
	require.NoError(t, buf.Complete(t1, "result-1"))

	ticket, result, err := buf.WaitForNextRelease(time.Second)
	require.NoError(t, err)
	require.Equal(t, t1.Seq, ticket.Seq)
	require.Equal(t, "result-1", result)

	ticket, result, err = buf.WaitForNextRelease(time.Second)
	require.NoError(t, err)
	require.Equal(t, t2.Seq, ticket.Seq)
	require.Equal(t, "result-2", result)

	ticket, result, err = buf.WaitForNextRelease(time.Second)
	require.NoError(t, err)
	require.Equal(t, t3.Seq, ticket.Seq)
	require.Equal(t, "result-3", result)
}

func TestRowReorderBufferSubmitBlocksOnBackpressure(t *testing.T) {
	buf := New(1)

	_, err := buf.Submit(context.Background(), "row-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = buf.Submit(ctx, "row-2")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRowReorderBufferEvictSkipsHeadOfQueue(t *testing.T) {
	buf := New(10)

	t1, err := buf.Submit(context.Background(), "row-1")
	require.NoError(t, err)
	t2, err := buf.Submit(context.Background(), "row-2")
	require.NoError(t, err)

	require.True(t, buf.Evict(t1))
	require.NoError(t, buf.Complete(t2, "result-2"))

	ticket, result, err := buf.WaitForNextRelease(time.Second)
	require.NoError(t, err)
	require.Equal(t, t2.Seq, ticket.Seq)
	require.Equal(t, "result-2", result)
}

func TestRowReorderBufferCompleteAfterEvictReturnsTicketNotFound(t *testing.T) {
	buf := New(10)

	ticket, err := buf.Submit(context.Background(), "row-1")
	require.NoError(t, err)

	require.True(t, buf.Evict(ticket))

	err = buf.Complete(ticket, "late-result")
	require.ErrorIs(t, err, ErrTicketNotFound)
}

func TestRowReorderBufferWaitForNextReleaseTimesOut(t *testing.T) {
	buf := New(10)

	_, err := buf.Submit(context.Background(), "row-1")
	require.NoError(t, err)

	_, _, err = buf.WaitForNextRelease(20 * time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestRowReorderBufferShutdownWakesBlockedCalls(t *testing.T) {
	buf := New(10)

	done := make(chan error, 1)
	go func() {
		_, _, err := buf.WaitForNextRelease(5 * time.Second)
		done <- err
	}()

	// Give the release goroutine a moment to start blocking.
	time.Sleep(10 * time.Millisecond)
	buf.Shutdown()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrShutdown)
	case <-time.After(time.Second):
		t.Fatal("WaitForNextRelease did not wake up after Shutdown")
	}

	_, err := buf.Submit(context.Background(), "row-after-shutdown")
	require.ErrorIs(t, err, ErrShutdown)
}

func TestRowReorderBufferPendingCountReflectsOutstandingTickets(t *testing.T) {
	buf := New(10)
	require.Equal(t, 0, buf.PendingCount())

	t1, err := buf.Submit(context.Background(), "row-1")
	require.NoError(t, err)
	require.Equal(t, 1, buf.PendingCount())

	require.NoError(t, buf.Complete(t1, "result-1"))
	require.Equal(t, 1, buf.PendingCount())

	_, _, err = buf.WaitForNextRelease(time.Second)
	require.NoError(t, err)
	require.Equal(t, 0, buf.PendingCount())
}

func TestRowReorderBufferManyConcurrentSubmissionsPreserveOrder(t *testing.T) {
	const n = 50
	buf := New(n)

	tickets := make([]Ticket, n)
	for i := 0; i < n; i++ {
		ticket, err := buf.Submit(context.Background(), "row")
		require.NoError(t, err)
		tickets[i] = ticket
	}

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			require.NoError(t, buf.Complete(tickets[i], i))
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		_, result, err := buf.WaitForNextRelease(time.Second)
		require.NoError(t, err)
		require.Equal(t, i, result)
	}
}
