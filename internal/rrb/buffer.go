// Package rrb implements the row-reorder buffer: a bounded multiplexer
// that lets a transform process rows concurrently while guaranteeing the
// orchestrator observes results in the exact order it submitted them.
package rrb

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrShutdown is returned by Submit and WaitForNextRelease once Shutdown
// has been called.
var ErrShutdown = errors.New("rrb: buffer is shut down")

// ErrTimeout is returned by WaitForNextRelease when no entry becomes
// ready before the deadline.
var ErrTimeout = errors.New("rrb: timed out waiting for next release")

// ErrTicketNotFound is returned by Complete when ticket has already been
// released or evicted.
var ErrTicketNotFound = errors.New("rrb: ticket not found (already released or evicted)")

// Ticket is a handle returned by Submit, carrying the monotonic sequence
// number that fixes the row's position in the release order.
type Ticket struct {
	Seq   int64
	RowID string
}

type ticketEntry struct {
	ticket Ticket
	done   bool
	result any
}

// RowReorderBuffer is a bounded multiplexer: up to maxPending rows may be
// in flight at once, workers may complete them in any order, but
// WaitForNextRelease always yields them back in submission order.
type RowReorderBuffer struct {
	sem *semaphore.Weighted

	mu          sync.Mutex
	nextSeq     int64
	nextRelease int64
	pending     map[int64]*ticketEntry
	notify      chan struct{}
	shutdown    bool
}

// New returns a RowReorderBuffer that admits at most maxPending
// outstanding (submitted but not yet released) tickets at once.
func New(maxPending int64) *RowReorderBuffer {
	return &RowReorderBuffer{
		sem:     semaphore.NewWeighted(maxPending),
		pending: make(map[int64]*ticketEntry),
		notify:  make(chan struct{}),
	}
}

// Submit reserves a slot, blocking if maxPending tickets are already
// outstanding, and returns a ticket carrying the row's release sequence
// number. Returns ErrShutdown if the buffer has been shut down, or ctx's
// error if ctx is cancelled while blocked on backpressure.
func (b *RowReorderBuffer) Submit(ctx context.Context, rowID string) (Ticket, error) {
	if b.isShutdown() {
		return Ticket{}, ErrShutdown
	}

	if err := b.sem.Acquire(ctx, 1); err != nil {
		return Ticket{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.shutdown {
		b.sem.Release(1)

		return Ticket{}, ErrShutdown
	}

	seq := b.nextSeq
	b.nextSeq++

	ticket := Ticket{Seq: seq, RowID: rowID}
	b.pending[seq] = &ticketEntry{ticket: ticket}

	return ticket, nil
}

// Complete records ticket's result, making it eligible for release once
// every earlier-submitted ticket has also been released. May be called
// from any goroutine, in any order relative to other Complete calls.
// Returns ErrTicketNotFound if ticket was already evicted.
func (b *RowReorderBuffer) Complete(ticket Ticket, result any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.pending[ticket.Seq]
	if !ok {
		return ErrTicketNotFound
	}

	entry.done = true
	entry.result = result
	b.broadcastLocked()

	return nil
}

// Evict removes an outstanding ticket without releasing it. If the
// ticket's worker later calls Complete, that call returns
// ErrTicketNotFound and the result is discarded — by discipline, callers
// must treat that as an expected outcome, not an error. Returns false if
// the ticket was already completed and released, or already evicted.
func (b *RowReorderBuffer) Evict(ticket Ticket) bool {
	b.mu.Lock()
	_, ok := b.pending[ticket.Seq]
	if ok {
		delete(b.pending, ticket.Seq)
	}
	b.broadcastLocked()
	b.mu.Unlock()

	if ok {
		b.sem.Release(1)
	}

	return ok
}

// WaitForNextRelease blocks until the next entry in submission order is
// ready and returns it, skipping over any evicted tickets in that
// position. Returns ErrTimeout if timeout elapses first, or ErrShutdown
// if the buffer is shut down while waiting.
func (b *RowReorderBuffer) WaitForNextRelease(timeout time.Duration) (Ticket, any, error) {
	deadline := time.Now().Add(timeout)

	for {
		b.mu.Lock()

		if b.shutdown {
			b.mu.Unlock()

			return Ticket{}, nil, ErrShutdown
		}

		entry, ok := b.pending[b.nextRelease]

		switch {
		case !ok && b.nextRelease < b.nextSeq:
			// The head of the queue was evicted: skip it and check the
			// next position immediately, no wait required.
			b.nextRelease++
			b.mu.Unlock()

			continue
		case ok && entry.done:
			delete(b.pending, b.nextRelease)
			b.nextRelease++
			b.mu.Unlock()
			b.sem.Release(1)

			return entry.ticket, entry.result, nil
		}

		ch := b.notify
		b.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Ticket{}, nil, ErrTimeout
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return Ticket{}, nil, ErrTimeout
		}
	}
}

// Shutdown wakes every blocked Submit and WaitForNextRelease call with
// ErrShutdown. Safe to call more than once.
func (b *RowReorderBuffer) Shutdown() {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()

		return
	}

	b.shutdown = true
	b.broadcastLocked()
	b.mu.Unlock()
}

// PendingCount returns the number of tickets submitted but not yet
// released or evicted.
func (b *RowReorderBuffer) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.pending)
}

func (b *RowReorderBuffer) isShutdown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.shutdown
}

// broadcastLocked wakes every goroutine blocked on the current notify
// channel. Must be called with b.mu held.
func (b *RowReorderBuffer) broadcastLocked() {
	close(b.notify)
	b.notify = make(chan struct{})
}
