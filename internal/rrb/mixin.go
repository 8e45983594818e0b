package rrb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// OutputPort is the downstream a BatchRunner emits finished rows to —
// the next transform in the pipeline, or a sink. A BatchRunner never
// knows which.
type OutputPort interface {
	Emit(ctx context.Context, rowID, stateID string, result any, resultErr error) error
}

// Processor does the actual per-row work. It runs on its own goroutine,
// concurrently with other in-flight rows, and its return value is
// delivered to the OutputPort in submission order regardless of
// completion order.
type Processor func(ctx context.Context, rowID, stateID string) (any, error)

type submissionKey struct {
	rowID   string
	stateID string
}

type batchEntry struct {
	rowID     string
	stateID   string
	result    any
	resultErr error
}

// BatchRunner gives any transform FIFO-ordered output over concurrently
// processed rows: accept() only blocks on backpressure, a worker
// goroutine per row does the processing, and a single release goroutine
// drains completions in submission order and hands them to OutputPort.
//
// The across-row ordering guarantee lives here, not in the transform
// itself — a transform composes a BatchRunner instead of inheriting one,
// since Go has no mixin inheritance to reach for.
type BatchRunner struct {
	name        string
	buffer      *RowReorderBuffer
	output      OutputPort
	waitTimeout time.Duration
	logger      *slog.Logger

	submissionsMu sync.Mutex
	submissions   map[submissionKey]Ticket

	workers sync.WaitGroup

	shutdownOnce sync.Once
	released     chan struct{}
}

// NewBatchRunner returns a BatchRunner that allows at most maxPending
// rows in flight at once and emits finished rows to output. waitTimeout
// bounds how long the release loop blocks between pending checks; it
// does not bound how long any individual row may take to process.
func NewBatchRunner(name string, maxPending int64, output OutputPort, waitTimeout time.Duration, logger *slog.Logger) *BatchRunner {
	if logger == nil {
		logger = slog.Default()
	}

	r := &BatchRunner{
		name:        name,
		buffer:      New(maxPending),
		output:      output,
		waitTimeout: waitTimeout,
		logger:      logger.With("batch_runner", name),
		submissions: make(map[submissionKey]Ticket),
		released:    make(chan struct{}),
	}

	go r.releaseLoop()

	return r
}

// AcceptRow submits a row for concurrent processing. It blocks only on
// backpressure (maxPending rows already in flight); the processor itself
// runs on a separate goroutine. stateID scopes this specific attempt so
// a retry after eviction never collides with the original submission.
func (r *BatchRunner) AcceptRow(ctx context.Context, rowID, stateID string, processor Processor) error {
	ticket, err := r.buffer.Submit(ctx, rowID)
	if err != nil {
		return fmt.Errorf("rrb: accept row %q: %w", rowID, err)
	}

	key := submissionKey{rowID: rowID, stateID: stateID}

	r.submissionsMu.Lock()
	r.submissions[key] = ticket
	r.submissionsMu.Unlock()

	r.workers.Add(1)

	go func() {
		defer r.workers.Done()
		r.processAndComplete(ctx, ticket, rowID, stateID, processor)
	}()

	return nil
}

// processAndComplete runs on a worker goroutine. A ErrTicketNotFound
// from Complete means the ticket was evicted after a waiter timed out
// and a retry is already underway; the result is simply discarded.
func (r *BatchRunner) processAndComplete(ctx context.Context, ticket Ticket, rowID, stateID string, processor Processor) {
	result, err := processor(ctx, rowID, stateID)

	completeErr := r.buffer.Complete(ticket, batchEntry{rowID: rowID, stateID: stateID, result: result, resultErr: err})
	if completeErr != nil && !errors.Is(completeErr, ErrTicketNotFound) {
		r.logger.Error("unexpected error completing ticket", "row_id", rowID, "error", completeErr)
	}
}

// releaseLoop drains the buffer in submission order and hands each
// result to the output port. Runs for the BatchRunner's entire lifetime
// until Shutdown is called.
func (r *BatchRunner) releaseLoop() {
	defer close(r.released)

	for {
		ticket, raw, err := r.buffer.WaitForNextRelease(r.waitTimeout)

		switch {
		case errors.Is(err, ErrTimeout):
			continue
		case errors.Is(err, ErrShutdown):
			return
		case err != nil:
			r.logger.Error("unexpected error waiting for release", "error", err)

			continue
		}

		entry, ok := raw.(batchEntry)
		if !ok {
			r.logger.Error("release entry had unexpected type", "row_id", ticket.RowID)

			continue
		}

		key := submissionKey{rowID: entry.rowID, stateID: entry.stateID}

		r.submissionsMu.Lock()
		delete(r.submissions, key)
		r.submissionsMu.Unlock()

		if emitErr := r.output.Emit(context.Background(), entry.rowID, entry.stateID, entry.result, entry.resultErr); emitErr != nil {
			r.logger.Error("output port rejected emit", "row_id", entry.rowID, "error", emitErr)
		}
	}
}

// FlushBatchProcessing blocks until every accepted row has been released,
// or timeout elapses.
func (r *BatchRunner) FlushBatchProcessing(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for r.buffer.PendingCount() > 0 {
		if time.Now().After(deadline) {
			return fmt.Errorf("rrb: flush timeout: %d rows still pending", r.buffer.PendingCount())
		}

		time.Sleep(10 * time.Millisecond)
	}

	return nil
}

// EvictSubmission removes a tracked submission from the buffer so a
// retry attempt can proceed without waiting behind it in FIFO order. The
// original worker may still complete later, but Complete will then
// return ErrTicketNotFound and the result is discarded.
func (r *BatchRunner) EvictSubmission(rowID, stateID string) bool {
	key := submissionKey{rowID: rowID, stateID: stateID}

	r.submissionsMu.Lock()
	ticket, ok := r.submissions[key]
	delete(r.submissions, key)
	r.submissionsMu.Unlock()

	if !ok {
		return false
	}

	return r.buffer.Evict(ticket)
}

// Shutdown waits for in-flight workers to finish, then shuts down the
// buffer (from then on AcceptRow returns an error wrapping ErrShutdown)
// and waits for the release loop to exit. Safe to call more than once.
func (r *BatchRunner) Shutdown(timeout time.Duration) {
	r.shutdownOnce.Do(func() {
		r.workers.Wait()
		r.buffer.Shutdown()

		select {
		case <-r.released:
		case <-time.After(timeout):
			r.logger.Warn("release loop did not stop cleanly")
		}
	})
}
