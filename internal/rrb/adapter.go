package rrb

import (
	"sync"
	"time"
)

// adapterKey identifies one in-flight submission by token and the
// specific attempt (state) that submitted it, so a retry's waiter never
// receives a result meant for an earlier, timed-out attempt.
type adapterKey struct {
	tokenID string
	stateID string
}

// SharedBatchAdapter multiplexes many concurrent (tokenID, stateID)
// waiters onto a single emit() call site. register inserts a waiter;
// emit stores a result only if a matching waiter still exists, under one
// lock covering both the check and the write — this is the fix for the
// race where a result arrives for a waiter that has already timed out
// and been forgotten.
type SharedBatchAdapter struct {
	mu      sync.Mutex
	waiters map[adapterKey]chan struct{}
	results map[adapterKey]any
}

// NewSharedBatchAdapter returns an empty adapter.
func NewSharedBatchAdapter() *SharedBatchAdapter {
	return &SharedBatchAdapter{
		waiters: make(map[adapterKey]chan struct{}),
		results: make(map[adapterKey]any),
	}
}

// Waiter is returned by Register; call Wait exactly once to retrieve the
// eventual result.
type Waiter struct {
	adapter *SharedBatchAdapter
	key     adapterKey
	ready   chan struct{}
}

// Register inserts a waiter for (tokenID, stateID). Must be called
// before the corresponding Emit.
func (a *SharedBatchAdapter) Register(tokenID, stateID string) *Waiter {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := adapterKey{tokenID: tokenID, stateID: stateID}
	ready := make(chan struct{})
	a.waiters[key] = ready

	return &Waiter{adapter: a, key: key, ready: ready}
}

// Emit delivers result to the waiter registered under (tokenID,
// stateID), if one still exists. A result with no matching waiter
// (already timed out, or never registered) is silently discarded —
// there is nobody left to retrieve it, and storing it anyway is exactly
// the memory leak this adapter exists to avoid.
func (a *SharedBatchAdapter) Emit(tokenID, stateID string, result any) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := adapterKey{tokenID: tokenID, stateID: stateID}

	ready, ok := a.waiters[key]
	if !ok {
		return
	}

	a.results[key] = result
	delete(a.waiters, key)
	close(ready)
}

// Wait blocks until a matching Emit arrives or timeout elapses. When the
// timer fires it re-checks under the lock and returns a result that
// raced into the map during the wake window; otherwise it removes the
// waiter entry, so a late Emit after this call returns finds nothing to
// deliver.
func (w *Waiter) Wait(timeout time.Duration) (any, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		w.adapter.mu.Lock()
		defer w.adapter.mu.Unlock()

		result := w.adapter.results[w.key]
		delete(w.adapter.results, w.key)

		return result, nil
	case <-timer.C:
		w.adapter.mu.Lock()
		defer w.adapter.mu.Unlock()

		// The result may have been delivered between the timer firing and
		// this goroutine acquiring the lock; honor it instead of
		// discarding a result that genuinely arrived.
		if result, ok := w.adapter.results[w.key]; ok {
			delete(w.adapter.results, w.key)

			return result, nil
		}

		delete(w.adapter.waiters, w.key)
		delete(w.adapter.results, w.key)

		return nil, ErrTimeout
	}
}

// Clear removes all waiters and results, for use between runs.
func (a *SharedBatchAdapter) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.waiters = make(map[adapterKey]chan struct{})
	a.results = make(map[adapterKey]any)
}
