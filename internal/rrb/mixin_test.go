package rrb

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingPort struct {
	mu      sync.Mutex
	emitted []string
}

func (p *recordingPort) Emit(ctx context.Context, rowID, stateID string, result any, resultErr error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emitted = append(p.emitted, rowID)

	return nil
}

func (p *recordingPort) rows() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.emitted...)
}

func TestBatchRunnerEmitsInAcceptOrderDespiteVaryingWorkDuration(t *testing.T) {
	port := &recordingPort{}
	runner := NewBatchRunner("test", 10, port, time.Second, nil)

	delays := map[string]time.Duration{
		"row-1": 30 * time.Millisecond,
		"row-2": 5 * time.Millisecond,
		"row-3": 15 * time.Millisecond,
	}

	processor := func(ctx context.Context, rowID, stateID string) (any, error) {
		time.Sleep(delays[rowID])

		return rowID, nil
	}

	for _, rowID := range []string{"row-1", "row-2", "row-3"} {
		require.NoError(t, runner.AcceptRow(context.Background(), rowID, "state-1", processor))
	}

	require.NoError(t, runner.FlushBatchProcessing(time.Second))
	runner.Shutdown(time.Second)

	require.Equal(t, []string{"row-1", "row-2", "row-3"}, port.rows())
}

func TestBatchRunnerEvictSubmissionUnblocksRetry(t *testing.T) {
	port := &recordingPort{}
	runner := NewBatchRunner("test", 10, port, time.Second, nil)

	block := make(chan struct{})
	processor := func(ctx context.Context, rowID, stateID string) (any, error) {
		<-block

		return rowID, nil
	}

	require.NoError(t, runner.AcceptRow(context.Background(), "row-stuck", "attempt-1", processor))

	evicted := runner.EvictSubmission("row-stuck", "attempt-1")
	require.True(t, evicted)

	fastProcessor := func(ctx context.Context, rowID, stateID string) (any, error) {
		return rowID, nil
	}
	require.NoError(t, runner.AcceptRow(context.Background(), "row-retry", "attempt-2", fastProcessor))

	require.Eventually(t, func() bool {
		rows := port.rows()

		return len(rows) == 1 && rows[0] == "row-retry"
	}, time.Second, 10*time.Millisecond)

	close(block)
	runner.Shutdown(time.Second)
}

func TestBatchRunnerProcessorErrorIsDeliveredNotDropped(t *testing.T) {
	port := &recordingPort{}
	runner := NewBatchRunner("test", 10, port, time.Second, nil)

	boom := errors.New("boom")
	processor := func(ctx context.Context, rowID, stateID string) (any, error) {
		return nil, boom
	}

	require.NoError(t, runner.AcceptRow(context.Background(), "row-err", "state-1", processor))
	require.NoError(t, runner.FlushBatchProcessing(time.Second))
	runner.Shutdown(time.Second)

	require.Equal(t, []string{"row-err"}, port.rows())
}
