// Package token implements the token manager: minting fork/coalesce/
// expand tokens and recording their lineage. Identity is opaque — callers
// never parse a token id for meaning, they only follow the parent edges
// this package records.
package token

import (
	"context"
	"fmt"

	"github.com/auditpipe/auditpipe/internal/audit"
	"github.com/auditpipe/auditpipe/internal/canonical"
)

// Recorder is the subset of *audit.Store the token manager writes
// through. Narrowed to an interface so callers can substitute a fake in
// tests without standing up a real SQLite store.
type Recorder interface {
	CreateToken(ctx context.Context, runID, rowID string, ordinal int, lineage audit.TokenLineage) (*audit.Token, error)
	AddTokenParent(ctx context.Context, childTokenID, parentTokenID string, ordinal int) error
}

// Manager mints tokens for a single run and wires their lineage into the
// audit trail via Recorder.
type Manager struct {
	recorder Recorder
	runID    string
}

// NewManager returns a Manager scoped to runID.
func NewManager(recorder Recorder, runID string) *Manager {
	return &Manager{recorder: recorder, runID: runID}
}

// ForkToken creates one child token per branch name, each inheriting
// parent's row and recording a single parent edge back to parent at
// ordinal 0 (fork children have exactly one parent). All children share
// one freshly minted ForkGroupID, so a reader can recover every sibling
// produced by this fork without walking the graph; each child's
// BranchName names the branch it was minted for. stepIndex is the
// forking node's position in the pipeline's topological order.
func (m *Manager) ForkToken(ctx context.Context, parent *audit.Token, branches []string, stepIndex int) ([]*audit.Token, error) {
	if len(branches) == 0 {
		return nil, fmt.Errorf("token: fork requires at least one branch")
	}

	forkGroupID := canonical.NewID()
	children := make([]*audit.Token, 0, len(branches))

	for i, branch := range branches {
		lineage := audit.TokenLineage{BranchName: branch, ForkGroupID: forkGroupID, StepIndex: stepIndex}

		child, err := m.recorder.CreateToken(ctx, m.runID, parent.RowID, i, lineage)
		if err != nil {
			return nil, fmt.Errorf("token: fork branch %q: %w", branch, err)
		}

		if err := m.recorder.AddTokenParent(ctx, child.ID, parent.ID, 0); err != nil {
			return nil, fmt.Errorf("token: record fork parent edge for branch %q: %w", branch, err)
		}

		children = append(children, child)
	}

	return children, nil
}

// CoalesceTokens creates one merged token whose parents are every token
// in parents, recorded in their given order (their arrival order at the
// coalesce barrier) so ordinal preserves merge argument order. mergedRow
// is the row id the new token represents — the coalesce executor has
// already computed the merged payload and stored it, handing this
// manager only the resulting row id.
func (m *Manager) CoalesceTokens(ctx context.Context, parents []*audit.Token, mergedRowID string, stepIndex int) (*audit.Token, error) {
	if len(parents) == 0 {
		return nil, fmt.Errorf("token: coalesce requires at least one parent")
	}

	lineage := audit.TokenLineage{JoinGroupID: canonical.NewID(), StepIndex: stepIndex}

	merged, err := m.recorder.CreateToken(ctx, m.runID, mergedRowID, 0, lineage)
	if err != nil {
		return nil, fmt.Errorf("token: create coalesced token: %w", err)
	}

	for ordinal, parent := range parents {
		if err := m.recorder.AddTokenParent(ctx, merged.ID, parent.ID, ordinal); err != nil {
			return nil, fmt.Errorf("token: record coalesce parent edge %d: %w", ordinal, err)
		}
	}

	return merged, nil
}

// ExpandToken creates one child token per element of childRowIDs — the
// "deaggregation" of a source array into per-element rows — each with a
// single parent edge back to parent at ordinal 0.
func (m *Manager) ExpandToken(ctx context.Context, parent *audit.Token, childRowIDs []string, stepIndex int) ([]*audit.Token, error) {
	if len(childRowIDs) == 0 {
		return nil, fmt.Errorf("token: expand requires at least one child row")
	}

	expandGroupID := canonical.NewID()
	children := make([]*audit.Token, 0, len(childRowIDs))

	for i, rowID := range childRowIDs {
		lineage := audit.TokenLineage{ExpandGroupID: expandGroupID, StepIndex: stepIndex}

		child, err := m.recorder.CreateToken(ctx, m.runID, rowID, i, lineage)
		if err != nil {
			return nil, fmt.Errorf("token: expand element %d: %w", i, err)
		}

		if err := m.recorder.AddTokenParent(ctx, child.ID, parent.ID, 0); err != nil {
			return nil, fmt.Errorf("token: record expand parent edge for element %d: %w", i, err)
		}

		children = append(children, child)
	}

	return children, nil
}
