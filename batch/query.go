package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pharmatrace/session"
	"pharmatrace/stakeholder"
)

// resolve loads the batch named by a ledger token or a batch id, in that
// order.
func (m *Manager) resolve(ctx context.Context, identifier string) (Batch, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return Batch{}, fmt.Errorf("%w: batch identifier is required", ErrValidation)
	}
	b, err := m.repo.GetByToken(ctx, identifier)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Batch{}, err
	}
	return m.repo.GetByID(ctx, identifier)
}

// Get returns the cached batch with its history.
func (m *Manager) Get(ctx context.Context, actor session.Session, identifier string) (Batch, error) {
	b, err := m.resolve(ctx, identifier)
	if err != nil {
		return Batch{}, err
	}
	if err := authorize(actor, session.ActionReadBatch, session.Resource{Custodian: b.Custodian}); err != nil {
		return Batch{}, err
	}
	return b, nil
}

// List returns batches without their history, newest first.
func (m *Manager) List(ctx context.Context, actor session.Session, filter ListFilter) ([]Batch, error) {
	if err := authorize(actor, session.ActionListBatches, session.Resource{}); err != nil {
		return nil, err
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, filter.Status)
	}
	if filter.Custodian != "" {
		wallet, err := stakeholder.NormalizeWallet(filter.Custodian)
		if err != nil {
			return nil, fmt.Errorf("%w: custodian: %v", ErrValidation, err)
		}
		filter.Custodian = wallet
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, fmt.Errorf("%w: limit and offset must not be negative", ErrValidation)
	}
	return m.repo.List(ctx, filter)
}

// History returns the custody trail of a batch in order.
func (m *Manager) History(ctx context.Context, actor session.Session, identifier string) ([]HistoryEntry, error) {
	b, err := m.Get(ctx, actor, identifier)
	if err != nil {
		return nil, err
	}
	return m.repo.History(ctx, b.BatchID)
}
