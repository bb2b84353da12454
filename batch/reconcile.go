package batch

import (
	"context"
	"errors"
	"fmt"

	"pharmatrace/hashing"
	"pharmatrace/ledger"
)

// ReconcileAction names what reconciliation did to a batch.
type ReconcileAction string

const (
	ReconcileClean    ReconcileAction = "clean"
	ReconcileAdopted  ReconcileAction = "adopted"
	ReconcileRestored ReconcileAction = "restored"
	ReconcileFailed   ReconcileAction = "failed"
	ReconcileWaiting  ReconcileAction = "waiting"
	ReconcileBusy     ReconcileAction = "busy"
)

// ReconcileResult reports the outcome for one batch.
type ReconcileResult struct {
	BatchID string
	Action  ReconcileAction
	Status  Status
}

// Reconcile compares an unsettled batch against the ledger and adopts or
// clears its in-flight operation. It waits for the batch's exclusive
// section.
func (m *Manager) Reconcile(ctx context.Context, batchID string) (ReconcileResult, error) {
	release, err := m.locks.acquire(ctx, batchID)
	if err != nil {
		return ReconcileResult{}, err
	}
	defer release()
	return m.reconcileLocked(ctx, batchID)
}

// ReconcilePending runs Reconcile over every unsettled batch. Batches whose
// section is held are skipped and reported busy.
func (m *Manager) ReconcilePending(ctx context.Context) ([]ReconcileResult, error) {
	unsettled, err := m.repo.ListUnsettled(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("batch: list unsettled: %w", err)
	}

	var (
		results []ReconcileResult
		errs    []error
	)
	for _, b := range unsettled {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		release, ok := m.locks.tryAcquire(b.BatchID)
		if !ok {
			results = append(results, ReconcileResult{BatchID: b.BatchID, Action: ReconcileBusy, Status: b.Status})
			continue
		}
		res, err := m.reconcileLocked(ctx, b.BatchID)
		release()
		if err != nil {
			errs = append(errs, fmt.Errorf("reconcile %s: %w", b.BatchID, err))
			continue
		}
		if res.Action != ReconcileClean {
			m.logger.Printf("batch: reconciled %s: %s (%s)", res.BatchID, res.Action, res.Status)
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

func (m *Manager) reconcileLocked(ctx context.Context, batchID string) (ReconcileResult, error) {
	b, err := m.repo.GetByID(ctx, batchID)
	if err != nil {
		return ReconcileResult{}, err
	}
	result := func(b Batch, action ReconcileAction) ReconcileResult {
		return ReconcileResult{BatchID: b.BatchID, Action: action, Status: b.Status}
	}

	switch {
	case b.Status == StatusDraft || b.Status == StatusMinting:
		return m.reconcileMint(ctx, b)
	case b.Pending != nil:
		return m.reconcileCustody(ctx, b)
	default:
		return result(b, ReconcileClean), nil
	}
}

func (m *Manager) reconcileMint(ctx context.Context, b Batch) (ReconcileResult, error) {
	key, err := hashing.MintKey(b.BatchID)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}

	rec, err := m.chain.FindByKey(ctx, key)
	if err == nil {
		settled, err := m.settleMint(ctx, b, rec, "")
		if err != nil {
			return ReconcileResult{}, err
		}
		return ReconcileResult{BatchID: b.BatchID, Action: ReconcileAdopted, Status: settled.Status}, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return ReconcileResult{}, degraded("find mint", err)
	}

	if b.Status == StatusDraft {
		b.Status = StatusMinting
		b.Pending = &PendingOperation{Kind: ledger.KindMint, Actor: b.Custodian, SubmittedAt: m.now().UTC()}
		if err := m.save(ctx, &b); err != nil {
			return ReconcileResult{}, err
		}
	}

	if b.Pending != nil && b.Pending.Attempts >= m.cfg.MaxMintAttempts {
		if m.now().Sub(b.Pending.SubmittedAt) < m.cfg.PendingExpiry {
			return ReconcileResult{BatchID: b.BatchID, Action: ReconcileWaiting, Status: b.Status}, nil
		}
		failed, err := m.fail(ctx, b, "", fmt.Sprintf("mint not confirmed after %d attempts", b.Pending.Attempts))
		if err != nil {
			return ReconcileResult{}, err
		}
		return ReconcileResult{BatchID: b.BatchID, Action: ReconcileFailed, Status: failed.Status}, nil
	}

	h, err := m.submitMint(ctx, &b, key)
	if err != nil {
		if errors.Is(err, ledger.ErrRejected) {
			settled, serr := m.settleRejectedMint(ctx, b, key, err)
			if serr != nil {
				return ReconcileResult{}, serr
			}
			return ReconcileResult{BatchID: b.BatchID, Action: mintAction(settled), Status: settled.Status}, nil
		}
		return ReconcileResult{}, degraded("resubmit mint", err)
	}

	receipt, waitErr := m.chain.AwaitConfirmation(ctx, h, m.cfg.ConfirmTimeout)
	switch {
	case waitErr == nil:
		rec, err := m.readMinted(ctx, receipt, key)
		if err != nil {
			return ReconcileResult{}, degraded("read minted", err)
		}
		settled, err := m.settleMint(ctx, b, rec, receipt.Handle.ID)
		if err != nil {
			return ReconcileResult{}, err
		}
		return ReconcileResult{BatchID: b.BatchID, Action: ReconcileAdopted, Status: settled.Status}, nil
	case errors.Is(waitErr, ledger.ErrRejected):
		settled, err := m.settleRejectedMint(ctx, b, key, waitErr)
		if err != nil {
			return ReconcileResult{}, err
		}
		return ReconcileResult{BatchID: b.BatchID, Action: mintAction(settled), Status: settled.Status}, nil
	default:
		if rec, err := m.chain.FindByKey(ctx, key); err == nil {
			settled, err := m.settleMint(ctx, b, rec, h.ID)
			if err != nil {
				return ReconcileResult{}, err
			}
			return ReconcileResult{BatchID: b.BatchID, Action: ReconcileAdopted, Status: settled.Status}, nil
		}
		return ReconcileResult{BatchID: b.BatchID, Action: ReconcileWaiting, Status: b.Status}, nil
	}
}

func (m *Manager) reconcileCustody(ctx context.Context, b Batch) (ReconcileResult, error) {
	if b.LedgerToken == "" {
		return ReconcileResult{}, fmt.Errorf("%w: batch %s has a pending %s but no token", ErrInvariantViolation, b.BatchID, b.Pending.Kind)
	}

	rec, err := m.chain.Read(ctx, b.LedgerToken)
	if err != nil {
		return ReconcileResult{}, degraded("read ledger", err)
	}
	if applied(b.Pending, rec) {
		settled, err := m.settleCustody(ctx, b, "token:"+b.LedgerToken)
		if err != nil {
			return ReconcileResult{}, err
		}
		return ReconcileResult{BatchID: b.BatchID, Action: ReconcileAdopted, Status: settled.Status}, nil
	}

	waiting := ReconcileResult{BatchID: b.BatchID, Action: ReconcileWaiting, Status: b.Status}
	if b.Pending.Attempts >= m.cfg.MaxCustodyAttempts {
		if m.now().Sub(b.Pending.SubmittedAt) < m.cfg.PendingExpiry {
			return waiting, nil
		}
		restored, err := m.restore(ctx, b)
		if err != nil {
			return ReconcileResult{}, err
		}
		return ReconcileResult{BatchID: b.BatchID, Action: ReconcileRestored, Status: restored.Status}, nil
	}

	h := ledger.Handle{ID: b.Pending.Handle, Kind: b.Pending.Kind, SubmittedAt: b.Pending.SubmittedAt}
	if h.ID == "" {
		next, err := m.submitCustody(ctx, &b)
		switch {
		case err != nil && next.ID != "":
			return ReconcileResult{}, err
		case errors.Is(err, ledger.ErrRejected):
			out, rerr := m.rejectedCustody(ctx, b, err)
			return custodyResult(out, rerr, waiting)
		case err != nil:
			return ReconcileResult{}, degraded("resubmit "+string(b.Pending.Kind), err)
		}
		h = next
	}
	out, err := m.confirmCustody(ctx, b, h)
	return custodyResult(out, err, waiting)
}

// custodyResult maps the outcome of a custody confirmation to a
// reconciliation result. An operation still unconfirmed is left waiting.
func custodyResult(b Batch, err error, waiting ReconcileResult) (ReconcileResult, error) {
	switch {
	case err == nil:
		return ReconcileResult{BatchID: b.BatchID, Action: ReconcileAdopted, Status: b.Status}, nil
	case errors.Is(err, ErrRejected):
		return ReconcileResult{BatchID: b.BatchID, Action: ReconcileRestored, Status: b.Status}, nil
	case errors.Is(err, ErrServiceDegraded):
		return waiting, nil
	default:
		return ReconcileResult{}, err
	}
}

func mintAction(b Batch) ReconcileAction {
	if b.Status == StatusFailed {
		return ReconcileFailed
	}
	return ReconcileAdopted
}
