package batch

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"pharmatrace/ledger"
	"pharmatrace/session"
	"pharmatrace/stakeholder"
)

type custodyOp struct {
	action    session.Action
	kind      ledger.Kind
	target    Status
	from      []Status
	recipient string
}

// Transfer moves custody of the batch to another registered stakeholder.
// identifier is a batch id or ledger token. The batch sits in IN_TRANSIT
// with a pending transfer until the ledger confirms it.
func (m *Manager) Transfer(ctx context.Context, actor session.Session, identifier, to string) (Batch, error) {
	recipient, err := stakeholder.NormalizeWallet(to)
	if err != nil {
		return Batch{}, fmt.Errorf("%w: recipient: %v", ErrValidation, err)
	}
	return m.runCustodyOp(ctx, actor, identifier, custodyOp{
		action:    session.ActionTransferBatch,
		kind:      ledger.KindTransfer,
		target:    StatusInTransit,
		from:      []Status{StatusMinted, StatusInTransit},
		recipient: recipient,
	})
}

// MarkDelivered records that the custodian received the batch.
func (m *Manager) MarkDelivered(ctx context.Context, actor session.Session, identifier string) (Batch, error) {
	return m.runCustodyOp(ctx, actor, identifier, custodyOp{
		action: session.ActionMarkDelivered,
		kind:   ledger.KindStatusUpdate,
		target: StatusDelivered,
		from:   []Status{StatusInTransit},
	})
}

// MarkVerified records that the delivered batch passed inspection.
func (m *Manager) MarkVerified(ctx context.Context, actor session.Session, identifier string) (Batch, error) {
	return m.runCustodyOp(ctx, actor, identifier, custodyOp{
		action: session.ActionMarkVerified,
		kind:   ledger.KindStatusUpdate,
		target: StatusVerified,
		from:   []Status{StatusDelivered},
	})
}

// UpdateStatus dispatches to MarkDelivered or MarkVerified.
func (m *Manager) UpdateStatus(ctx context.Context, actor session.Session, identifier string, target Status) (Batch, error) {
	switch target {
	case StatusDelivered:
		return m.MarkDelivered(ctx, actor, identifier)
	case StatusVerified:
		return m.MarkVerified(ctx, actor, identifier)
	default:
		return Batch{}, fmt.Errorf("%w: status %q cannot be set directly", ErrValidation, target)
	}
}

func (m *Manager) runCustodyOp(ctx context.Context, actor session.Session, identifier string, op custodyOp) (Batch, error) {
	observed, err := m.resolve(ctx, identifier)
	if err != nil {
		return Batch{}, err
	}
	if _, err := m.requireActive(ctx, actor.Subject); err != nil {
		return Batch{}, err
	}

	release, err := m.locks.acquire(ctx, observed.BatchID)
	if err != nil {
		return Batch{}, err
	}
	defer release()

	b, err := m.repo.GetByID(ctx, observed.BatchID)
	if err != nil {
		return Batch{}, err
	}
	if b.Version != observed.Version {
		return Batch{}, fmt.Errorf("%w: batch %s changed while the request waited", ErrStalePrecondition, b.BatchID)
	}

	res := session.Resource{Custodian: b.Custodian}
	if b.Pending != nil {
		res.Recipient = b.Pending.Recipient
	}
	if err := session.Authorize(actor, op.action, res); err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrForbidden, err)
	}
	if b.Pending != nil {
		return Batch{}, fmt.Errorf("%w: batch %s has an unconfirmed %s", ErrStalePrecondition, b.BatchID, b.Pending.Kind)
	}
	if !slices.Contains(op.from, b.Status) {
		return Batch{}, fmt.Errorf("%w: batch %s is %s", ErrInvalidTransition, b.BatchID, b.Status)
	}
	if op.kind == ledger.KindTransfer {
		if stakeholder.SameWallet(op.recipient, b.Custodian) {
			return Batch{}, fmt.Errorf("%w: recipient already holds the batch", ErrValidation)
		}
		if _, err := m.requireActive(ctx, op.recipient); err != nil {
			if errors.Is(err, ErrForbidden) {
				return Batch{}, fmt.Errorf("%w: recipient %s is not an active stakeholder", ErrValidation, op.recipient)
			}
			return Batch{}, err
		}
	}

	// The ledger is about to be touched; finish the bookkeeping even if the
	// caller goes away.
	ctx = context.WithoutCancel(ctx)

	b.Pending = &PendingOperation{
		Kind:           op.kind,
		Recipient:      op.recipient,
		TargetStatus:   op.target,
		PreviousStatus: b.Status,
		Actor:          actor.Subject,
		SubmittedAt:    m.now().UTC(),
	}
	if op.kind == ledger.KindTransfer {
		b.Status = StatusInTransit
	}
	if err := m.save(ctx, &b); err != nil {
		return Batch{}, err
	}

	h, err := m.submitCustody(ctx, &b)
	switch {
	case err != nil && h.ID != "":
		// Submitted but not recorded; reconciliation reads the ledger.
		return Batch{}, err
	case err != nil:
		return m.unsubmittedCustody(ctx, b, err)
	}
	return m.confirmCustody(ctx, b, h)
}

// custodyOperation rebuilds the ledger operation for b's pending transfer or
// status update.
func custodyOperation(b Batch) ledger.Operation {
	op := ledger.Operation{
		Kind:    b.Pending.Kind,
		TokenID: b.LedgerToken,
		From:    b.Custodian,
		To:      b.Pending.Recipient,
	}
	if op.Kind == ledger.KindStatusUpdate {
		op.Status = ledger.Status(b.Pending.TargetStatus)
	}
	return op
}

// submitCustody submits b's pending operation and records the handle.
func (m *Manager) submitCustody(ctx context.Context, b *Batch) (ledger.Handle, error) {
	op := custodyOperation(*b)
	var h ledger.Handle
	if err := m.withRetry(ctx, fmt.Sprintf("submit %s %s", op.Kind, b.BatchID), func() error {
		var serr error
		h, serr = m.chain.Submit(ctx, op)
		return serr
	}); err != nil {
		return ledger.Handle{}, err
	}

	b.Pending.Handle = h.ID
	b.Pending.Attempts++
	b.Pending.SubmittedAt = m.now().UTC()
	if err := m.save(ctx, b); err != nil {
		return h, err
	}
	return h, nil
}

// unsubmittedCustody handles a first submission that failed. A submission
// that errored may still have landed, so the batch is restored only when a
// ledger read proves the operation absent; otherwise it stays pending for
// reconciliation.
func (m *Manager) unsubmittedCustody(ctx context.Context, b Batch, submitErr error) (Batch, error) {
	if errors.Is(submitErr, ledger.ErrRejected) {
		return m.rejectedCustody(ctx, b, submitErr)
	}
	rec, err := m.chain.Read(ctx, b.LedgerToken)
	if err != nil {
		m.logger.Printf("batch: %s of %s unsubmitted (%v) and unreadable (%v), left pending", b.Pending.Kind, b.BatchID, submitErr, err)
		return b, degraded("submit "+string(b.Pending.Kind), submitErr)
	}
	if applied(b.Pending, rec) {
		return m.settleCustody(ctx, b, "token:"+b.LedgerToken)
	}
	kind := b.Pending.Kind
	restored, err := m.restore(ctx, b)
	if err != nil {
		return Batch{}, err
	}
	return restored, degraded("submit "+string(kind), submitErr)
}

// confirmCustody waits for b's pending operation. A timeout is resolved by
// reading the ledger: a landed operation is adopted, an absent one is
// resubmitted until MaxCustodyAttempts is reached. The owner and
// forward-only guards of the registry make a resubmission of an operation
// that did land fail instead of applying twice.
func (m *Manager) confirmCustody(ctx context.Context, b Batch, h ledger.Handle) (Batch, error) {
	for {
		receipt, waitErr := m.chain.AwaitConfirmation(ctx, h, m.cfg.ConfirmTimeout)
		switch {
		case waitErr == nil:
			return m.settleCustody(ctx, b, receipt.Handle.ID)
		case errors.Is(waitErr, ledger.ErrRejected):
			return m.rejectedCustody(ctx, b, waitErr)
		}

		rec, err := m.chain.Read(ctx, b.LedgerToken)
		if err != nil {
			m.logger.Printf("batch: %s of %s unresolved (%v), read failed: %v", b.Pending.Kind, b.BatchID, waitErr, err)
			return b, fmt.Errorf("%w: %s of batch %s awaits confirmation", ErrServiceDegraded, b.Pending.Kind, b.BatchID)
		}
		if applied(b.Pending, rec) {
			return m.settleCustody(ctx, b, h.ID)
		}
		if b.Pending.Attempts >= m.cfg.MaxCustodyAttempts {
			m.logger.Printf("batch: %s of %s unconfirmed after %d attempts, left for reconciliation", b.Pending.Kind, b.BatchID, b.Pending.Attempts)
			return b, fmt.Errorf("%w: %s of batch %s unconfirmed after %d attempts", ErrServiceDegraded, b.Pending.Kind, b.BatchID, b.Pending.Attempts)
		}

		m.logger.Printf("batch: %s of %s not on ledger after %v, resubmitting", b.Pending.Kind, b.BatchID, waitErr)
		next, err := m.submitCustody(ctx, &b)
		if err != nil {
			if errors.Is(err, ledger.ErrRejected) {
				return m.rejectedCustody(ctx, b, err)
			}
			// The earlier submission may still land, so nothing is undone.
			return b, degraded("resubmit "+string(b.Pending.Kind), err)
		}
		h = next
	}
}

// rejectedCustody handles a rejected custody operation. A rejection can mean
// an earlier attempt already landed, so the ledger is read before the batch
// is restored.
func (m *Manager) rejectedCustody(ctx context.Context, b Batch, cause error) (Batch, error) {
	rec, err := m.chain.Read(ctx, b.LedgerToken)
	if err != nil {
		return b, degraded("read ledger after rejection", err)
	}
	if applied(b.Pending, rec) {
		return m.settleCustody(ctx, b, "token:"+b.LedgerToken)
	}
	restored, err := m.restore(ctx, b)
	if err != nil {
		return Batch{}, err
	}
	return restored, fmt.Errorf("%w: %v", ErrRejected, cause)
}

func applied(p *PendingOperation, rec ledger.Record) bool {
	switch p.Kind {
	case ledger.KindTransfer:
		return stakeholder.SameWallet(p.Recipient, rec.Owner)
	case ledger.KindStatusUpdate:
		return ledger.AtLeast(rec.Status, ledger.Status(p.TargetStatus))
	default:
		return false
	}
}

// settleCustody applies the confirmed pending operation of b and appends
// exactly one history entry.
func (m *Manager) settleCustody(ctx context.Context, b Batch, ref string) (Batch, error) {
	p := b.Pending
	if p == nil {
		return b, nil
	}
	entry := HistoryEntry{
		Actor:             p.Actor,
		Timestamp:         m.now().UTC(),
		PreviousCustodian: b.Custodian,
		NewCustodian:      b.Custodian,
		LedgerRef:         ref,
	}
	switch p.Kind {
	case ledger.KindTransfer:
		entry.Action = ActionTransferred
		entry.NewCustodian = p.Recipient
		b.Custodian = p.Recipient
		b.Status = StatusInTransit
	case ledger.KindStatusUpdate:
		entry.Action = historyAction(p.TargetStatus)
		b.Status = p.TargetStatus
	default:
		return Batch{}, fmt.Errorf("%w: cannot settle %s as custody change", ErrInvariantViolation, p.Kind)
	}
	b.Pending = nil
	if err := m.save(ctx, &b, entry); err != nil {
		return Batch{}, err
	}
	m.logger.Printf("batch: %s %s by %s", b.BatchID, entry.Action, p.Actor)
	return b, nil
}

// restore undoes a pending operation the ledger never applied. No history is
// written because nothing happened.
func (m *Manager) restore(ctx context.Context, b Batch) (Batch, error) {
	if b.Pending == nil {
		return b, nil
	}
	if b.Pending.PreviousStatus != "" {
		b.Status = b.Pending.PreviousStatus
	}
	b.Pending = nil
	if err := m.save(ctx, &b); err != nil {
		return Batch{}, err
	}
	return b, nil
}

func historyAction(s Status) string {
	switch s {
	case StatusDelivered:
		return ActionDelivered
	case StatusVerified:
		return ActionVerified
	case StatusFailed:
		return ActionFailed
	default:
		return string(s)
	}
}
