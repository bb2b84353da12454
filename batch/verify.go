package batch

import (
	"context"
	"errors"
	"fmt"

	"pharmatrace/docstore"
	"pharmatrace/hashing"
	"pharmatrace/ledger"
)

// Verify checks that the document bound on the ledger still hashes to the
// recorded linkage. It never mutates state. Tampered and Unverifiable are
// verdicts, not errors; errors are reserved for unknown batches and
// unreachable dependencies.
func (m *Manager) Verify(ctx context.Context, identifier string) (VerificationResult, error) {
	b, err := m.resolve(ctx, identifier)
	if err != nil {
		return VerificationResult{}, err
	}
	res := VerificationResult{CheckedAt: m.now().UTC()}
	view := b.clone()
	res.Batch = &view

	if b.LedgerToken == "" {
		reason := fmt.Sprintf("batch is %s and has no ledger record", b.Status)
		if b.Status == StatusFailed && b.FailureReason != "" {
			reason += ": " + b.FailureReason
		}
		return res.unverifiable(reason), nil
	}

	var rec ledger.Record
	if err := m.withRetry(ctx, "read ledger "+b.LedgerToken, func() error {
		var rerr error
		rec, rerr = m.chain.Read(ctx, b.LedgerToken)
		return rerr
	}); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return res.tampered("ledger has no record for token " + b.LedgerToken), nil
		}
		return VerificationResult{}, degraded("read ledger", err)
	}
	res.LedgerStatus = rec.Status
	if rec.Owner != "" {
		view.Custodian = rec.Owner
	}

	var doc []byte
	if err := m.withRetry(ctx, "fetch document "+rec.DocumentRef, func() error {
		var gerr error
		doc, gerr = m.docs.Get(ctx, rec.DocumentRef)
		return gerr
	}); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return res.unverifiable("document " + rec.DocumentRef + " is not in the document store"), nil
		}
		return VerificationResult{}, degraded("fetch document", err)
	}

	if reason := compareBinding(b, rec, doc); reason != "" {
		return res.tampered(reason), nil
	}
	if rec.Status == ledger.StatusFailed {
		return res.unverifiable("ledger status is FAILED"), nil
	}
	res.Verdict = VerdictAuthentic
	res.Authentic = true
	res.Reason = "document matches the ledger record"
	return res, nil
}

// compareBinding returns why the fetched document, the ledger record and the
// cached batch disagree, or "" when they all agree.
func compareBinding(b Batch, rec ledger.Record, doc []byte) string {
	if rec.BatchID != b.BatchID {
		return fmt.Sprintf("ledger record names batch %q", rec.BatchID)
	}
	if rec.DocumentRef != b.DocumentRef {
		return "ledger document reference differs from the local record"
	}
	content, err := hashing.ContentHash(doc)
	if err != nil {
		return "document is empty"
	}
	if content != b.ContentHash {
		return "document content hash does not match"
	}
	linkage, err := hashing.LinkageHash(rec.BatchID, content)
	if err != nil {
		return "ledger batch id is not hashable"
	}
	if linkage != rec.LinkageHash {
		return "recomputed linkage hash does not match the ledger"
	}
	if rec.LinkageHash != b.LinkageHash {
		return "ledger linkage hash differs from the local record"
	}
	return ""
}

func (r VerificationResult) tampered(reason string) VerificationResult {
	r.Verdict = VerdictTampered
	r.Authentic = false
	r.Reason = reason
	return r
}

func (r VerificationResult) unverifiable(reason string) VerificationResult {
	r.Verdict = VerdictUnverifiable
	r.Authentic = false
	r.Reason = reason
	return r
}
