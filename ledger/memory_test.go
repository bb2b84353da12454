package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"pharmatrace/hashing"
)

const (
	manufacturer = "0x1111111111111111111111111111111111111111"
	distributor  = "0x2222222222222222222222222222222222222222"
)

func mintOp(t *testing.T, batchID string) Operation {
	t.Helper()
	key, err := hashing.MintKey(batchID)
	if err != nil {
		t.Fatalf("mint key: %v", err)
	}
	content, _ := hashing.ContentHash([]byte("doc " + batchID))
	link, _ := hashing.LinkageHash(batchID, content)
	return Operation{
		Kind:        KindMint,
		Key:         key,
		BatchID:     batchID,
		DocumentRef: "bafkreitest",
		LinkageHash: link,
		To:          manufacturer,
	}
}

func TestMemoryLedger_MintConfirmReadFind(t *testing.T) {
	l := NewMemoryLedger(5 * time.Millisecond)
	ctx := context.Background()
	op := mintOp(t, "B1")

	h, err := l.Submit(ctx, op)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	receipt, err := l.AwaitConfirmation(ctx, h, time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if receipt.TokenID == "" {
		t.Fatal("expected token id in receipt")
	}

	rec, err := l.Read(ctx, receipt.TokenID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rec.BatchID != "B1" || rec.Status != StatusMinted || rec.LinkageHash != op.LinkageHash {
		t.Fatalf("unexpected record %+v", rec)
	}

	byKey, err := l.FindByKey(ctx, op.Key)
	if err != nil {
		t.Fatalf("find by key: %v", err)
	}
	if byKey.TokenID != receipt.TokenID {
		t.Fatalf("expected token %s got %s", receipt.TokenID, byKey.TokenID)
	}
}

func TestMemoryLedger_DuplicateMintRejected(t *testing.T) {
	l := NewMemoryLedger(0)
	ctx := context.Background()
	op := mintOp(t, "B1")

	if _, err := l.Submit(ctx, op); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := l.Submit(ctx, op); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected for duplicate mint key, got %v", err)
	}
	if got := l.MintCount("B1"); got != 1 {
		t.Fatalf("expected a single token, got %d", got)
	}
}

func TestMemoryLedger_SilentLandingTimesOut(t *testing.T) {
	l := NewMemoryLedger(0)
	l.LandSilently(1)
	ctx := context.Background()
	op := mintOp(t, "B2")

	h, err := l.Submit(ctx, op)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := l.AwaitConfirmation(ctx, h, 20*time.Millisecond); !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
	if _, err := l.FindByKey(ctx, op.Key); err != nil {
		t.Fatalf("expected the silent mint to be readable, got %v", err)
	}
}

func TestMemoryLedger_DroppedNeverLands(t *testing.T) {
	l := NewMemoryLedger(0)
	l.DropNext(1)
	ctx := context.Background()
	op := mintOp(t, "B3")

	h, _ := l.Submit(ctx, op)
	if _, err := l.AwaitConfirmation(ctx, h, 20*time.Millisecond); !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
	if _, err := l.FindByKey(ctx, op.Key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for dropped mint, got %v", err)
	}
}

func TestMemoryLedger_TransferGuards(t *testing.T) {
	l := NewMemoryLedger(0)
	ctx := context.Background()
	h, _ := l.Submit(ctx, mintOp(t, "B4"))
	receipt, _ := l.AwaitConfirmation(ctx, h, time.Second)

	_, err := l.Submit(ctx, Operation{Kind: KindTransfer, TokenID: receipt.TokenID, From: distributor, To: manufacturer})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected non-owner transfer to be rejected, got %v", err)
	}

	h, err = l.Submit(ctx, Operation{Kind: KindTransfer, TokenID: receipt.TokenID, From: manufacturer, To: distributor})
	if err != nil {
		t.Fatalf("transfer submit: %v", err)
	}
	if _, err := l.AwaitConfirmation(ctx, h, time.Second); err != nil {
		t.Fatalf("transfer await: %v", err)
	}
	rec, _ := l.Read(ctx, receipt.TokenID)
	if rec.Owner != distributor || rec.Status != StatusInTransit {
		t.Fatalf("unexpected record after transfer: %+v", rec)
	}

	_, err = l.Submit(ctx, Operation{Kind: KindStatusUpdate, TokenID: receipt.TokenID, From: distributor, Status: StatusVerified})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected skip to VERIFIED to be rejected, got %v", err)
	}
}

func TestMemoryLedger_InjectedSubmitFailure(t *testing.T) {
	l := NewMemoryLedger(0)
	l.FailNextSubmits(ErrUnavailable)
	ctx := context.Background()

	if _, err := l.Submit(ctx, mintOp(t, "B5")); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := l.Submit(ctx, mintOp(t, "B5")); err != nil {
		t.Fatalf("expected recovery on second submit, got %v", err)
	}
}

func TestMemoryLedger_LandedDespiteSubmitError(t *testing.T) {
	l := NewMemoryLedger(0)
	l.FailAfterLanding(ErrUnavailable)
	l.FailNextReads(ErrUnavailable)
	ctx := context.Background()

	op := mintOp(t, "B6")
	if _, err := l.Submit(ctx, op); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	rec, err := l.FindByKey(ctx, op.Key)
	if err != nil {
		t.Fatalf("expected the mint to have landed: %v", err)
	}
	if _, err := l.Read(ctx, rec.TokenID); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected injected read failure, got %v", err)
	}
	if _, err := l.Read(ctx, rec.TokenID); err != nil {
		t.Fatalf("expected read to recover, got %v", err)
	}
}

func TestValidTransition(t *testing.T) {
	cases := []struct {
		cur, next Status
		ok        bool
	}{
		{StatusInTransit, StatusDelivered, true},
		{StatusMinted, StatusDelivered, false},
		{StatusDelivered, StatusVerified, true},
		{StatusInTransit, StatusVerified, false},
		{StatusVerified, StatusFailed, true},
		{StatusFailed, StatusFailed, false},
	}
	for _, tc := range cases {
		if got := ValidTransition(tc.cur, tc.next); got != tc.ok {
			t.Errorf("%s -> %s: expected %v got %v", tc.cur, tc.next, tc.ok, got)
		}
	}
}
