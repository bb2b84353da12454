package ledger

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pharmatrace/hashing"
)

type pendingTx struct {
	op      Operation
	handle  Handle
	done    chan struct{}
	receipt Receipt
	err     error
	silent  bool
}

// MemoryLedger is an in-process simulated chain. Submitted operations are
// included after a block delay; the contract guards of the real registry
// (one token per mint key, owner-only transfers, forward-only status moves)
// are enforced at submission and again at inclusion.
//
// Fault hooks let tests reproduce the failure modes of a real network.
type MemoryLedger struct {
	mu        sync.Mutex
	tokens    map[string]*Record
	keys      map[hashing.Digest]string
	pending   map[string]*pendingTx
	nextToken uint64
	block     uint64
	delay     time.Duration
	now       func() time.Time

	submitErrs  []error
	landErrs    []error
	readErrs    []error
	silentNext  int
	dropNext    int
	submissions int
	mints       map[string]int
}

func NewMemoryLedger(blockDelay time.Duration) *MemoryLedger {
	return &MemoryLedger{
		tokens:  make(map[string]*Record),
		keys:    make(map[hashing.Digest]string),
		pending: make(map[string]*pendingTx),
		mints:   make(map[string]int),
		delay:   blockDelay,
		now:     time.Now,
	}
}

// FailNextSubmits makes the next len(errs) Submit calls return errs in order
// without reaching the chain.
func (l *MemoryLedger) FailNextSubmits(errs ...error) {
	l.mu.Lock()
	l.submitErrs = append(l.submitErrs, errs...)
	l.mu.Unlock()
}

// FailAfterLanding makes the next len(errs) submissions land on chain while
// the Submit call returns errs in order, as when an RPC times out after the
// transaction was broadcast.
func (l *MemoryLedger) FailAfterLanding(errs ...error) {
	l.mu.Lock()
	l.landErrs = append(l.landErrs, errs...)
	l.mu.Unlock()
}

// FailNextReads makes the next len(errs) Read calls return errs in order.
func (l *MemoryLedger) FailNextReads(errs ...error) {
	l.mu.Lock()
	l.readErrs = append(l.readErrs, errs...)
	l.mu.Unlock()
}

// LandSilently makes the next n submissions land on chain without ever
// signalling confirmation to the submitter.
func (l *MemoryLedger) LandSilently(n int) {
	l.mu.Lock()
	l.silentNext += n
	l.mu.Unlock()
}

// DropNext makes the next n submissions vanish: a handle is returned but the
// operation never lands.
func (l *MemoryLedger) DropNext(n int) {
	l.mu.Lock()
	l.dropNext += n
	l.mu.Unlock()
}

// SetBlockDelay changes the inclusion delay for later submissions.
func (l *MemoryLedger) SetBlockDelay(d time.Duration) {
	l.mu.Lock()
	l.delay = d
	l.mu.Unlock()
}

// ForceStatus overwrites a token's status, simulating an out-of-band ledger
// action such as a regulator recall.
func (l *MemoryLedger) ForceStatus(tokenID string, status Status) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.tokens[tokenID]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.UpdatedAt = l.now().UTC()
	return nil
}

// MintCount returns how many tokens were ever minted for batchID.
func (l *MemoryLedger) MintCount(batchID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mints[batchID]
}

// Submissions returns how many operations reached the chain's queue.
func (l *MemoryLedger) Submissions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submissions
}

func (l *MemoryLedger) Submit(ctx context.Context, op Operation) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}

	l.mu.Lock()
	if len(l.submitErrs) > 0 {
		err := l.submitErrs[0]
		l.submitErrs = l.submitErrs[1:]
		l.mu.Unlock()
		return Handle{}, err
	}
	if err := l.checkLocked(op); err != nil {
		l.mu.Unlock()
		return Handle{}, err
	}

	tx := &pendingTx{
		op: op,
		handle: Handle{
			ID:          "0x" + strings.ReplaceAll(uuid.NewString(), "-", ""),
			Kind:        op.Kind,
			SubmittedAt: l.now().UTC(),
		},
		done: make(chan struct{}),
	}
	l.pending[tx.handle.ID] = tx
	l.submissions++

	drop := false
	if l.dropNext > 0 {
		l.dropNext--
		drop = true
	} else if l.silentNext > 0 {
		l.silentNext--
		tx.silent = true
	}
	var landErr error
	if !drop && len(l.landErrs) > 0 {
		landErr = l.landErrs[0]
		l.landErrs = l.landErrs[1:]
	}
	delay := l.delay
	l.mu.Unlock()

	if drop {
		return tx.handle, nil
	}
	if delay <= 0 {
		l.include(tx.handle.ID)
	} else {
		time.AfterFunc(delay, func() { l.include(tx.handle.ID) })
	}
	if landErr != nil {
		return Handle{}, landErr
	}
	return tx.handle, nil
}

func (l *MemoryLedger) AwaitConfirmation(ctx context.Context, h Handle, timeout time.Duration) (Receipt, error) {
	l.mu.Lock()
	tx, ok := l.pending[h.ID]
	l.mu.Unlock()
	if !ok {
		return Receipt{}, fmt.Errorf("%w: handle %s", ErrNotFound, h.ID)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-tx.done:
		if tx.silent {
			select {
			case <-timer.C:
				return Receipt{}, ErrTimedOut
			case <-ctx.Done():
				return Receipt{}, ctx.Err()
			}
		}
		return tx.receipt, tx.err
	case <-timer.C:
		return Receipt{}, ErrTimedOut
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	}
}

func (l *MemoryLedger) Read(ctx context.Context, tokenID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.readErrs) > 0 {
		err := l.readErrs[0]
		l.readErrs = l.readErrs[1:]
		return Record{}, err
	}
	rec, ok := l.tokens[tokenID]
	if !ok {
		return Record{}, fmt.Errorf("%w: token %s", ErrNotFound, tokenID)
	}
	return *rec, nil
}

func (l *MemoryLedger) FindByKey(ctx context.Context, key hashing.Digest) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	tokenID, ok := l.keys[key]
	if !ok {
		return Record{}, fmt.Errorf("%w: key %s", ErrNotFound, key)
	}
	return *l.tokens[tokenID], nil
}

func (l *MemoryLedger) include(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, ok := l.pending[id]
	if !ok {
		return
	}
	l.block++

	if err := l.checkLocked(tx.op); err != nil {
		tx.err = err
		close(tx.done)
		return
	}

	now := l.now().UTC()
	var tokenID string
	switch tx.op.Kind {
	case KindMint:
		l.nextToken++
		tokenID = strconv.FormatUint(l.nextToken, 10)
		l.tokens[tokenID] = &Record{
			TokenID:     tokenID,
			Key:         tx.op.Key,
			BatchID:     tx.op.BatchID,
			DocumentRef: tx.op.DocumentRef,
			LinkageHash: tx.op.LinkageHash,
			Owner:       normalizeAddress(tx.op.To),
			Status:      StatusMinted,
			UpdatedAt:   now,
		}
		l.keys[tx.op.Key] = tokenID
		l.mints[tx.op.BatchID]++
	case KindTransfer:
		tokenID = tx.op.TokenID
		rec := l.tokens[tokenID]
		rec.Owner = normalizeAddress(tx.op.To)
		rec.Status = StatusInTransit
		rec.UpdatedAt = now
	case KindStatusUpdate:
		tokenID = tx.op.TokenID
		rec := l.tokens[tokenID]
		rec.Status = tx.op.Status
		rec.UpdatedAt = now
	}

	tx.receipt = Receipt{
		Handle:      tx.handle,
		TokenID:     tokenID,
		BlockNumber: l.block,
		ConfirmedAt: now,
	}
	close(tx.done)
}

// checkLocked applies the registry contract's guards.
func (l *MemoryLedger) checkLocked(op Operation) error {
	switch op.Kind {
	case KindMint:
		if op.Key.IsZero() || op.LinkageHash.IsZero() || op.BatchID == "" || op.DocumentRef == "" {
			return fmt.Errorf("%w: incomplete mint", ErrRejected)
		}
		if _, exists := l.keys[op.Key]; exists {
			return fmt.Errorf("%w: mint key %s already used", ErrRejected, op.Key)
		}
	case KindTransfer:
		rec, ok := l.tokens[op.TokenID]
		if !ok {
			return fmt.Errorf("%w: unknown token %s", ErrRejected, op.TokenID)
		}
		if !sameAddress(rec.Owner, op.From) {
			return fmt.Errorf("%w: %s is not the owner of token %s", ErrRejected, op.From, op.TokenID)
		}
		if rec.Status != StatusMinted && rec.Status != StatusInTransit {
			return fmt.Errorf("%w: token %s is %s", ErrRejected, op.TokenID, rec.Status)
		}
		if op.To == "" || sameAddress(op.To, op.From) {
			return fmt.Errorf("%w: invalid recipient", ErrRejected)
		}
	case KindStatusUpdate:
		rec, ok := l.tokens[op.TokenID]
		if !ok {
			return fmt.Errorf("%w: unknown token %s", ErrRejected, op.TokenID)
		}
		if op.Status != StatusFailed && !sameAddress(rec.Owner, op.From) {
			return fmt.Errorf("%w: %s is not the owner of token %s", ErrRejected, op.From, op.TokenID)
		}
		if !ValidTransition(rec.Status, op.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrRejected, rec.Status, op.Status)
		}
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrRejected, op.Kind)
	}
	return nil
}

func normalizeAddress(a string) string {
	return strings.ToLower(strings.TrimSpace(a))
}

func sameAddress(a, b string) bool {
	return normalizeAddress(a) == normalizeAddress(b)
}
