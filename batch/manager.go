package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"pharmatrace/docstore"
	"pharmatrace/hashing"
	"pharmatrace/ledger"
	"pharmatrace/session"
	"pharmatrace/stakeholder"
)

// ErrInvalidTransition signals the batch is not in a status the operation
// can start from.
var ErrInvalidTransition = errors.New("batch: invalid status transition")

// StakeholderLookup resolves wallets to registered stakeholders.
type StakeholderLookup interface {
	GetByWallet(ctx context.Context, wallet string) (stakeholder.Stakeholder, error)
}

// Config tunes the Manager. Zero values fall back to defaults.
type Config struct {
	ConfirmTimeout  time.Duration
	RetryAttempts   int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	MaxMintAttempts int
	// MaxCustodyAttempts caps ledger submissions of one transfer or status
	// update.
	MaxCustodyAttempts int
	// PendingExpiry is how long an unconfirmed transfer or status update is
	// kept after its last submission before reconciliation abandons it.
	PendingExpiry time.Duration
	Logger        *log.Logger
}

func (c Config) withDefaults() Config {
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 30 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 4
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 200 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Second
	}
	if c.MaxMintAttempts <= 0 {
		c.MaxMintAttempts = 3
	}
	if c.MaxCustodyAttempts <= 0 {
		c.MaxCustodyAttempts = 3
	}
	if c.PendingExpiry <= 0 {
		c.PendingExpiry = 10 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

// Manager orchestrates the batch lifecycle across the document store, the
// ledger and the local repository. Operations on one batch are serialized;
// different batches proceed in parallel.
type Manager struct {
	repo   Repository
	docs   docstore.Store
	chain  ledger.Client
	people StakeholderLookup
	cfg    Config
	logger *log.Logger
	locks  *keyedLocks
	now    func() time.Time

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewManager(repo Repository, docs docstore.Store, chain ledger.Client, people StakeholderLookup, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		repo:   repo,
		docs:   docs,
		chain:  chain,
		people: people,
		cfg:    cfg,
		logger: cfg.Logger,
		locks:  newKeyedLocks(),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Close waits for background mint confirmations. If ctx ends first the
// confirmations are cancelled; their batches stay MINTING and are picked up
// by reconciliation.
func (m *Manager) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		<-done
		return ctx.Err()
	}
}

// CreateBatch stores the document, persists the batch and submits the mint.
// The returned batch is MINTING; confirmation continues in the background
// while the batch's exclusive section stays held.
func (m *Manager) CreateBatch(ctx context.Context, actor session.Session, req CreateRequest) (Batch, error) {
	if err := authorize(actor, session.ActionCreateBatch, session.Resource{}); err != nil {
		return Batch{}, err
	}
	if err := validateCreate(req); err != nil {
		return Batch{}, err
	}
	if err := m.ctx.Err(); err != nil {
		return Batch{}, fmt.Errorf("%w: manager is closed", ErrServiceDegraded)
	}
	if _, err := m.requireActive(ctx, actor.Subject); err != nil {
		return Batch{}, err
	}

	content, err := hashing.ContentHash(req.Document)
	if err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	linkage, err := hashing.LinkageHash(req.BatchID, content)
	if err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	key, err := hashing.MintKey(req.BatchID)
	if err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if _, err := m.repo.GetByID(ctx, req.BatchID); err == nil {
		return Batch{}, ErrDuplicate
	} else if !errors.Is(err, ErrNotFound) {
		return Batch{}, err
	}

	var ref string
	if err := m.withRetry(ctx, "store document "+req.BatchID, func() error {
		var perr error
		ref, perr = m.docs.Put(ctx, req.Document)
		return perr
	}); err != nil {
		return Batch{}, degraded("store document", err)
	}

	release, err := m.locks.acquire(ctx, req.BatchID)
	if err != nil {
		return Batch{}, err
	}
	handedOff := false
	defer func() {
		if !handedOff {
			release()
		}
	}()

	now := m.now().UTC()
	draft := Batch{
		BatchID:     req.BatchID,
		DocumentRef: ref,
		ContentHash: content,
		LinkageHash: linkage,
		Status:      StatusDraft,
		Custodian:   actor.Subject,
		Metadata:    req.Metadata,
	}
	if err := draft.CheckInvariant(); err != nil {
		return Batch{}, err
	}
	b, err := m.repo.Create(ctx, draft, HistoryEntry{
		Actor:        actor.Subject,
		Action:       ActionCreated,
		Timestamp:    now,
		NewCustodian: actor.Subject,
		LedgerRef:    ref,
	})
	if err != nil {
		return Batch{}, err
	}

	// From here on the batch exists; a cancelled request must not strand it
	// half-written.
	ctx = context.WithoutCancel(ctx)

	b.Status = StatusMinting
	b.Pending = &PendingOperation{Kind: ledger.KindMint, Actor: actor.Subject, SubmittedAt: now}
	if err := m.save(ctx, &b); err != nil {
		return Batch{}, err
	}

	handle, err := m.submitMint(ctx, &b, key)
	if err != nil {
		if errors.Is(err, ledger.ErrRejected) {
			settled, serr := m.settleRejectedMint(ctx, b, key, err)
			if serr != nil {
				return Batch{}, serr
			}
			if settled.Status == StatusFailed {
				return settled, fmt.Errorf("%w: %v", ErrRejected, err)
			}
			return settled, nil
		}
		m.logger.Printf("batch: mint of %s not submitted, left for reconciliation: %v", b.BatchID, err)
		return b, degraded("submit mint", err)
	}

	handedOff = true
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer release()
		m.confirmMint(m.ctx, b.BatchID, key, handle)
	}()
	return b, nil
}

// submitMint submits the mint for b and records the handle on its pending
// operation.
func (m *Manager) submitMint(ctx context.Context, b *Batch, key hashing.Digest) (ledger.Handle, error) {
	op := ledger.Operation{
		Kind:        ledger.KindMint,
		Key:         key,
		BatchID:     b.BatchID,
		DocumentRef: b.DocumentRef,
		LinkageHash: b.LinkageHash,
		To:          b.Custodian,
	}
	var h ledger.Handle
	if err := m.withRetry(ctx, "submit mint "+b.BatchID, func() error {
		var serr error
		h, serr = m.chain.Submit(ctx, op)
		return serr
	}); err != nil {
		return ledger.Handle{}, err
	}

	if b.Pending == nil {
		b.Pending = &PendingOperation{Kind: ledger.KindMint, Actor: b.Custodian}
	}
	b.Pending.Handle = h.ID
	b.Pending.Attempts++
	b.Pending.SubmittedAt = m.now().UTC()
	if err := m.save(ctx, b); err != nil {
		return h, err
	}
	return h, nil
}

// confirmMint waits for the mint to be confirmed. A timeout is resolved by
// reading the ledger by mint key before any resubmission.
func (m *Manager) confirmMint(ctx context.Context, batchID string, key hashing.Digest, handle ledger.Handle) {
	for {
		receipt, waitErr := m.chain.AwaitConfirmation(ctx, handle, m.cfg.ConfirmTimeout)
		if ctx.Err() != nil {
			return
		}

		b, err := m.repo.GetByID(ctx, batchID)
		if err != nil {
			m.logger.Printf("batch: reload %s after mint confirmation: %v", batchID, err)
			return
		}
		if b.Status != StatusMinting {
			return
		}

		switch {
		case waitErr == nil:
			rec, err := m.readMinted(ctx, receipt, key)
			if err != nil {
				m.logger.Printf("batch: read minted %s: %v", batchID, err)
				return
			}
			if _, err := m.settleMint(ctx, b, rec, receipt.Handle.ID); err != nil {
				m.logger.Printf("batch: record mint of %s: %v", batchID, err)
			}
			return

		case errors.Is(waitErr, ledger.ErrRejected):
			if _, err := m.settleRejectedMint(ctx, b, key, waitErr); err != nil {
				m.logger.Printf("batch: record rejected mint of %s: %v", batchID, err)
			}
			return

		default:
			rec, err := m.chain.FindByKey(ctx, key)
			if err == nil {
				if _, err := m.settleMint(ctx, b, rec, handle.ID); err != nil {
					m.logger.Printf("batch: record mint of %s: %v", batchID, err)
				}
				return
			}
			if !errors.Is(err, ledger.ErrNotFound) {
				m.logger.Printf("batch: mint of %s unresolved (%v), read failed: %v", batchID, waitErr, err)
				return
			}
			if b.Pending != nil && b.Pending.Attempts >= m.cfg.MaxMintAttempts {
				m.logger.Printf("batch: mint of %s unconfirmed after %d attempts, left for reconciliation", batchID, b.Pending.Attempts)
				return
			}
			m.logger.Printf("batch: mint of %s not on ledger after %v, resubmitting", batchID, waitErr)
			next, err := m.submitMint(ctx, &b, key)
			if err != nil {
				if errors.Is(err, ledger.ErrRejected) {
					if _, err := m.settleRejectedMint(ctx, b, key, err); err != nil {
						m.logger.Printf("batch: record rejected mint of %s: %v", batchID, err)
					}
					return
				}
				m.logger.Printf("batch: resubmit mint of %s: %v", batchID, err)
				return
			}
			handle = next
		}
	}
}

func (m *Manager) readMinted(ctx context.Context, receipt ledger.Receipt, key hashing.Digest) (ledger.Record, error) {
	if receipt.TokenID != "" {
		rec, err := m.chain.Read(ctx, receipt.TokenID)
		if err == nil {
			return rec, nil
		}
	}
	return m.chain.FindByKey(ctx, key)
}

// settleRejectedMint handles a rejected mint. A rejection can mean an
// earlier attempt already landed under the same key, so the ledger is read
// first; only a mint that is truly absent fails the batch.
func (m *Manager) settleRejectedMint(ctx context.Context, b Batch, key hashing.Digest, cause error) (Batch, error) {
	rec, err := m.chain.FindByKey(ctx, key)
	if err == nil {
		return m.settleMint(ctx, b, rec, "")
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return b, degraded("read ledger after rejection", err)
	}
	return m.fail(ctx, b, "", cause.Error())
}

// settleMint records a mint found on the ledger.
func (m *Manager) settleMint(ctx context.Context, b Batch, rec ledger.Record, ref string) (Batch, error) {
	if rec.BatchID != b.BatchID || rec.LinkageHash != b.LinkageHash {
		return m.fail(ctx, b, "", "ledger record for the mint key does not match the batch document")
	}

	actor := b.Custodian
	if b.Pending != nil && b.Pending.Actor != "" {
		actor = b.Pending.Actor
	}
	if ref == "" {
		ref = "token:" + rec.TokenID
	}

	b.LedgerToken = rec.TokenID
	b.Status = StatusMinted
	switch rec.Status {
	case ledger.StatusInTransit, ledger.StatusDelivered, ledger.StatusVerified:
		b.Status = Status(rec.Status)
	}
	if rec.Owner != "" {
		b.Custodian = rec.Owner
	}
	b.Pending = nil
	b.FailureReason = ""

	entry := HistoryEntry{
		Actor:        actor,
		Action:       ActionMinted,
		Timestamp:    m.now().UTC(),
		NewCustodian: b.Custodian,
		LedgerRef:    ref,
	}
	if err := m.save(ctx, &b, entry); err != nil {
		return Batch{}, err
	}
	m.logger.Printf("batch: %s minted as token %s", b.BatchID, b.LedgerToken)
	return b, nil
}

// fail moves b to FAILED. The document reference is kept for audit.
func (m *Manager) fail(ctx context.Context, b Batch, actor, reason string) (Batch, error) {
	if actor == "" {
		actor = b.Custodian
		if b.Pending != nil && b.Pending.Actor != "" {
			actor = b.Pending.Actor
		}
	}
	b.Status = StatusFailed
	b.LedgerToken = ""
	b.Pending = nil
	b.FailureReason = reason
	entry := HistoryEntry{
		Actor:             actor,
		Action:            ActionFailed,
		Timestamp:         m.now().UTC(),
		PreviousCustodian: b.Custodian,
		NewCustodian:      b.Custodian,
	}
	if err := m.save(ctx, &b, entry); err != nil {
		return Batch{}, err
	}
	m.logger.Printf("batch: %s failed: %s", b.BatchID, reason)
	return b, nil
}

// save persists b after checking the token/status invariant.
func (m *Manager) save(ctx context.Context, b *Batch, entries ...HistoryEntry) error {
	if err := b.CheckInvariant(); err != nil {
		m.logger.Printf("batch: refusing to persist %s: %v", b.BatchID, err)
		return err
	}
	saved, err := m.repo.Update(ctx, *b, b.Version, entries...)
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return fmt.Errorf("%w: %v", ErrStalePrecondition, err)
		}
		return err
	}
	*b = saved
	return nil
}

func (m *Manager) requireActive(ctx context.Context, wallet string) (stakeholder.Stakeholder, error) {
	s, err := m.people.GetByWallet(ctx, wallet)
	if err != nil {
		if errors.Is(err, stakeholder.ErrNotFound) {
			return stakeholder.Stakeholder{}, fmt.Errorf("%w: %s is not a registered stakeholder", ErrForbidden, wallet)
		}
		return stakeholder.Stakeholder{}, fmt.Errorf("batch: load stakeholder: %w", err)
	}
	if !s.IsActive {
		return stakeholder.Stakeholder{}, fmt.Errorf("%w: stakeholder %s is inactive", ErrForbidden, wallet)
	}
	return s, nil
}

func authorize(actor session.Session, action session.Action, res session.Resource) error {
	if err := session.Authorize(actor, action, res); err != nil {
		return fmt.Errorf("%w: %v", ErrForbidden, err)
	}
	return nil
}

// degraded maps a dependency failure onto ErrServiceDegraded. Caller
// cancellations pass through unchanged.
func degraded(what string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrServiceDegraded, what, err)
}
