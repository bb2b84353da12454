package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"pharmatrace/batch"
	"pharmatrace/session"
	"pharmatrace/stakeholder"
)

// Participant is a registered stakeholder acting through the batch manager.
type Participant struct {
	Wallet string
	Role   stakeholder.Role
}

func (p Participant) session() session.Session {
	return session.Session{ID: "stress-" + p.Wallet, Subject: p.Wallet, Role: p.Role}
}

// Stats counts operation outcomes across all actors.
type Stats struct {
	Created     atomic.Int64
	Transfers   atomic.Int64
	Deliveries  atomic.Int64
	Checks      atomic.Int64
	Verified    atomic.Int64
	Refused     atomic.Int64
	Degraded    atomic.Int64
	Reconciled  atomic.Int64
	Unavailable atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("created=%d transfers=%d deliveries=%d checks=%d verified=%d refused=%d degraded=%d reconciled=%d unavailable=%d",
		s.Created.Load(), s.Transfers.Load(), s.Deliveries.Load(), s.Checks.Load(), s.Verified.Load(),
		s.Refused.Load(), s.Degraded.Load(), s.Reconciled.Load(), s.Unavailable.Load())
}

// record classifies err. Only an invariant violation stops the run: every
// other failure is an expected outcome under contention and injected faults.
func (s *Stats) record(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, batch.ErrInvariantViolation):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil
	case errors.Is(err, batch.ErrServiceDegraded):
		s.Degraded.Add(1)
	case errors.Is(err, batch.ErrStalePrecondition),
		errors.Is(err, batch.ErrInvalidTransition),
		errors.Is(err, batch.ErrForbidden),
		errors.Is(err, batch.ErrRejected),
		errors.Is(err, batch.ErrDuplicate):
		s.Refused.Add(1)
	default:
		s.Unavailable.Add(1)
	}
	return nil
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func pause(min, spread int) {
	time.Sleep(time.Duration(min+rand.Intn(spread)) * time.Millisecond)
}

// Creator registers new batches as a manufacturer.
func Creator(ctx context.Context, m *batch.Manager, mfg Participant, prefix string, stats *Stats, stop <-chan struct{}) error {
	for n := 0; ; n++ {
		if stopped(ctx, stop) {
			return nil
		}
		id := fmt.Sprintf("%s-%05d", prefix, n)
		_, err := m.CreateBatch(ctx, mfg.session(), batch.CreateRequest{
			BatchID:  id,
			Document: []byte(fmt.Sprintf("certificate of analysis %s %d", id, rand.Int63())),
			Metadata: batch.Metadata{ProductName: "Stress Tablets", Quantity: int64(100 + rand.Intn(900))},
		})
		if err == nil {
			stats.Created.Add(1)
		}
		if err := stats.record(err); err != nil {
			return fmt.Errorf("creator %s: %w", id, err)
		}
		pause(20, 40)
	}
}

// Handler moves batches it holds to random peers. Several handlers sharing a
// wallet race over the same batches; the manager must let exactly one win.
func Handler(ctx context.Context, m *batch.Manager, self Participant, peers []Participant, stats *Stats, stop <-chan struct{}) error {
	for {
		if stopped(ctx, stop) {
			return nil
		}
		held, err := m.List(ctx, self.session(), batch.ListFilter{Custodian: self.Wallet, Limit: 20})
		if err := stats.record(err); err != nil {
			return fmt.Errorf("handler %s list: %w", self.Wallet, err)
		}
		movable := held[:0]
		for _, b := range held {
			if b.Pending == nil && (b.Status == batch.StatusMinted || b.Status == batch.StatusInTransit) {
				movable = append(movable, b)
			}
		}
		if len(movable) > 0 && len(peers) > 0 {
			b := movable[rand.Intn(len(movable))]
			to := peers[rand.Intn(len(peers))]
			_, err := m.Transfer(ctx, self.session(), b.LedgerToken, to.Wallet)
			if err == nil {
				stats.Transfers.Add(1)
			}
			if err := stats.record(err); err != nil {
				return fmt.Errorf("handler %s transfer %s: %w", self.Wallet, b.BatchID, err)
			}
		}
		pause(15, 35)
	}
}

// Receiver accepts deliveries and confirms them as a point of care.
func Receiver(ctx context.Context, m *batch.Manager, self Participant, stats *Stats, stop <-chan struct{}) error {
	for {
		if stopped(ctx, stop) {
			return nil
		}
		held, err := m.List(ctx, self.session(), batch.ListFilter{Custodian: self.Wallet, Limit: 20})
		if err := stats.record(err); err != nil {
			return fmt.Errorf("receiver %s list: %w", self.Wallet, err)
		}
		for _, b := range held {
			if b.Pending != nil {
				continue
			}
			var err error
			switch b.Status {
			case batch.StatusInTransit:
				if _, err = m.MarkDelivered(ctx, self.session(), b.LedgerToken); err == nil {
					stats.Deliveries.Add(1)
				}
			case batch.StatusDelivered:
				if _, err = m.MarkVerified(ctx, self.session(), b.LedgerToken); err == nil {
					stats.Verified.Add(1)
				}
			default:
				continue
			}
			if err := stats.record(err); err != nil {
				return fmt.Errorf("receiver %s %s: %w", self.Wallet, b.BatchID, err)
			}
		}
		pause(30, 50)
	}
}

// Checker runs public verifications against minted batches. Nothing in the
// run tampers with documents, so a TAMPERED verdict is a failure.
func Checker(ctx context.Context, m *batch.Manager, reader Participant, stats *Stats, stop <-chan struct{}) error {
	for {
		if stopped(ctx, stop) {
			return nil
		}
		all, err := m.List(ctx, reader.session(), batch.ListFilter{Limit: 50, Offset: rand.Intn(50)})
		if err := stats.record(err); err != nil {
			return fmt.Errorf("checker list: %w", err)
		}
		for _, b := range all {
			if b.LedgerToken == "" {
				continue
			}
			res, err := m.Verify(ctx, b.LedgerToken)
			if err := stats.record(err); err != nil {
				return fmt.Errorf("checker verify %s: %w", b.BatchID, err)
			}
			if err == nil {
				stats.Checks.Add(1)
				if res.Verdict == batch.VerdictTampered {
					return fmt.Errorf("checker: %s reported tampered: %s", b.BatchID, res.Reason)
				}
			}
			break
		}
		pause(40, 60)
	}
}

// Reconciler periodically settles operations whose confirmation was lost.
func Reconciler(ctx context.Context, m *batch.Manager, stats *Stats, stop <-chan struct{}) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		case <-ticker.C:
		}
		results, err := m.ReconcilePending(ctx)
		if errors.Is(err, batch.ErrInvariantViolation) {
			return fmt.Errorf("reconciler: %w", err)
		}
		for _, r := range results {
			if r.Action != batch.ReconcileClean && r.Action != batch.ReconcileWaiting && r.Action != batch.ReconcileBusy {
				stats.Reconciled.Add(1)
			}
		}
	}
}
