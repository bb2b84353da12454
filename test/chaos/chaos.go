package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"pharmatrace/docstore"
	"pharmatrace/ledger"
)

// TerminateRandomBackend occasionally kills a backend connection of the test database.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) == 0 {
				_, _ = pool.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = current_database() AND pid <> pg_backend_pid() ORDER BY random() LIMIT 1`)
			}
		}
	}
}

// LedgerFaults injects ledger misbehaviour: refused submissions, operations
// that land without confirming, and operations that never land.
func LedgerFaults(ctx context.Context, chain *ledger.MemoryLedger, stop <-chan struct{}) {
	ticker := time.NewTicker(700 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			switch rand.Intn(6) {
			case 0:
				chain.FailNextSubmits(ledger.ErrUnavailable, ledger.ErrUnavailable)
			case 1:
				chain.LandSilently(1)
			case 2:
				chain.DropNext(1)
			case 3:
				chain.SetBlockDelay(time.Duration(rand.Intn(300)) * time.Millisecond)
			}
		}
	}
}

// StoreOutage takes the document store offline for short windows.
func StoreOutage(ctx context.Context, docs *docstore.MemoryStore, stop <-chan struct{}) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	defer docs.SetUnavailable(false)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(3) == 0 {
				docs.SetUnavailable(true)
				time.Sleep(time.Duration(100+rand.Intn(200)) * time.Millisecond)
				docs.SetUnavailable(false)
			}
		}
	}
}
