package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"pharmatrace/batch"
	"pharmatrace/docstore"
	"pharmatrace/hashing"
	"pharmatrace/ledger"
	"pharmatrace/stakeholder"
	"pharmatrace/test/actors"
	"pharmatrace/test/chaos"
	"pharmatrace/test/infra"
	"pharmatrace/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 4, "number of competing actors per wallet")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flVerbose     = flag.Bool("stress-log", false, "print manager logs")
)

func seedRNG(seed int64) { rand.Seed(seed) }

type cast struct {
	manufacturer actors.Participant
	distributors []actors.Participant
	retailer     actors.Participant
	pharmacy     actors.Participant
	regulator    actors.Participant
}

func TestProvenanceConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress run skipped in -short mode")
	}
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+90*time.Second)
	defer cancel()

	pg, dsn, usedShared, err := infra.Provision(ctx, *flDSN)
	if errors.Is(err, infra.ErrNoDatabase) {
		t.Skipf("stress run needs postgres: %v", err)
	}
	if err != nil {
		t.Fatalf("provision postgres: %v", err)
	}
	defer pg.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	people := stakeholder.NewRepository(pool)
	c := mustSeed(t, ctx, people)

	logger := log.New(io.Discard, "", 0)
	if *flVerbose {
		logger = log.New(os.Stderr, "[PHARMATRACE] ", log.Lmicroseconds)
	}
	repo := batch.NewRepository(pool)
	docs := docstore.NewMemoryStore()
	chain := ledger.NewMemoryLedger(20 * time.Millisecond)
	m := batch.NewManager(repo, docs, chain, people, batch.Config{
		ConfirmTimeout:  300 * time.Millisecond,
		RetryAttempts:   3,
		RetryBaseDelay:  10 * time.Millisecond,
		RetryMaxDelay:   100 * time.Millisecond,
		MaxMintAttempts: 3,
		PendingExpiry:   2 * time.Second,
		Logger:          logger,
	})

	stats := &actors.Stats{}
	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	g.Go(func() error { return actors.Creator(ctx2, m, c.manufacturer, fmt.Sprintf("LOT-%d", seed%100000), stats, stop) })
	holders := append([]actors.Participant{c.manufacturer}, c.distributors...)
	holders = append(holders, c.retailer)
	for _, h := range holders {
		peers := peersOf(h, append(append([]actors.Participant{}, c.distributors...), c.retailer, c.pharmacy))
		for i := 0; i < *flConcurrency; i++ {
			g.Go(func() error { return actors.Handler(ctx2, m, h, peers, stats, stop) })
		}
	}
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Receiver(ctx2, m, c.pharmacy, stats, stop) })
	}
	g.Go(func() error { return actors.Checker(ctx2, m, c.regulator, stats, stop) })
	g.Go(func() error { return actors.Reconciler(ctx2, m, stats, stop) })

	go chaos.TerminateRandomBackend(ctx2, pool, stop)
	go chaos.LedgerFaults(ctx2, chain, stop)
	go chaos.StoreOutage(ctx2, docs, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx2.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Logf("oracle query error (retrying next tick): %v", err)
				continue
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v (seed=%d)", err, seed)
		}
	}
	t.Logf("stress outcome: %s", stats)

	closeCtx, closeCancel := context.WithTimeout(ctx, 10*time.Second)
	defer closeCancel()
	drain(t, closeCtx, m, repo, chain, docs)
	if err := m.Close(closeCtx); err != nil {
		t.Fatalf("close manager: %v", err)
	}

	name, row, err := oracles.Run(ctx, pool)
	if err != nil {
		t.Fatalf("final oracle run: %v", err)
	}
	if name != "" {
		dumpRecent(t, ctx, pool)
		t.Fatalf("Oracle %s failed after drain. First row: %s (seed=%d)", name, row, seed)
	}
	checkLedgerAgreement(t, ctx, repo, chain, seed)
}

// drain clears injected faults and reconciles until nothing is in flight.
func drain(t *testing.T, ctx context.Context, m *batch.Manager, repo *batch.PGRepository, chain *ledger.MemoryLedger, docs *docstore.MemoryStore) {
	t.Helper()
	chain.SetBlockDelay(0)
	docs.SetUnavailable(false)
	for {
		if _, err := m.ReconcilePending(ctx); err != nil && ctx.Err() == nil {
			t.Logf("drain reconcile: %v", err)
		}
		left, err := repo.ListUnsettled(ctx, 0)
		if err == nil && len(left) == 0 {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("batches still unsettled after drain: %d", len(left))
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// checkLedgerAgreement compares every settled local record with the ledger.
func checkLedgerAgreement(t *testing.T, ctx context.Context, repo *batch.PGRepository, chain *ledger.MemoryLedger, seed int64) {
	t.Helper()
	const page = 100
	for offset := 0; ; offset += page {
		list, err := repo.List(ctx, batch.ListFilter{Limit: page, Offset: offset})
		if err != nil {
			t.Fatalf("list batches: %v", err)
		}
		for _, b := range list {
			if n := chain.MintCount(b.BatchID); n > 1 {
				t.Fatalf("batch %s minted %d times (seed=%d)", b.BatchID, n, seed)
			}
			switch b.Status {
			case batch.StatusFailed:
				key, err := hashing.MintKey(b.BatchID)
				if err != nil {
					t.Fatalf("mint key %s: %v", b.BatchID, err)
				}
				if rec, err := chain.FindByKey(ctx, key); err == nil {
					t.Fatalf("failed batch %s has orphaned token %s (seed=%d)", b.BatchID, rec.TokenID, seed)
				}
			case batch.StatusMinted, batch.StatusInTransit, batch.StatusDelivered, batch.StatusVerified:
				rec, err := chain.Read(ctx, b.LedgerToken)
				if err != nil {
					t.Fatalf("read token %s of %s: %v", b.LedgerToken, b.BatchID, err)
				}
				if rec.Owner != b.Custodian || string(rec.Status) != string(b.Status) {
					t.Fatalf("batch %s local=(%s,%s) ledger=(%s,%s) (seed=%d)",
						b.BatchID, b.Custodian, b.Status, rec.Owner, rec.Status, seed)
				}
			}
		}
		if len(list) < page {
			return
		}
	}
}

func peersOf(self actors.Participant, all []actors.Participant) []actors.Participant {
	out := make([]actors.Participant, 0, len(all))
	for _, p := range all {
		if p.Wallet != self.Wallet {
			out = append(out, p)
		}
	}
	return out
}

func mustSeed(t *testing.T, ctx context.Context, people *stakeholder.PGRepository) cast {
	t.Helper()
	wallet := func(n int) string { return fmt.Sprintf("0x%040x", n) }
	c := cast{
		manufacturer: actors.Participant{Wallet: wallet(1), Role: stakeholder.RoleManufacturer},
		distributors: []actors.Participant{
			{Wallet: wallet(2), Role: stakeholder.RoleDistributor},
			{Wallet: wallet(3), Role: stakeholder.RoleDistributor},
		},
		retailer:  actors.Participant{Wallet: wallet(4), Role: stakeholder.RoleRetailer},
		pharmacy:  actors.Participant{Wallet: wallet(5), Role: stakeholder.RoleHealthcareProvider},
		regulator: actors.Participant{Wallet: wallet(6), Role: stakeholder.RoleRegulator},
	}
	all := append([]actors.Participant{c.manufacturer, c.retailer, c.pharmacy, c.regulator}, c.distributors...)
	for i, p := range all {
		_, err := people.Create(ctx, stakeholder.Stakeholder{
			WalletAddress: p.Wallet,
			Role:          p.Role,
			LicenseNumber: fmt.Sprintf("LIC-%d", i+1),
			IsActive:      true,
			Name:          fmt.Sprintf("Stress %s %d", p.Role, i+1),
		})
		if err != nil && !errors.Is(err, stakeholder.ErrDuplicateWallet) {
			t.Fatalf("seed stakeholder %s: %v", p.Wallet, err)
		}
	}
	return c
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"batches", `SELECT batch_id, status, custodian, ledger_token, version, pending IS NOT NULL AS pending FROM batches ORDER BY updated_at DESC LIMIT 50`},
		{"batch_history", `SELECT batch_id, seq, action, previous_custodian, new_custodian, recorded_at FROM batch_history ORDER BY recorded_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
