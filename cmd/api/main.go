package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"pharmatrace/batch"
	"pharmatrace/config"
	"pharmatrace/db"
	"pharmatrace/docstore"
	"pharmatrace/ledger"
	"pharmatrace/session"
	"pharmatrace/stakeholder"
)

func main() {
	log.SetPrefix("[PHARMATRACE] ")
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := run(ctx, cfg, log.Default()); err != nil {
		log.Fatalf("api: %v", err)
	}
}

// app holds the wired components and the resources that must be closed.
type app struct {
	batches      *batch.Manager
	sessions     *session.Authority
	stakeholders *stakeholder.Service
	closers      []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func run(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	a, err := wire(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           NewServer(a.batches, a.sessions, a.stakeholders, logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Printf("listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		reconcileLoop(gctx, a.batches, cfg.Batch.ReconcileInterval, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Printf("shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Printf("http shutdown: %v", err)
		}
		if err := a.batches.Close(shutdownCtx); err != nil {
			logger.Printf("batch manager shutdown: %v", err)
		}
		return nil
	})
	return g.Wait()
}

// wire builds every component from configuration. Without DATABASE_URL the
// registry and batch records live in process memory.
func wire(ctx context.Context, cfg config.Config, logger *log.Logger) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		a.close()
		return nil, err
	}

	var (
		people  stakeholder.Repository
		records batch.Repository
	)
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{})
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := db.Migrate(ctx, pool); err != nil {
			return fail(err)
		}
		people = stakeholder.NewRepository(pool)
		records = batch.NewRepository(pool)
	} else {
		logger.Printf("DATABASE_URL not set, using in-memory repositories")
		people = stakeholder.NewMemoryRepository()
		records = batch.NewMemoryRepository()
	}

	var rdb *redis.Client
	if cfg.Store.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr})
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("redis ping: %w", err))
		}
	}

	var docs docstore.Store
	if cfg.Store.IPFSAPIURL != "" {
		client, err := docstore.NewIPFSClient(cfg.Store.IPFSAPIURL, nil)
		if err != nil {
			return fail(err)
		}
		docs = client
	} else {
		docs = docstore.NewMemoryStore()
	}
	if rdb != nil {
		docs = docstore.NewCachedStore(docs, rdb, cfg.Store.CacheTTL, logger)
	}

	var chain ledger.Client
	switch strings.ToLower(cfg.Ledger.Mode) {
	case config.LedgerEVM:
		client, err := ledger.NewEVMClient(ledger.EVMConfig{
			RPCURL:        cfg.Ledger.RPCURL,
			Contract:      cfg.Ledger.Contract,
			PrivateKeyHex: cfg.Ledger.PrivateKey,
			ChainID:       cfg.Ledger.ChainID,
			Confirmations: cfg.Ledger.Confirmations,
			PollInterval:  cfg.Ledger.PollInterval,
			GasLimit:      cfg.Ledger.GasLimit,
		}, logger)
		if err != nil {
			return fail(err)
		}
		logger.Printf("evm ledger sender %s", client.Sender())
		chain = client
	default:
		chain = ledger.NewMemoryLedger(cfg.Ledger.BlockDelay)
	}

	var rotation session.RotationStore
	if rdb != nil {
		rotation = session.NewRedisRotationStore(rdb)
	} else {
		rotation = session.NewMemoryRotationStore()
	}

	a.stakeholders = stakeholder.NewService(people)
	if cfg.Auth.BootstrapWallet != "" {
		if _, err := a.stakeholders.Bootstrap(ctx, cfg.Auth.BootstrapWallet, cfg.Auth.BootstrapPassword); err != nil {
			return fail(fmt.Errorf("bootstrap regulator: %w", err))
		}
	}

	sessions, err := session.NewAuthority(session.Config{
		Secret:     cfg.Auth.JWTSecret,
		Issuer:     cfg.Auth.Issuer,
		AccessTTL:  cfg.Auth.AccessTTL,
		RefreshTTL: cfg.Auth.RefreshTTL,
		Logger:     logger,
	}, people, rotation,
		session.PasswordVerifier{},
		session.NewWalletSignatureVerifier(rotation, cfg.Auth.ChallengeTTL),
	)
	if err != nil {
		return fail(err)
	}
	a.sessions = sessions

	a.batches = batch.NewManager(records, docs, chain, people, batch.Config{
		ConfirmTimeout:     cfg.Batch.ConfirmTimeout,
		RetryAttempts:      cfg.Batch.RetryAttempts,
		RetryBaseDelay:     cfg.Batch.RetryBaseDelay,
		RetryMaxDelay:      cfg.Batch.RetryMaxDelay,
		MaxMintAttempts:    cfg.Batch.MaxMintAttempts,
		MaxCustodyAttempts: cfg.Batch.MaxCustodyAttempts,
		PendingExpiry:      cfg.Batch.PendingExpiry,
		Logger:             logger,
	})
	return a, nil
}

// reconcileLoop settles unconfirmed ledger operations at startup and then on
// every tick until ctx is done.
func reconcileLoop(ctx context.Context, m *batch.Manager, every time.Duration, logger *log.Logger) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		results, err := m.ReconcilePending(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Printf("reconcile: %v", err)
		}
		if len(results) > 0 {
			logger.Printf("reconcile: checked %d unsettled batches", len(results))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
