// Package config holds the service settings read from PHARMATRACE_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	LedgerMemory = "memory"
	LedgerEVM    = "evm"
)

// Config is the full service configuration.
type Config struct {
	ListenAddr      string        `env:"PHARMATRACE_LISTEN_ADDR"      envDefault:":8080"`
	DatabaseURL     string        `env:"DATABASE_URL"`
	ShutdownTimeout time.Duration `env:"PHARMATRACE_SHUTDOWN_TIMEOUT" envDefault:"15s"`

	Auth   AuthConfig
	Store  StoreConfig
	Ledger LedgerConfig
	Batch  BatchConfig
}

// AuthConfig configures the session authority.
type AuthConfig struct {
	JWTSecret         string        `env:"PHARMATRACE_JWT_SECRET"`
	Issuer            string        `env:"PHARMATRACE_JWT_ISSUER"         envDefault:"pharmatrace"`
	AccessTTL         time.Duration `env:"PHARMATRACE_ACCESS_TTL"         envDefault:"15m"`
	RefreshTTL        time.Duration `env:"PHARMATRACE_REFRESH_TTL"        envDefault:"168h"`
	ChallengeTTL      time.Duration `env:"PHARMATRACE_CHALLENGE_TTL"      envDefault:"5m"`
	BootstrapWallet   string        `env:"PHARMATRACE_BOOTSTRAP_WALLET"`
	BootstrapPassword string        `env:"PHARMATRACE_BOOTSTRAP_PASSWORD"`
}

// StoreConfig selects the document store and the shared Redis instance.
type StoreConfig struct {
	IPFSAPIURL string        `env:"PHARMATRACE_IPFS_API_URL"`
	RedisAddr  string        `env:"PHARMATRACE_REDIS_ADDR"`
	CacheTTL   time.Duration `env:"PHARMATRACE_DOCUMENT_CACHE_TTL" envDefault:"24h"`
}

// LedgerConfig selects and configures the ledger backend.
type LedgerConfig struct {
	Mode          string        `env:"PHARMATRACE_LEDGER_MODE"          envDefault:"memory"`
	BlockDelay    time.Duration `env:"PHARMATRACE_LEDGER_BLOCK_DELAY"   envDefault:"200ms"`
	RPCURL        string        `env:"PHARMATRACE_EVM_RPC_URL"`
	Contract      string        `env:"PHARMATRACE_EVM_CONTRACT"`
	PrivateKey    string        `env:"PHARMATRACE_EVM_PRIVATE_KEY"`
	ChainID       int64         `env:"PHARMATRACE_EVM_CHAIN_ID"         envDefault:"1337"`
	Confirmations uint64        `env:"PHARMATRACE_EVM_CONFIRMATIONS"    envDefault:"1"`
	PollInterval  time.Duration `env:"PHARMATRACE_EVM_POLL_INTERVAL"    envDefault:"1s"`
	GasLimit      uint64        `env:"PHARMATRACE_EVM_GAS_LIMIT"`
}

// BatchConfig tunes the lifecycle manager.
type BatchConfig struct {
	ConfirmTimeout     time.Duration `env:"PHARMATRACE_CONFIRM_TIMEOUT"      envDefault:"30s"`
	RetryAttempts      int           `env:"PHARMATRACE_RETRY_ATTEMPTS"       envDefault:"4"`
	RetryBaseDelay     time.Duration `env:"PHARMATRACE_RETRY_BASE_DELAY"     envDefault:"200ms"`
	RetryMaxDelay      time.Duration `env:"PHARMATRACE_RETRY_MAX_DELAY"      envDefault:"5s"`
	MaxMintAttempts    int           `env:"PHARMATRACE_MAX_MINT_ATTEMPTS"    envDefault:"3"`
	MaxCustodyAttempts int           `env:"PHARMATRACE_MAX_CUSTODY_ATTEMPTS" envDefault:"3"`
	PendingExpiry      time.Duration `env:"PHARMATRACE_PENDING_EXPIRY"       envDefault:"10m"`
	ReconcileInterval  time.Duration `env:"PHARMATRACE_RECONCILE_INTERVAL"   envDefault:"1m"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings that have no safe default.
func (c Config) Validate() error {
	var errs []error
	if len(c.Auth.JWTSecret) < 16 {
		errs = append(errs, errors.New("PHARMATRACE_JWT_SECRET must be at least 16 bytes"))
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= c.Auth.AccessTTL {
		errs = append(errs, errors.New("refresh TTL must exceed a positive access TTL"))
	}
	switch strings.ToLower(c.Ledger.Mode) {
	case LedgerMemory:
	case LedgerEVM:
		if c.Ledger.RPCURL == "" || c.Ledger.Contract == "" || c.Ledger.PrivateKey == "" {
			errs = append(errs, errors.New("evm ledger needs PHARMATRACE_EVM_RPC_URL, PHARMATRACE_EVM_CONTRACT and PHARMATRACE_EVM_PRIVATE_KEY"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ledger mode %q", c.Ledger.Mode))
	}
	if c.Batch.RetryAttempts < 1 {
		errs = append(errs, errors.New("PHARMATRACE_RETRY_ATTEMPTS must be at least 1"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
