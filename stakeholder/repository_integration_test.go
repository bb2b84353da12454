package stakeholder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"pharmatrace/db"
)

// TestPGRepository_Integration connects to a real PostgreSQL via DATABASE_URL
// and exercises registration, lookups, updates and filtered listing.
func TestPGRepository_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	repo := NewRepository(pool)
	wallet := fmt.Sprintf("0x%040x", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM stakeholders WHERE wallet_address = $1`, wallet)
	})

	created, err := repo.Create(ctx, Stakeholder{
		WalletAddress: wallet,
		Role:          RoleDistributor,
		LicenseNumber: "IT-DST",
		IsActive:      true,
		Name:          "Integration Distributor",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.CreatedAt.IsZero() || created.Role != RoleDistributor {
		t.Fatalf("unexpected created stakeholder: %+v", created)
	}

	if _, err := repo.Create(ctx, Stakeholder{WalletAddress: wallet, Role: RoleRetailer, LicenseNumber: "X"}); !errors.Is(err, ErrDuplicateWallet) {
		t.Fatalf("expected ErrDuplicateWallet, got %v", err)
	}

	if _, err := repo.GetByWallet(ctx, "0x"+fmt.Sprintf("%040x", 0)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown wallet, got %v", err)
	}

	updated, err := repo.UpdateRole(ctx, wallet, RoleRetailer)
	if err != nil {
		t.Fatalf("update role: %v", err)
	}
	if updated.Role != RoleRetailer {
		t.Fatalf("expected RETAILER, got %s", updated.Role)
	}

	deactivated, err := repo.SetActive(ctx, wallet, false)
	if err != nil {
		t.Fatalf("set active: %v", err)
	}
	if deactivated.IsActive {
		t.Fatal("expected stakeholder to be inactive")
	}

	inactive := false
	list, err := repo.List(ctx, ListFilters{Role: RoleRetailer, Active: &inactive, Limit: 100})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	found := false
	for _, s := range list {
		if s.IsActive || s.Role != RoleRetailer {
			t.Fatalf("filter leaked %+v", s)
		}
		if s.WalletAddress == wallet {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s in filtered list", wallet)
	}

	if _, err := repo.SetActive(ctx, "0x"+fmt.Sprintf("%040x", 0), true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on update of unknown wallet, got %v", err)
	}

	_, err = pool.Exec(ctx, `INSERT INTO stakeholders (wallet_address, role, license_number) VALUES ($1, 'DISTRIBUTOR', 'X')`, "0xABC")
	if err == nil {
		t.Fatal("expected schema to reject a mixed-case wallet")
	}
}
