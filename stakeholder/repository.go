package stakeholder

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the stakeholder does not exist.
	ErrNotFound = errors.New("stakeholder: not found")
	// ErrDuplicateWallet signals the wallet is already registered.
	ErrDuplicateWallet = errors.New("stakeholder: wallet already registered")
)

// Repository handles stakeholder persistence.
type Repository interface {
	Create(ctx context.Context, s Stakeholder) (Stakeholder, error)
	GetByWallet(ctx context.Context, wallet string) (Stakeholder, error)
	UpdateRole(ctx context.Context, wallet string, role Role) (Stakeholder, error)
	SetActive(ctx context.Context, wallet string, active bool) (Stakeholder, error)
	List(ctx context.Context, filters ListFilters) ([]Stakeholder, error)
}

// ListFilters narrows List results.
type ListFilters struct {
	Role   Role
	Active *bool
	Limit  int
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed stakeholder repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const stakeholderColumns = `wallet_address, role, license_number, is_active, name, organization, password_hash, created_at, updated_at`

func (r *PGRepository) Create(ctx context.Context, s Stakeholder) (Stakeholder, error) {
	insertSQL := `
		INSERT INTO stakeholders (wallet_address, role, license_number, is_active, name, organization, password_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + stakeholderColumns

	out, err := scanStakeholder(r.pool.QueryRow(ctx, insertSQL,
		s.WalletAddress, s.Role, s.LicenseNumber, s.IsActive, s.Name, s.Organization, s.PasswordHash))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Stakeholder{}, ErrDuplicateWallet
		}
		return Stakeholder{}, fmt.Errorf("stakeholder: create: %w", err)
	}
	return out, nil
}

func (r *PGRepository) GetByWallet(ctx context.Context, wallet string) (Stakeholder, error) {
	selectSQL := `SELECT ` + stakeholderColumns + ` FROM stakeholders WHERE wallet_address = $1`

	out, err := scanStakeholder(r.pool.QueryRow(ctx, selectSQL, wallet))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Stakeholder{}, ErrNotFound
		}
		return Stakeholder{}, fmt.Errorf("stakeholder: get by wallet: %w", err)
	}
	return out, nil
}

func (r *PGRepository) UpdateRole(ctx context.Context, wallet string, role Role) (Stakeholder, error) {
	updateSQL := `
		UPDATE stakeholders
		SET role = $2, updated_at = now()
		WHERE wallet_address = $1
		RETURNING ` + stakeholderColumns

	out, err := scanStakeholder(r.pool.QueryRow(ctx, updateSQL, wallet, role))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Stakeholder{}, ErrNotFound
		}
		return Stakeholder{}, fmt.Errorf("stakeholder: update role: %w", err)
	}
	return out, nil
}

func (r *PGRepository) SetActive(ctx context.Context, wallet string, active bool) (Stakeholder, error) {
	updateSQL := `
		UPDATE stakeholders
		SET is_active = $2, updated_at = now()
		WHERE wallet_address = $1
		RETURNING ` + stakeholderColumns

	out, err := scanStakeholder(r.pool.QueryRow(ctx, updateSQL, wallet, active))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Stakeholder{}, ErrNotFound
		}
		return Stakeholder{}, fmt.Errorf("stakeholder: set active: %w", err)
	}
	return out, nil
}

// List fetches up to filters.Limit stakeholders ordered by wallet.
func (r *PGRepository) List(ctx context.Context, filters ListFilters) ([]Stakeholder, error) {
	limit := filters.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	var role *string
	if filters.Role != "" {
		v := string(filters.Role)
		role = &v
	}

	query := `
		SELECT ` + stakeholderColumns + `
		FROM stakeholders
		WHERE ($1::text IS NULL OR role = $1)
		  AND ($2::boolean IS NULL OR is_active = $2)
		ORDER BY wallet_address ASC
		LIMIT $3
	`

	rows, err := r.pool.Query(ctx, query, role, filters.Active, limit)
	if err != nil {
		return nil, fmt.Errorf("stakeholder: list: %w", err)
	}
	defer rows.Close()

	out := make([]Stakeholder, 0, limit)
	for rows.Next() {
		s, err := scanStakeholder(rows)
		if err != nil {
			return nil, fmt.Errorf("stakeholder: scan: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stakeholder: iterate: %w", err)
	}
	return out, nil
}

func scanStakeholder(row pgx.Row) (Stakeholder, error) {
	var s Stakeholder
	err := row.Scan(
		&s.WalletAddress,
		&s.Role,
		&s.LicenseNumber,
		&s.IsActive,
		&s.Name,
		&s.Organization,
		&s.PasswordHash,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return Stakeholder{}, err
	}
	return s, nil
}
