package stakeholder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrValidation signals malformed registration or update input.
	ErrValidation = errors.New("stakeholder: invalid input")
	// ErrForbidden signals the actor may not manage stakeholders.
	ErrForbidden = errors.New("stakeholder: forbidden")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("stakeholder: password must be at least 8 characters")
)

// Service exposes stakeholder registry operations. Registration and role
// changes are reserved for regulators.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Register creates an active stakeholder on behalf of a regulator.
func (s *Service) Register(ctx context.Context, actorRole Role, req RegisterRequest) (Stakeholder, error) {
	if actorRole != RoleRegulator {
		return Stakeholder{}, ErrForbidden
	}
	return s.create(ctx, req)
}

// Bootstrap registers the initial regulator when it does not exist yet. It is
// a no-op for an already registered wallet.
func (s *Service) Bootstrap(ctx context.Context, wallet, password string) (Stakeholder, error) {
	normalized, err := NormalizeWallet(wallet)
	if err != nil {
		return Stakeholder{}, err
	}
	existing, err := s.repo.GetByWallet(ctx, normalized)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Stakeholder{}, err
	}
	created, err := s.create(ctx, RegisterRequest{
		WalletAddress: normalized,
		Role:          RoleRegulator,
		LicenseNumber: "BOOTSTRAP",
		Name:          "Bootstrap Regulator",
		Password:      password,
	})
	if errors.Is(err, ErrDuplicateWallet) {
		return s.repo.GetByWallet(ctx, normalized)
	}
	return created, err
}

func (s *Service) create(ctx context.Context, req RegisterRequest) (Stakeholder, error) {
	wallet, err := NormalizeWallet(req.WalletAddress)
	if err != nil {
		return Stakeholder{}, err
	}
	role, err := ParseRole(string(req.Role))
	if err != nil {
		return Stakeholder{}, err
	}
	license := strings.TrimSpace(req.LicenseNumber)
	if license == "" {
		return Stakeholder{}, fmt.Errorf("%w: license number is required", ErrValidation)
	}

	var passwordHash string
	if req.Password != "" {
		if len(req.Password) < 8 {
			return Stakeholder{}, ErrWeakPassword
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			return Stakeholder{}, fmt.Errorf("stakeholder: hash password: %w", err)
		}
		passwordHash = string(hash)
	}

	return s.repo.Create(ctx, Stakeholder{
		WalletAddress: wallet,
		Role:          role,
		LicenseNumber: license,
		IsActive:      true,
		Name:          strings.TrimSpace(req.Name),
		Organization:  strings.TrimSpace(req.Organization),
		PasswordHash:  passwordHash,
	})
}

// Get returns the stakeholder for wallet.
func (s *Service) Get(ctx context.Context, wallet string) (Stakeholder, error) {
	normalized, err := NormalizeWallet(wallet)
	if err != nil {
		return Stakeholder{}, err
	}
	return s.repo.GetByWallet(ctx, normalized)
}

// List returns stakeholders matching filters.
func (s *Service) List(ctx context.Context, filters ListFilters) ([]Stakeholder, error) {
	return s.repo.List(ctx, filters)
}

// UpdateRole changes a stakeholder's role. Only a regulator may do this, and
// a regulator cannot demote themselves.
func (s *Service) UpdateRole(ctx context.Context, actorWallet string, actorRole Role, wallet string, role Role) (Stakeholder, error) {
	if err := s.requireActiveRegulator(ctx, actorWallet, actorRole); err != nil {
		return Stakeholder{}, err
	}
	normalized, err := NormalizeWallet(wallet)
	if err != nil {
		return Stakeholder{}, err
	}
	if !role.Valid() {
		return Stakeholder{}, fmt.Errorf("%w: unknown role %q", ErrValidation, role)
	}
	if SameWallet(actorWallet, normalized) && role != RoleRegulator {
		return Stakeholder{}, fmt.Errorf("%w: regulators cannot change their own role", ErrForbidden)
	}
	return s.repo.UpdateRole(ctx, normalized, role)
}

// SetActive activates or deactivates a stakeholder. Inactive stakeholders
// cannot sign in, refresh sessions or receive custody.
func (s *Service) SetActive(ctx context.Context, actorWallet string, actorRole Role, wallet string, active bool) (Stakeholder, error) {
	if err := s.requireActiveRegulator(ctx, actorWallet, actorRole); err != nil {
		return Stakeholder{}, err
	}
	normalized, err := NormalizeWallet(wallet)
	if err != nil {
		return Stakeholder{}, err
	}
	if SameWallet(actorWallet, normalized) && !active {
		return Stakeholder{}, fmt.Errorf("%w: regulators cannot deactivate themselves", ErrForbidden)
	}
	return s.repo.SetActive(ctx, normalized, active)
}

// requireActiveRegulator checks the acting wallet against the registry, so a
// regulator deactivated or demoted mid-session loses the right at once.
func (s *Service) requireActiveRegulator(ctx context.Context, actorWallet string, actorRole Role) error {
	if actorRole != RoleRegulator {
		return ErrForbidden
	}
	normalized, err := NormalizeWallet(actorWallet)
	if err != nil {
		return fmt.Errorf("%w: unknown actor", ErrForbidden)
	}
	actor, err := s.repo.GetByWallet(ctx, normalized)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: unknown actor", ErrForbidden)
	}
	if err != nil {
		return err
	}
	if !actor.IsActive || actor.Role != RoleRegulator {
		return fmt.Errorf("%w: %s is not an active regulator", ErrForbidden, actor.WalletAddress)
	}
	return nil
}
