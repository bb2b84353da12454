package stakeholder

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type Role string

const (
	RoleManufacturer       Role = "MANUFACTURER"
	RoleDistributor        Role = "DISTRIBUTOR"
	RoleRetailer           Role = "RETAILER"
	RoleHealthcareProvider Role = "HEALTHCARE_PROVIDER"
	RoleRegulator          Role = "REGULATOR"
)

// Stakeholder is a wallet-identified participant in the supply chain.
// Wallet addresses are stored lower-cased so they compare by value.
type Stakeholder struct {
	WalletAddress string
	Role          Role
	LicenseNumber string
	IsActive      bool
	Name          string
	Organization  string
	PasswordHash  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RegisterRequest contains the registration data supplied by a regulator.
type RegisterRequest struct {
	WalletAddress string `json:"walletAddress"`
	Role          Role   `json:"role"`
	LicenseNumber string `json:"licenseNumber"`
	Name          string `json:"name"`
	Organization  string `json:"organization"`
	Password      string `json:"password,omitempty"`
}

func (r Role) Valid() bool {
	switch r {
	case RoleManufacturer, RoleDistributor, RoleRetailer, RoleHealthcareProvider, RoleRegulator:
		return true
	default:
		return false
	}
}

// ParseRole accepts the canonical upper-case names case-insensitively.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", ErrValidation, s)
	}
	return r, nil
}

// NormalizeWallet validates a hex wallet address and returns its lower-case form.
func NormalizeWallet(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) || !strings.HasPrefix(strings.ToLower(addr), "0x") {
		return "", fmt.Errorf("%w: invalid wallet address %q", ErrValidation, addr)
	}
	return strings.ToLower(addr), nil
}

// SameWallet reports whether two wallet addresses are equal ignoring case.
func SameWallet(a, b string) bool {
	return a != "" && strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
