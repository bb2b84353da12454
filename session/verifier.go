package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/bcrypt"

	"pharmatrace/stakeholder"
)

// Verifier checks one kind of login proof for a known stakeholder.
type Verifier interface {
	Kind() ProofKind
	Verify(ctx context.Context, s stakeholder.Stakeholder, proof Proof) error
}

// PasswordVerifier checks a bcrypt password hash.
type PasswordVerifier struct{}

func (PasswordVerifier) Kind() ProofKind { return ProofPassword }

func (PasswordVerifier) Verify(_ context.Context, s stakeholder.Stakeholder, proof Proof) error {
	if s.PasswordHash == "" || proof.Password == "" {
		return ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.PasswordHash), []byte(proof.Password)); err != nil {
		return ErrUnauthorized
	}
	return nil
}

// WalletSignatureVerifier checks an EIP-191 personal_sign signature over a
// challenge previously handed out for the wallet. Each challenge can be used
// once.
type WalletSignatureVerifier struct {
	store RotationStore
	ttl   time.Duration
	now   func() time.Time
}

func NewWalletSignatureVerifier(store RotationStore, ttl time.Duration) *WalletSignatureVerifier {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &WalletSignatureVerifier{store: store, ttl: ttl, now: time.Now}
}

func (*WalletSignatureVerifier) Kind() ProofKind { return ProofSignature }

// Issue creates and stores a fresh challenge for wallet, replacing any
// outstanding one.
func (v *WalletSignatureVerifier) Issue(ctx context.Context, wallet string) (Challenge, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return Challenge{}, fmt.Errorf("session: generate nonce: %w", err)
	}
	expires := v.now().Add(v.ttl).UTC()
	msg := fmt.Sprintf("Sign in to pharmatrace\nWallet: %s\nNonce: %s\nExpires: %s",
		wallet, hex.EncodeToString(nonce), expires.Format(time.RFC3339))
	if err := v.store.SaveChallenge(ctx, wallet, msg, v.ttl); err != nil {
		return Challenge{}, err
	}
	return Challenge{Wallet: wallet, Message: msg, ExpiresAt: expires}, nil
}

func (v *WalletSignatureVerifier) Verify(ctx context.Context, s stakeholder.Stakeholder, proof Proof) error {
	msg, ok, err := v.store.ConsumeChallenge(ctx, s.WalletAddress)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: no outstanding challenge", ErrUnauthorized)
	}

	sig, err := hexutil.Decode(strings.TrimSpace(proof.Signature))
	if err != nil || len(sig) != crypto.SignatureLength {
		return fmt.Errorf("%w: malformed signature", ErrUnauthorized)
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(msg)), sig)
	if err != nil {
		return fmt.Errorf("%w: recover signer", ErrUnauthorized)
	}
	if !stakeholder.SameWallet(crypto.PubkeyToAddress(*pub).Hex(), s.WalletAddress) {
		return fmt.Errorf("%w: signature does not match wallet", ErrUnauthorized)
	}
	return nil
}
