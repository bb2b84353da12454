package session

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"pharmatrace/stakeholder"
)

const testSecret = "test-secret-0123456789"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	auth   *Authority
	repo   *stakeholder.MemoryRepository
	store  *MemoryRotationStore
	clock  *fakeClock
	wallet string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	repo := stakeholder.NewMemoryRepository()
	hash, err := bcrypt.GenerateFromPassword([]byte("supersafe"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	wallet := "0x1111111111111111111111111111111111111111"
	if _, err := repo.Create(context.Background(), stakeholder.Stakeholder{
		WalletAddress: wallet,
		Role:          stakeholder.RoleManufacturer,
		LicenseNumber: "MFG-001",
		IsActive:      true,
		PasswordHash:  string(hash),
	}); err != nil {
		t.Fatalf("seed stakeholder: %v", err)
	}

	clock := &fakeClock{t: time.Now()}
	store := NewMemoryRotationStore()
	store.now = clock.Now
	verifier := NewWalletSignatureVerifier(store, time.Minute)
	verifier.now = clock.Now

	auth, err := NewAuthority(Config{Secret: testSecret, AccessTTL: time.Minute, RefreshTTL: time.Hour}, repo, store, PasswordVerifier{}, verifier)
	if err != nil {
		t.Fatalf("new authority: %v", err)
	}
	auth.now = clock.Now
	return fixture{auth: auth, repo: repo, store: store, clock: clock, wallet: wallet}
}

func TestAuthority_IssueAndValidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, err := f.auth.Issue(ctx, f.wallet, Proof{Kind: ProofPassword, Password: "supersafe"})
	if err != nil {
		t.Fatalf("issue: unexpected error: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("issue: expected both tokens")
	}

	s, err := f.auth.Validate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if s.Subject != f.wallet || s.Role != stakeholder.RoleManufacturer {
		t.Fatalf("unexpected session %+v", s)
	}

	if _, err := f.auth.Validate(ctx, pair.RefreshToken); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected refresh token to be rejected as access token, got %v", err)
	}
	if _, err := f.auth.Validate(ctx, pair.AccessToken+"x"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected tampered token to be invalid, got %v", err)
	}
}

func TestAuthority_ValidateFollowsRegistry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, err := f.auth.Issue(ctx, f.wallet, Proof{Kind: ProofPassword, Password: "supersafe"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := f.repo.UpdateRole(ctx, f.wallet, stakeholder.RoleDistributor); err != nil {
		t.Fatalf("update role: %v", err)
	}
	s, err := f.auth.Validate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if s.Role != stakeholder.RoleDistributor {
		t.Fatalf("expected registry role %s, got %s", stakeholder.RoleDistributor, s.Role)
	}

	if _, err := f.repo.SetActive(ctx, f.wallet, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := f.auth.Validate(ctx, pair.AccessToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for an inactive stakeholder, got %v", err)
	}
}

func TestAuthority_IssueRejectsBadProofs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.auth.Issue(ctx, f.wallet, Proof{Kind: ProofPassword, Password: "wrong-password"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for wrong password, got %v", err)
	}
	if _, err := f.auth.Issue(ctx, "0x9999999999999999999999999999999999999999", Proof{Kind: ProofPassword, Password: "supersafe"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for unknown wallet, got %v", err)
	}

	if _, err := f.repo.SetActive(ctx, f.wallet, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := f.auth.Issue(ctx, f.wallet, Proof{Kind: ProofPassword, Password: "supersafe"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for inactive stakeholder, got %v", err)
	}
}

func TestAuthority_ExpiredAccessToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, err := f.auth.Issue(ctx, f.wallet, Proof{Kind: ProofPassword, Password: "supersafe"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	f.clock.Advance(2 * time.Minute)

	if _, err := f.auth.Validate(ctx, pair.AccessToken); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestAuthority_RefreshRotationAndReuse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.auth.Issue(ctx, f.wallet, Proof{Kind: ProofPassword, Password: "supersafe"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	second, err := f.auth.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("expected a rotated refresh token")
	}
	if _, err := f.auth.Validate(ctx, second.AccessToken); err != nil {
		t.Fatalf("validate rotated access token: %v", err)
	}

	if _, err := f.auth.Refresh(ctx, first.RefreshToken); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected reused refresh token to be invalid, got %v", err)
	}
	if _, err := f.auth.Refresh(ctx, second.RefreshToken); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected family revocation after reuse, got %v", err)
	}
	if _, err := f.auth.Validate(ctx, second.AccessToken); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected access token of revoked family to be invalid, got %v", err)
	}
}

func TestAuthority_ConcurrentRefreshSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, err := f.auth.Issue(ctx, f.wallet, Proof{Kind: ProofPassword, Password: "supersafe"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	const n = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.auth.Refresh(ctx, pair.RefreshToken); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one successful refresh, got %d", wins)
	}
}

func TestAuthority_RefreshRejectsDeactivated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, err := f.auth.Issue(ctx, f.wallet, Proof{Kind: ProofPassword, Password: "supersafe"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := f.repo.SetActive(ctx, f.wallet, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := f.auth.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestAuthority_Logout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, err := f.auth.Issue(ctx, f.wallet, Proof{Kind: ProofPassword, Password: "supersafe"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := f.auth.Logout(ctx, pair.AccessToken, pair.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := f.auth.Validate(ctx, pair.AccessToken); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected logged-out access token to be invalid, got %v", err)
	}
	if _, err := f.auth.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected logged-out refresh token to be invalid, got %v", err)
	}
}

func TestAuthority_WalletSignatureLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	wallet := crypto.PubkeyToAddress(key.PublicKey).Hex()
	normalized, _ := stakeholder.NormalizeWallet(wallet)
	if _, err := f.repo.Create(ctx, stakeholder.Stakeholder{
		WalletAddress: normalized, Role: stakeholder.RoleDistributor, LicenseNumber: "DST-1", IsActive: true,
	}); err != nil {
		t.Fatalf("seed distributor: %v", err)
	}

	sign := func(msg string) string {
		sig, err := crypto.Sign(accounts.TextHash([]byte(msg)), key)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		sig[crypto.RecoveryIDOffset] += 27
		return hexutil.Encode(sig)
	}

	challenge, err := f.auth.Challenge(ctx, wallet)
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	proof := Proof{Kind: ProofSignature, Signature: sign(challenge.Message)}
	pair, err := f.auth.Issue(ctx, wallet, proof)
	if err != nil {
		t.Fatalf("issue with signature: %v", err)
	}
	if pair.Session.Role != stakeholder.RoleDistributor {
		t.Fatalf("expected distributor session, got %s", pair.Session.Role)
	}

	if _, err := f.auth.Issue(ctx, wallet, proof); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected replayed challenge to be rejected, got %v", err)
	}

	challenge, _ = f.auth.Challenge(ctx, wallet)
	other, _ := crypto.GenerateKey()
	forged, _ := crypto.Sign(accounts.TextHash([]byte(challenge.Message)), other)
	if _, err := f.auth.Issue(ctx, wallet, Proof{Kind: ProofSignature, Signature: hexutil.Encode(forged)}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected signature from another key to be rejected, got %v", err)
	}

	challenge, _ = f.auth.Challenge(ctx, wallet)
	f.clock.Advance(2 * time.Minute)
	if _, err := f.auth.Issue(ctx, wallet, Proof{Kind: ProofSignature, Signature: sign(challenge.Message)}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected expired challenge to be rejected, got %v", err)
	}
}

func TestRedisRotationStore_Integration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR is empty; set it to a live Redis to run integration test")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	store := NewRedisRotationStore(client)
	jti := "it-" + time.Now().Format("150405.000000000")

	if err := store.SaveRefresh(ctx, jti, RefreshEntry{Family: "fam", Subject: "0xabc"}, time.Minute); err != nil {
		t.Fatalf("save refresh: %v", err)
	}
	entry, ok, err := store.ConsumeRefresh(ctx, jti)
	if err != nil || !ok || entry.Family != "fam" || entry.Subject != "0xabc" {
		t.Fatalf("unexpected consume result %+v ok=%v err=%v", entry, ok, err)
	}
	if _, ok, _ := store.ConsumeRefresh(ctx, jti); ok {
		t.Fatal("expected second consume to miss")
	}

	if err := store.RevokeFamily(ctx, "fam-"+jti, time.Minute); err != nil {
		t.Fatalf("revoke family: %v", err)
	}
	if revoked, err := store.FamilyRevoked(ctx, "fam-"+jti); err != nil || !revoked {
		t.Fatalf("expected family revoked, got %v err=%v", revoked, err)
	}
}
