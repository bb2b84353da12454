package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"pharmatrace/stakeholder"
)

// StakeholderLookup resolves wallets to registered stakeholders.
type StakeholderLookup interface {
	GetByWallet(ctx context.Context, wallet string) (stakeholder.Stakeholder, error)
}

// Config configures an Authority.
type Config struct {
	Secret     string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Logger     *log.Logger
}

type claims struct {
	Role   stakeholder.Role `json:"role"`
	Type   string           `json:"typ"`
	Family string           `json:"fam"`
	jwt.RegisteredClaims
}

// Authority is the single owner of session state. Handlers receive it
// explicitly; there is no package-level instance.
type Authority struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	lookup     StakeholderLookup
	store      RotationStore
	verifiers  map[ProofKind]Verifier
	wallet     *WalletSignatureVerifier
	logger     *log.Logger
	now        func() time.Time
}

func NewAuthority(cfg Config, lookup StakeholderLookup, store RotationStore, verifiers ...Verifier) (*Authority, error) {
	if len(cfg.Secret) < 16 {
		return nil, errors.New("session: secret must be at least 16 bytes")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "pharmatrace"
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	a := &Authority{
		secret:     []byte(cfg.Secret),
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		lookup:     lookup,
		store:      store,
		verifiers:  make(map[ProofKind]Verifier, len(verifiers)),
		logger:     cfg.Logger,
		now:        time.Now,
	}
	for _, v := range verifiers {
		a.verifiers[v.Kind()] = v
		if w, ok := v.(*WalletSignatureVerifier); ok {
			a.wallet = w
		}
	}
	return a, nil
}

// Challenge hands out a single-use message for wallet signature login.
// Unknown wallets get a challenge too, so the endpoint does not reveal
// which wallets are registered.
func (a *Authority) Challenge(ctx context.Context, wallet string) (Challenge, error) {
	if a.wallet == nil {
		return Challenge{}, fmt.Errorf("%w: signature login is disabled", ErrUnauthorized)
	}
	normalized, err := stakeholder.NormalizeWallet(wallet)
	if err != nil {
		return Challenge{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return a.wallet.Issue(ctx, normalized)
}

// Issue verifies proof for wallet and returns a fresh token pair.
func (a *Authority) Issue(ctx context.Context, wallet string, proof Proof) (TokenPair, error) {
	normalized, err := stakeholder.NormalizeWallet(wallet)
	if err != nil {
		return TokenPair{}, ErrUnauthorized
	}
	s, err := a.activeStakeholder(ctx, normalized)
	if err != nil {
		return TokenPair{}, err
	}

	v, ok := a.verifiers[proof.Kind]
	if !ok {
		return TokenPair{}, fmt.Errorf("%w: unsupported proof %q", ErrUnauthorized, proof.Kind)
	}
	if err := v.Verify(ctx, s, proof); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return TokenPair{}, err
		}
		return TokenPair{}, fmt.Errorf("session: verify proof: %w", err)
	}

	return a.issuePair(ctx, s, uuid.NewString())
}

// Validate checks an access token and returns its session.
func (a *Authority) Validate(ctx context.Context, token string) (Session, error) {
	c, err := a.parse(token, tokenTypeAccess)
	if err != nil {
		return Session{}, err
	}
	revoked, err := a.store.TokenRevoked(ctx, c.ID)
	if err != nil {
		return Session{}, fmt.Errorf("session: check revocation: %w", err)
	}
	if !revoked {
		revoked, err = a.store.FamilyRevoked(ctx, c.Family)
		if err != nil {
			return Session{}, fmt.Errorf("session: check revocation: %w", err)
		}
	}
	if revoked {
		return Session{}, fmt.Errorf("%w: revoked", ErrInvalid)
	}
	// Deactivation and role changes apply to tokens already issued.
	holder, err := a.activeStakeholder(ctx, c.Subject)
	if err != nil {
		return Session{}, err
	}
	s := sessionFromClaims(c)
	s.Role = holder.Role
	return s, nil
}

// Refresh rotates a refresh token. Each refresh token is accepted once; a
// second presentation is treated as theft and revokes every token of the
// family.
func (a *Authority) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	c, err := a.parse(refreshToken, tokenTypeRefresh)
	if err != nil {
		return TokenPair{}, err
	}

	revoked, err := a.store.FamilyRevoked(ctx, c.Family)
	if err != nil {
		return TokenPair{}, fmt.Errorf("session: check revocation: %w", err)
	}
	if revoked {
		return TokenPair{}, fmt.Errorf("%w: revoked", ErrInvalid)
	}

	entry, ok, err := a.store.ConsumeRefresh(ctx, c.ID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("session: consume refresh: %w", err)
	}
	if !ok || entry.Family != c.Family {
		a.logger.Printf("session: refresh token reuse for %s, revoking family %s", c.Subject, c.Family)
		if err := a.store.RevokeFamily(ctx, c.Family, a.refreshTTL); err != nil {
			return TokenPair{}, fmt.Errorf("session: revoke family: %w", err)
		}
		return TokenPair{}, fmt.Errorf("%w: refresh token already used", ErrInvalid)
	}

	s, err := a.activeStakeholder(ctx, c.Subject)
	if err != nil {
		_ = a.store.RevokeFamily(ctx, c.Family, a.refreshTTL)
		return TokenPair{}, err
	}
	return a.issuePair(ctx, s, c.Family)
}

// Logout revokes the access token and, through its family, every refresh
// token descended from the same login.
func (a *Authority) Logout(ctx context.Context, accessToken, refreshToken string) error {
	c, err := a.parse(accessToken, tokenTypeAccess)
	if err != nil {
		return err
	}
	if err := a.store.RevokeToken(ctx, c.ID, a.accessTTL); err != nil {
		return fmt.Errorf("session: revoke token: %w", err)
	}
	if err := a.store.RevokeFamily(ctx, c.Family, a.refreshTTL); err != nil {
		return fmt.Errorf("session: revoke family: %w", err)
	}
	if refreshToken != "" {
		if rc, err := a.parse(refreshToken, tokenTypeRefresh); err == nil && rc.Family != c.Family {
			if err := a.store.RevokeFamily(ctx, rc.Family, a.refreshTTL); err != nil {
				return fmt.Errorf("session: revoke family: %w", err)
			}
		}
	}
	return nil
}

func (a *Authority) activeStakeholder(ctx context.Context, wallet string) (stakeholder.Stakeholder, error) {
	s, err := a.lookup.GetByWallet(ctx, wallet)
	if err != nil {
		if errors.Is(err, stakeholder.ErrNotFound) {
			return stakeholder.Stakeholder{}, fmt.Errorf("%w: unknown stakeholder", ErrUnauthorized)
		}
		return stakeholder.Stakeholder{}, fmt.Errorf("session: load stakeholder: %w", err)
	}
	if !s.IsActive {
		return stakeholder.Stakeholder{}, fmt.Errorf("%w: stakeholder is inactive", ErrUnauthorized)
	}
	return s, nil
}

func (a *Authority) issuePair(ctx context.Context, s stakeholder.Stakeholder, family string) (TokenPair, error) {
	now := a.now().UTC().Truncate(time.Second)
	access := a.newClaims(s, family, tokenTypeAccess, now, a.accessTTL)
	refresh := a.newClaims(s, family, tokenTypeRefresh, now, a.refreshTTL)

	accessToken, err := a.sign(access)
	if err != nil {
		return TokenPair{}, err
	}
	refreshToken, err := a.sign(refresh)
	if err != nil {
		return TokenPair{}, err
	}
	if err := a.store.SaveRefresh(ctx, refresh.ID, RefreshEntry{Family: family, Subject: s.WalletAddress}, a.refreshTTL); err != nil {
		return TokenPair{}, fmt.Errorf("session: save refresh: %w", err)
	}

	return TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  access.ExpiresAt.Time,
		RefreshExpiresAt: refresh.ExpiresAt.Time,
		Session:          sessionFromClaims(access),
	}, nil
}

func (a *Authority) newClaims(s stakeholder.Stakeholder, family, typ string, now time.Time, ttl time.Duration) *claims {
	return &claims{
		Role:   s.Role,
		Type:   typ,
		Family: family,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   s.WalletAddress,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
}

func (a *Authority) sign(c *claims) (string, error) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("session: sign token: %w", err)
	}
	return token, nil
}

func (a *Authority) parse(tokenString, typ string) (*claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalid)
	}
	c := &claims{}
	_, err := jwt.ParseWithClaims(tokenString, c, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	},
		jwt.WithTimeFunc(a.now),
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Type != typ || c.ID == "" || c.Family == "" || c.Subject == "" || !c.Role.Valid() {
		return nil, fmt.Errorf("%w: unexpected claims", ErrInvalid)
	}
	return c, nil
}

// sessionFromClaims builds the session for an access token. Every access
// token is minted alongside a refresh token of the same family.
func sessionFromClaims(c *claims) Session {
	s := Session{
		ID:          c.ID,
		Subject:     c.Subject,
		Role:        c.Role,
		Family:      c.Family,
		Refreshable: true,
	}
	if c.IssuedAt != nil {
		s.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		s.ExpiresAt = c.ExpiresAt.Time
	}
	return s
}
