// Package session issues, validates and rotates the short-lived credentials
// stakeholders use against the API, and decides which actions a session may
// perform.
package session

import (
	"errors"
	"time"

	"pharmatrace/stakeholder"
)

var (
	// ErrUnauthorized signals a failed proof or an unknown or inactive stakeholder.
	ErrUnauthorized = errors.New("session: unauthorized")
	// ErrExpired signals a token past its expiry.
	ErrExpired = errors.New("session: token expired")
	// ErrInvalid signals a malformed, revoked or reused token.
	ErrInvalid = errors.New("session: invalid token")
	// ErrForbidden signals the session's role may not perform the action.
	ErrForbidden = errors.New("session: forbidden")
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// Session is the validated identity behind a token.
type Session struct {
	ID          string
	Subject     string
	Role        stakeholder.Role
	Family      string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Refreshable bool
}

// TokenPair is returned by Issue and Refresh.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	Session          Session
}

type ProofKind string

const (
	ProofSignature ProofKind = "signature"
	ProofPassword  ProofKind = "password"
)

// Proof is the evidence a stakeholder presents at login.
type Proof struct {
	Kind      ProofKind `json:"kind"`
	Signature string    `json:"signature,omitempty"`
	Password  string    `json:"password,omitempty"`
}

// Challenge is the message a wallet must sign to log in.
type Challenge struct {
	Wallet    string
	Message   string
	ExpiresAt time.Time
}
