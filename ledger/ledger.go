// Package ledger is the uniform client for the distributed ledger that holds
// the tamper-evident batch records.
//
// Ledger writes are two-phase: Submit returns a Handle as soon as the
// operation is accepted for inclusion, and AwaitConfirmation blocks until it
// is durably included. Only a confirmed Receipt is treated as real. A
// confirmation timeout is ambiguous (the operation may or may not have
// landed) and must be resolved with Read or FindByKey, never by blindly
// submitting again.
package ledger

import (
	"context"
	"errors"
	"time"

	"pharmatrace/hashing"
)

var (
	// ErrRejected signals the operation is invalid per ledger rules. Never retried.
	ErrRejected = errors.New("ledger: rejected")
	// ErrUnavailable signals a transient failure reaching the ledger. Retryable.
	ErrUnavailable = errors.New("ledger: unavailable")
	// ErrTimedOut signals confirmation did not arrive in time. Ambiguous.
	ErrTimedOut = errors.New("ledger: confirmation timed out")
	// ErrNotFound signals no ledger record for the token, key or handle.
	ErrNotFound = errors.New("ledger: not found")
)

// Kind is the type of a state-changing ledger operation.
type Kind string

const (
	KindMint         Kind = "mint"
	KindTransfer     Kind = "transfer"
	KindStatusUpdate Kind = "status_update"
)

// Status is the ledger-resident lifecycle status of a token.
type Status string

const (
	StatusMinted    Status = "MINTED"
	StatusInTransit Status = "IN_TRANSIT"
	StatusDelivered Status = "DELIVERED"
	StatusVerified  Status = "VERIFIED"
	StatusFailed    Status = "FAILED"
)

// Operation describes one state change. Mint uses Key, BatchID, DocumentRef,
// LinkageHash and To (the initial owner). Transfer uses TokenID, From and To.
// StatusUpdate uses TokenID, From and Status.
type Operation struct {
	Kind        Kind
	Key         hashing.Digest
	BatchID     string
	TokenID     string
	DocumentRef string
	LinkageHash hashing.Digest
	From        string
	To          string
	Status      Status
}

// Handle identifies a submitted, not yet confirmed operation.
type Handle struct {
	ID          string
	Kind        Kind
	SubmittedAt time.Time
}

// Receipt is the confirmed outcome of an operation.
type Receipt struct {
	Handle      Handle
	TokenID     string
	BlockNumber uint64
	ConfirmedAt time.Time
}

// Record is the ledger-resident state of one batch token.
type Record struct {
	TokenID     string
	Key         hashing.Digest
	BatchID     string
	DocumentRef string
	LinkageHash hashing.Digest
	Owner       string
	Status      Status
	UpdatedAt   time.Time
}

// Client is implemented by every ledger backend.
type Client interface {
	Submit(ctx context.Context, op Operation) (Handle, error)
	AwaitConfirmation(ctx context.Context, h Handle, timeout time.Duration) (Receipt, error)
	Read(ctx context.Context, tokenID string) (Record, error)
	FindByKey(ctx context.Context, key hashing.Digest) (Record, error)
}

// statusOrder ranks statuses along the forward lifecycle.
var statusOrder = map[Status]int{
	StatusMinted:    1,
	StatusInTransit: 2,
	StatusDelivered: 3,
	StatusVerified:  4,
}

// ValidTransition reports whether the ledger accepts moving from cur to next
// with a StatusUpdate operation.
func ValidTransition(cur, next Status) bool {
	switch next {
	case StatusDelivered:
		return cur == StatusInTransit
	case StatusVerified:
		return cur == StatusDelivered
	case StatusFailed:
		return cur != StatusFailed
	default:
		return false
	}
}

// AtLeast reports whether s is at or beyond target on the forward lifecycle.
func AtLeast(s, target Status) bool {
	return statusOrder[s] >= statusOrder[target] && statusOrder[s] > 0
}
