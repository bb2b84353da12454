package batch

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"pharmatrace/hashing"
	"pharmatrace/ledger"
)

var (
	// ErrValidation signals malformed input.
	ErrValidation = errors.New("batch: invalid input")
	// ErrForbidden signals the actor may not perform the operation.
	ErrForbidden = errors.New("batch: forbidden")
	// ErrNotFound signals no batch matches the identifier.
	ErrNotFound = errors.New("batch: not found")
	// ErrDuplicate signals the batch id is already registered.
	ErrDuplicate = errors.New("batch: already exists")
	// ErrStalePrecondition signals the batch changed while the request waited.
	ErrStalePrecondition = errors.New("batch: stale precondition")
	// ErrServiceDegraded signals a dependency stayed unavailable after retries.
	ErrServiceDegraded = errors.New("batch: service degraded")
	// ErrRejected signals the ledger refused the operation.
	ErrRejected = errors.New("batch: rejected by ledger")
	// ErrInvariantViolation signals local state would break the token/status
	// invariant. It is never downgraded to success.
	ErrInvariantViolation = errors.New("batch: invariant violation")
)

type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusMinting   Status = "MINTING"
	StatusMinted    Status = "MINTED"
	StatusInTransit Status = "IN_TRANSIT"
	StatusDelivered Status = "DELIVERED"
	StatusVerified  Status = "VERIFIED"
	StatusFailed    Status = "FAILED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusMinting, StatusMinted, StatusInTransit, StatusDelivered, StatusVerified, StatusFailed:
		return true
	default:
		return false
	}
}

// onLedger reports whether a batch in status s must carry a ledger token.
func (s Status) onLedger() bool {
	switch s {
	case StatusMinted, StatusInTransit, StatusDelivered, StatusVerified:
		return true
	default:
		return false
	}
}

// History actions.
const (
	ActionCreated     = "CREATED"
	ActionMinted      = "MINTED"
	ActionTransferred = "TRANSFERRED"
	ActionDelivered   = "DELIVERED"
	ActionVerified    = "VERIFIED"
	ActionFailed      = "FAILED"
)

// HistoryEntry is one append-only custody or status event.
type HistoryEntry struct {
	Seq               int
	Actor             string
	Action            string
	Timestamp         time.Time
	PreviousCustodian string
	NewCustodian      string
	LedgerRef         string
}

// Metadata describes the physical batch.
type Metadata struct {
	ProductName    string            `json:"productName,omitempty"`
	Manufacturer   string            `json:"manufacturer,omitempty"`
	ManufacturedAt *time.Time        `json:"manufacturedAt,omitempty"`
	ExpiresAt      *time.Time        `json:"expiresAt,omitempty"`
	Quantity       int64             `json:"quantity,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// PendingOperation is the in-flight ledger operation of a batch. It is
// persisted so a restarted process can reconcile it.
type PendingOperation struct {
	Kind           ledger.Kind `json:"kind"`
	Handle         string      `json:"handle,omitempty"`
	Recipient      string      `json:"recipient,omitempty"`
	TargetStatus   Status      `json:"targetStatus,omitempty"`
	PreviousStatus Status      `json:"previousStatus,omitempty"`
	Actor          string      `json:"actor,omitempty"`
	SubmittedAt    time.Time   `json:"submittedAt"`
	Attempts       int         `json:"attempts"`
}

// Batch is the locally cached view of a batch. The ledger is authoritative
// for ownership and status; this record is reconciled against it.
type Batch struct {
	BatchID       string
	LedgerToken   string
	DocumentRef   string
	ContentHash   hashing.Digest
	LinkageHash   hashing.Digest
	Status        Status
	Custodian     string
	Metadata      Metadata
	Version       int64
	Pending       *PendingOperation
	FailureReason string
	History       []HistoryEntry
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CheckInvariant verifies that a ledger token is present exactly when the
// status says the batch is on the ledger.
func (b Batch) CheckInvariant() error {
	if !b.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvariantViolation, b.Status)
	}
	if b.Status.onLedger() && b.LedgerToken == "" {
		return fmt.Errorf("%w: batch %s is %s without a ledger token", ErrInvariantViolation, b.BatchID, b.Status)
	}
	if !b.Status.onLedger() && b.LedgerToken != "" {
		return fmt.Errorf("%w: batch %s is %s but holds token %s", ErrInvariantViolation, b.BatchID, b.Status, b.LedgerToken)
	}
	if b.LinkageHash.IsZero() || b.ContentHash.IsZero() || b.DocumentRef == "" {
		return fmt.Errorf("%w: batch %s has no document binding", ErrInvariantViolation, b.BatchID)
	}
	return nil
}

func (b Batch) clone() Batch {
	out := b
	if b.Pending != nil {
		p := *b.Pending
		out.Pending = &p
	}
	if b.History != nil {
		out.History = append([]HistoryEntry(nil), b.History...)
	}
	if b.Metadata.Attributes != nil {
		attrs := make(map[string]string, len(b.Metadata.Attributes))
		for k, v := range b.Metadata.Attributes {
			attrs[k] = v
		}
		out.Metadata.Attributes = attrs
	}
	return out
}

// CreateRequest carries the input of CreateBatch.
type CreateRequest struct {
	BatchID  string
	Document []byte
	Metadata Metadata
}

// ListFilter narrows List results.
type ListFilter struct {
	Custodian string
	Status    Status
	Limit     int
	Offset    int
}

type Verdict string

const (
	VerdictAuthentic    Verdict = "AUTHENTIC"
	VerdictTampered     Verdict = "TAMPERED"
	VerdictUnverifiable Verdict = "UNVERIFIABLE"
)

// VerificationResult is the outcome of Verify.
type VerificationResult struct {
	Verdict      Verdict
	Authentic    bool
	Reason       string
	Batch        *Batch
	LedgerStatus ledger.Status
	CheckedAt    time.Time
}

var (
	batchIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)
	// Ledger tokens are decimal, so a numeric batch id would be ambiguous.
	numericPattern = regexp.MustCompile(`^[0-9]+$`)
)

func validateCreate(req CreateRequest) error {
	if !batchIDPattern.MatchString(req.BatchID) {
		return fmt.Errorf("%w: batch id must be 1-128 characters of letters, digits, '.', '_', ':' or '-'", ErrValidation)
	}
	if numericPattern.MatchString(req.BatchID) {
		return fmt.Errorf("%w: batch id must not be purely numeric", ErrValidation)
	}
	if len(req.Document) == 0 {
		return fmt.Errorf("%w: document is required", ErrValidation)
	}
	md := req.Metadata
	if md.Quantity < 0 {
		return fmt.Errorf("%w: quantity must not be negative", ErrValidation)
	}
	if md.ManufacturedAt != nil && md.ExpiresAt != nil && !md.ExpiresAt.After(*md.ManufacturedAt) {
		return fmt.Errorf("%w: expiry must be after manufacture", ErrValidation)
	}
	return nil
}
