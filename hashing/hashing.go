// Package hashing derives the deterministic identifiers that bind a batch
// document to its ledger record. Every function here is pure so that any
// independent verifier can recompute the same digests from the same inputs.
package hashing

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/sha3"
)

var (
	// ErrEmptyInput signals a document with no bytes.
	ErrEmptyInput = errors.New("hashing: empty input")
	// ErrInvalidInput signals a malformed batch identifier or digest encoding.
	ErrInvalidInput = errors.New("hashing: invalid input")
)

const mintKeyDomain = "pharmatrace:mint:"

// Digest is a 32 byte hash value.
type Digest [32]byte

// Hex returns the 0x-prefixed lowercase hex encoding.
func (d Digest) Hex() string {
	return "0x" + hex.EncodeToString(d[:])
}

func (d Digest) String() string {
	return d.Hex()
}

// IsZero reports whether the digest was never set.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// ParseDigest decodes a hex digest with or without the 0x prefix.
func ParseDigest(s string) (Digest, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(raw)
	if err != nil {
		return Digest{}, fmt.Errorf("%w: digest %q: %v", ErrInvalidInput, s, err)
	}
	if len(b) != len(Digest{}) {
		return Digest{}, fmt.Errorf("%w: digest %q has %d bytes", ErrInvalidInput, s, len(b))
	}
	var d Digest
	copy(d[:], b)
	return d, nil
}

// ContentHash is the SHA-256 digest of the raw document bytes.
func ContentHash(doc []byte) (Digest, error) {
	if len(doc) == 0 {
		return Digest{}, ErrEmptyInput
	}
	return sha256.Sum256(doc), nil
}

// LinkageHash binds a business batch identifier to a document digest.
//
// The preimage is len(batchID) as a big-endian uint64, the batch identifier
// bytes, then the 32 content digest bytes. Keccak-256 is used so the ledger
// contract can recompute the value natively.
func LinkageHash(batchID string, content Digest) (Digest, error) {
	if err := validateBatchID(batchID); err != nil {
		return Digest{}, err
	}
	if content.IsZero() {
		return Digest{}, fmt.Errorf("%w: zero content digest", ErrInvalidInput)
	}

	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], uint64(len(batchID)))

	h := sha3.NewLegacyKeccak256()
	h.Write(prefix[:])
	h.Write([]byte(batchID))
	h.Write(content[:])

	var out Digest
	copy(out[:], h.Sum(nil))
	return out, nil
}

// MintKey is the deterministic key a mint operation is indexed by on the
// ledger. Looking it up tells whether a mint for batchID has already landed.
func MintKey(batchID string) (Digest, error) {
	if err := validateBatchID(batchID); err != nil {
		return Digest{}, err
	}
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(mintKeyDomain))
	h.Write([]byte(batchID))

	var out Digest
	copy(out[:], h.Sum(nil))
	return out, nil
}

func validateBatchID(batchID string) error {
	if strings.TrimSpace(batchID) == "" {
		return fmt.Errorf("%w: empty batch id", ErrInvalidInput)
	}
	if !utf8.ValidString(batchID) {
		return fmt.Errorf("%w: batch id is not valid utf-8", ErrInvalidInput)
	}
	return nil
}
