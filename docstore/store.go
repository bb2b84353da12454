// Package docstore is the uniform client for the content-addressed document
// store that holds batch certificates and manifests.
package docstore

import (
	"context"
	"crypto/sha256"
	"encoding/base32"
	"errors"
	"strings"
)

var (
	// ErrNotFound signals the content identifier is unknown to the store.
	ErrNotFound = errors.New("docstore: not found")
	// ErrUnavailable signals the store cannot currently be reached.
	ErrUnavailable = errors.New("docstore: unavailable")
	// ErrEmptyDocument signals an attempt to store zero bytes.
	ErrEmptyDocument = errors.New("docstore: empty document")
)

// Store puts and gets immutable documents by content identifier. Put must be
// idempotent: identical bytes always yield the identical identifier.
type Store interface {
	Put(ctx context.Context, doc []byte) (string, error)
	Get(ctx context.Context, cid string) ([]byte, error)
}

var cidEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ComputeCID returns the CIDv1 (raw codec, sha2-256 multihash, base32
// multibase) for doc, the same identifier an IPFS node assigns to a single
// raw block.
func ComputeCID(doc []byte) string {
	sum := sha256.Sum256(doc)
	raw := make([]byte, 0, 4+len(sum))
	raw = append(raw, 0x01, 0x55, 0x12, 0x20)
	raw = append(raw, sum[:]...)
	return "b" + strings.ToLower(cidEncoding.EncodeToString(raw))
}
