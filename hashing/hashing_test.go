package hashing

import (
	"crypto/sha256"
	"errors"
	"testing"
)

func TestContentHash_MatchesSHA256(t *testing.T) {
	doc := []byte("certificate of analysis: lot B1")
	got, err := ContentHash(doc)
	if err != nil {
		t.Fatalf("content hash: %v", err)
	}
	if got != Digest(sha256.Sum256(doc)) {
		t.Fatalf("expected sha256 digest, got %s", got)
	}
}

func TestContentHash_Empty(t *testing.T) {
	if _, err := ContentHash(nil); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
}

func TestLinkageHash_Deterministic(t *testing.T) {
	pairs := []struct {
		batchID string
		doc     string
	}{
		{"B1", "manifest"},
		{"LOT-2024-0001", "quality certificate v1"},
		{"lot/β-7", "{\"temp\":\"2-8C\"}"},
	}
	for _, p := range pairs {
		content, err := ContentHash([]byte(p.doc))
		if err != nil {
			t.Fatalf("content hash: %v", err)
		}
		first, err := LinkageHash(p.batchID, content)
		if err != nil {
			t.Fatalf("linkage hash %q: %v", p.batchID, err)
		}
		second, err := LinkageHash(p.batchID, content)
		if err != nil {
			t.Fatalf("linkage hash %q: %v", p.batchID, err)
		}
		if first != second {
			t.Fatalf("linkage hash not deterministic for %q: %s vs %s", p.batchID, first, second)
		}
	}
}

func TestLinkageHash_BindsBothInputs(t *testing.T) {
	c1, _ := ContentHash([]byte("doc one"))
	c2, _ := ContentHash([]byte("doc two"))

	a, _ := LinkageHash("B1", c1)
	b, _ := LinkageHash("B2", c1)
	c, _ := LinkageHash("B1", c2)
	if a == b || a == c || b == c {
		t.Fatalf("expected distinct linkage hashes, got %s %s %s", a, b, c)
	}
}

func TestLinkageHash_InvalidInput(t *testing.T) {
	content, _ := ContentHash([]byte("doc"))
	if _, err := LinkageHash("  ", content); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank id, got %v", err)
	}
	if _, err := LinkageHash("B1", Digest{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero digest, got %v", err)
	}
	if _, err := LinkageHash(string([]byte{0xff, 0xfe}), content); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for invalid utf-8, got %v", err)
	}
}

func TestMintKey_StablePerBatch(t *testing.T) {
	k1, err := MintKey("B1")
	if err != nil {
		t.Fatalf("mint key: %v", err)
	}
	k2, _ := MintKey("B1")
	k3, _ := MintKey("B2")
	if k1 != k2 {
		t.Fatal("mint key changed between calls")
	}
	if k1 == k3 {
		t.Fatal("mint keys collide across batches")
	}
}

func TestParseDigest_RoundTrip(t *testing.T) {
	d, _ := ContentHash([]byte("abc"))
	parsed, err := ParseDigest(d.Hex())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != d {
		t.Fatalf("expected %s got %s", d, parsed)
	}
	if _, err := ParseDigest("0x1234"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for short digest, got %v", err)
	}
}
