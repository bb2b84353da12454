package ledger

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"pharmatrace/hashing"
)

const testContract = "0x00000000000000000000000000000000000000aa"

type fakeBackend struct {
	mu       sync.Mutex
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	head     uint64
	call     func(data []byte) ([]byte, error)
	sendErr  error
	dials    int
	closes   int
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1337), nil }
func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}
func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(1e9), nil }
func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 100000, nil
}
func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}
func (f *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}
func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}
func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	return f.call(msg.Data)
}
func (f *fakeBackend) Close() {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
}

func newTestEVMClient(t *testing.T, fb *fakeBackend) *EVMClient {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	c, err := newEVMClient(EVMConfig{
		Contract:      testContract,
		PrivateKeyHex: hex.EncodeToString(crypto.FromECDSA(key)),
		ChainID:       1337,
		PollInterval:  5 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	c.dial = func(context.Context) (evmBackend, error) {
		fb.mu.Lock()
		fb.dials++
		fb.mu.Unlock()
		return fb, nil
	}
	return c
}

func TestEVMClient_SubmitMintSignsAndEncodes(t *testing.T) {
	fb := &fakeBackend{receipts: map[common.Hash]*types.Receipt{}}
	c := newTestEVMClient(t, fb)

	key, _ := hashing.MintKey("B1")
	content, _ := hashing.ContentHash([]byte("doc"))
	link, _ := hashing.LinkageHash("B1", content)
	h, err := c.Submit(context.Background(), Operation{
		Kind: KindMint, Key: key, BatchID: "B1", DocumentRef: "bafkreidoc", LinkageHash: link,
		To: "0x1111111111111111111111111111111111111111",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(fb.sent) != 1 {
		t.Fatalf("expected one transaction, got %d", len(fb.sent))
	}
	tx := fb.sent[0]
	if h.ID != tx.Hash().Hex() {
		t.Fatalf("handle %s does not match tx hash %s", h.ID, tx.Hash().Hex())
	}
	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1337)), tx)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if sender.Hex() != c.Sender() {
		t.Fatalf("expected sender %s got %s", c.Sender(), sender.Hex())
	}
	method, err := c.abi.MethodById(tx.Data()[:4])
	if err != nil || method.Name != "mintBatch" {
		t.Fatalf("expected mintBatch call, got %v err=%v", method, err)
	}
	if fb.dials != fb.closes {
		t.Fatalf("expected every dial to be closed: dials=%d closes=%d", fb.dials, fb.closes)
	}
}

func TestEVMClient_AwaitConfirmation(t *testing.T) {
	fb := &fakeBackend{receipts: map[common.Hash]*types.Receipt{}, head: 10}
	c := newTestEVMClient(t, fb)
	ctx := context.Background()

	minted := c.abi.Events["BatchMinted"].ID
	hash := common.HexToHash("0x01")
	fb.receipts[hash] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(10),
		Logs: []*types.Log{{
			Address: common.HexToAddress(testContract),
			Topics:  []common.Hash{minted, common.BigToHash(big.NewInt(7)), {}},
		}},
	}
	receipt, err := c.AwaitConfirmation(ctx, Handle{ID: hash.Hex(), Kind: KindMint}, time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if receipt.TokenID != "7" || receipt.BlockNumber != 10 {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	reverted := common.HexToHash("0x02")
	fb.receipts[reverted] = &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(9)}
	if _, err := c.AwaitConfirmation(ctx, Handle{ID: reverted.Hex(), Kind: KindTransfer}, time.Second); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected for reverted tx, got %v", err)
	}

	if _, err := c.AwaitConfirmation(ctx, Handle{ID: common.HexToHash("0x03").Hex()}, 30*time.Millisecond); !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut for missing receipt, got %v", err)
	}
}

func TestEVMClient_ReadAndFindByKey(t *testing.T) {
	fb := &fakeBackend{}
	c := newTestEVMClient(t, fb)
	ctx := context.Background()

	key, _ := hashing.MintKey("B1")
	content, _ := hashing.ContentHash([]byte("doc"))
	link, _ := hashing.LinkageHash("B1", content)
	owner := common.HexToAddress("0x2222222222222222222222222222222222222222")

	getBatchID := c.abi.Methods["getBatch"].ID
	tokenOfKeyID := c.abi.Methods["tokenOfKey"].ID
	known := true
	fb.call = func(data []byte) ([]byte, error) {
		switch {
		case bytes.Equal(data[:4], tokenOfKeyID):
			if !known {
				return c.abi.Methods["tokenOfKey"].Outputs.Pack(big.NewInt(0))
			}
			return c.abi.Methods["tokenOfKey"].Outputs.Pack(big.NewInt(3))
		case bytes.Equal(data[:4], getBatchID):
			return c.abi.Methods["getBatch"].Outputs.Pack([32]byte(key), "B1", "bafkreidoc", [32]byte(link), owner, uint8(2), uint64(1700000000))
		}
		return nil, errors.New("unexpected call")
	}

	rec, err := c.FindByKey(ctx, key)
	if err != nil {
		t.Fatalf("find by key: %v", err)
	}
	if rec.TokenID != "3" || rec.BatchID != "B1" || rec.Status != StatusInTransit || rec.LinkageHash != link {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.Owner != strings.ToLower(owner.Hex()) {
		t.Fatalf("expected lowercase owner, got %s", rec.Owner)
	}

	known = false
	if _, err := c.FindByKey(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEVMClient_ClassifiesSendErrors(t *testing.T) {
	fb := &fakeBackend{sendErr: errors.New("execution reverted: not owner")}
	c := newTestEVMClient(t, fb)
	_, err := c.Submit(context.Background(), Operation{
		Kind: KindTransfer, TokenID: "1",
		From: "0x1111111111111111111111111111111111111111",
		To:   "0x2222222222222222222222222222222222222222",
	})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}

	fb.sendErr = errors.New("connection refused")
	_, err = c.Submit(context.Background(), Operation{
		Kind: KindTransfer, TokenID: "1",
		From: "0x1111111111111111111111111111111111111111",
		To:   "0x2222222222222222222222222222222222222222",
	})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
