package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"pharmatrace/hashing"
)

// RegistryABI is the interface of the batch provenance registry contract.
const RegistryABI = `[
 {"type":"function","name":"mintBatch","stateMutability":"nonpayable",
  "inputs":[{"name":"key","type":"bytes32"},{"name":"batchId","type":"string"},{"name":"documentRef","type":"string"},{"name":"linkageHash","type":"bytes32"},{"name":"owner","type":"address"}],
  "outputs":[{"name":"tokenId","type":"uint256"}]},
 {"type":"function","name":"transferBatch","stateMutability":"nonpayable",
  "inputs":[{"name":"tokenId","type":"uint256"},{"name":"from","type":"address"},{"name":"to","type":"address"}],
  "outputs":[]},
 {"type":"function","name":"updateStatus","stateMutability":"nonpayable",
  "inputs":[{"name":"tokenId","type":"uint256"},{"name":"actor","type":"address"},{"name":"status","type":"uint8"}],
  "outputs":[]},
 {"type":"function","name":"getBatch","stateMutability":"view",
  "inputs":[{"name":"tokenId","type":"uint256"}],
  "outputs":[{"name":"key","type":"bytes32"},{"name":"batchId","type":"string"},{"name":"documentRef","type":"string"},{"name":"linkageHash","type":"bytes32"},{"name":"owner","type":"address"},{"name":"status","type":"uint8"},{"name":"updatedAt","type":"uint64"}]},
 {"type":"function","name":"tokenOfKey","stateMutability":"view",
  "inputs":[{"name":"key","type":"bytes32"}],
  "outputs":[{"name":"tokenId","type":"uint256"}]},
 {"type":"event","name":"BatchMinted","anonymous":false,
  "inputs":[{"name":"tokenId","type":"uint256","indexed":true},{"name":"key","type":"bytes32","indexed":true},{"name":"batchId","type":"string","indexed":false}]}
]`

var statusCodes = map[Status]uint8{
	StatusMinted:    1,
	StatusInTransit: 2,
	StatusDelivered: 3,
	StatusVerified:  4,
	StatusFailed:    5,
}

func statusFromCode(code uint8) (Status, bool) {
	for s, c := range statusCodes {
		if c == code {
			return s, true
		}
	}
	return "", false
}

// evmBackend is the subset of *ethclient.Client the registry client uses.
type evmBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// EVMConfig configures an EVMClient.
type EVMConfig struct {
	RPCURL        string
	Contract      string
	PrivateKeyHex string
	ChainID       int64
	Confirmations uint64
	PollInterval  time.Duration
	GasLimit      uint64
}

// EVMClient drives the registry contract on an EVM chain. Every call dials
// its own RPC connection and closes it before returning; idempotency comes
// from the mint key, not from connection state.
type EVMClient struct {
	cfg      EVMConfig
	abi      abi.ABI
	contract common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	dial     func(ctx context.Context) (evmBackend, error)
	logger   *log.Logger

	nonceMu sync.Mutex
}

func NewEVMClient(cfg EVMConfig, logger *log.Logger) (*EVMClient, error) {
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return nil, errors.New("ledger: rpc url is required")
	}
	c, err := newEVMClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	c.dial = func(ctx context.Context) (evmBackend, error) {
		client, err := ethclient.DialContext(ctx, cfg.RPCURL)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	return c, nil
}

func newEVMClient(cfg EVMConfig, logger *log.Logger) (*EVMClient, error) {
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("ledger: invalid contract address %q", cfg.Contract)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("ledger: parse private key: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(RegistryABI))
	if err != nil {
		return nil, fmt.Errorf("ledger: parse registry abi: %w", err)
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &EVMClient{
		cfg:      cfg,
		abi:      parsed,
		contract: common.HexToAddress(cfg.Contract),
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		logger:   logger,
	}, nil
}

// Sender is the address transactions are signed with.
func (c *EVMClient) Sender() string {
	return c.from.Hex()
}

func (c *EVMClient) Submit(ctx context.Context, op Operation) (Handle, error) {
	data, err := c.pack(op)
	if err != nil {
		return Handle{}, err
	}

	backend, err := c.dial(ctx)
	if err != nil {
		return Handle{}, classifyRPC(ctx, err)
	}
	defer backend.Close()

	chainID := big.NewInt(c.cfg.ChainID)
	if c.cfg.ChainID == 0 {
		chainID, err = backend.ChainID(ctx)
		if err != nil {
			return Handle{}, classifyRPC(ctx, err)
		}
	}

	gasPrice, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return Handle{}, classifyRPC(ctx, err)
	}

	gas := c.cfg.GasLimit
	if gas == 0 {
		gas, err = backend.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &c.contract, Data: data})
		if err != nil {
			return Handle{}, classifyRPC(ctx, err)
		}
		gas += gas / 5
	}

	// Nonce assignment and broadcast are serialized so concurrent submissions
	// from this key never reuse a nonce.
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	nonce, err := backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return Handle{}, classifyRPC(ctx, err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &c.contract,
		Value:    big.NewInt(0),
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), c.key)
	if err != nil {
		return Handle{}, fmt.Errorf("ledger: sign transaction: %w", err)
	}

	if err := backend.SendTransaction(ctx, signed); err != nil {
		if !strings.Contains(strings.ToLower(err.Error()), "already known") {
			return Handle{}, classifyRPC(ctx, err)
		}
	}

	return Handle{
		ID:          signed.Hash().Hex(),
		Kind:        op.Kind,
		SubmittedAt: time.Now().UTC(),
	}, nil
}

func (c *EVMClient) AwaitConfirmation(ctx context.Context, h Handle, timeout time.Duration) (Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	backend, err := c.dial(waitCtx)
	if err != nil {
		if ctx.Err() == nil && waitCtx.Err() != nil {
			return Receipt{}, ErrTimedOut
		}
		return Receipt{}, classifyRPC(ctx, err)
	}
	defer backend.Close()

	hash := common.HexToHash(h.ID)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := backend.TransactionReceipt(waitCtx, hash)
		switch {
		case err == nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return Receipt{}, fmt.Errorf("%w: transaction %s reverted", ErrRejected, h.ID)
			}
			head, herr := backend.BlockNumber(waitCtx)
			if herr == nil && head+1 >= receipt.BlockNumber.Uint64()+c.cfg.Confirmations {
				return c.receiptFor(h, receipt)
			}
		case errors.Is(err, ethereum.NotFound):
		default:
			if waitCtx.Err() == nil {
				c.logger.Printf("ledger: poll receipt %s: %v", h.ID, err)
			}
		}

		select {
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return Receipt{}, err
			}
			return Receipt{}, ErrTimedOut
		case <-ticker.C:
		}
	}
}

func (c *EVMClient) receiptFor(h Handle, receipt *types.Receipt) (Receipt, error) {
	out := Receipt{
		Handle:      h,
		BlockNumber: receipt.BlockNumber.Uint64(),
		ConfirmedAt: time.Now().UTC(),
	}
	if h.Kind != KindMint {
		return out, nil
	}
	minted := c.abi.Events["BatchMinted"].ID
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != c.contract || len(lg.Topics) < 2 || lg.Topics[0] != minted {
			continue
		}
		out.TokenID = new(big.Int).SetBytes(lg.Topics[1].Bytes()).String()
		return out, nil
	}
	return Receipt{}, fmt.Errorf("ledger: mint receipt %s has no BatchMinted event", h.ID)
}

func (c *EVMClient) Read(ctx context.Context, tokenID string) (Record, error) {
	id, ok := new(big.Int).SetString(tokenID, 10)
	if !ok || id.Sign() <= 0 {
		return Record{}, fmt.Errorf("%w: token %q", ErrNotFound, tokenID)
	}
	data, err := c.abi.Pack("getBatch", id)
	if err != nil {
		return Record{}, fmt.Errorf("ledger: pack getBatch: %w", err)
	}

	backend, err := c.dial(ctx)
	if err != nil {
		return Record{}, classifyRPC(ctx, err)
	}
	defer backend.Close()

	raw, err := backend.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		if errors.Is(classifyRPC(ctx, err), ErrRejected) {
			return Record{}, fmt.Errorf("%w: token %s", ErrNotFound, tokenID)
		}
		return Record{}, classifyRPC(ctx, err)
	}
	return c.decodeRecord(tokenID, raw)
}

func (c *EVMClient) FindByKey(ctx context.Context, key hashing.Digest) (Record, error) {
	data, err := c.abi.Pack("tokenOfKey", [32]byte(key))
	if err != nil {
		return Record{}, fmt.Errorf("ledger: pack tokenOfKey: %w", err)
	}

	backend, err := c.dial(ctx)
	if err != nil {
		return Record{}, classifyRPC(ctx, err)
	}
	raw, err := backend.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	backend.Close()
	if err != nil {
		return Record{}, classifyRPC(ctx, err)
	}

	out, err := c.abi.Unpack("tokenOfKey", raw)
	if err != nil || len(out) != 1 {
		return Record{}, fmt.Errorf("ledger: unpack tokenOfKey: %v", err)
	}
	id, ok := out[0].(*big.Int)
	if !ok || id.Sign() == 0 {
		return Record{}, fmt.Errorf("%w: key %s", ErrNotFound, key)
	}
	return c.Read(ctx, id.String())
}

func (c *EVMClient) decodeRecord(tokenID string, raw []byte) (Record, error) {
	out, err := c.abi.Unpack("getBatch", raw)
	if err != nil {
		return Record{}, fmt.Errorf("ledger: unpack getBatch: %w", err)
	}
	if len(out) != 7 {
		return Record{}, fmt.Errorf("ledger: getBatch returned %d values", len(out))
	}

	key, _ := out[0].([32]byte)
	batchID, _ := out[1].(string)
	docRef, _ := out[2].(string)
	linkage, _ := out[3].([32]byte)
	owner, _ := out[4].(common.Address)
	code, _ := out[5].(uint8)
	updatedAt, _ := out[6].(uint64)

	if batchID == "" {
		return Record{}, fmt.Errorf("%w: token %s", ErrNotFound, tokenID)
	}
	status, ok := statusFromCode(code)
	if !ok {
		return Record{}, fmt.Errorf("ledger: token %s has unknown status code %d", tokenID, code)
	}
	return Record{
		TokenID:     tokenID,
		Key:         hashing.Digest(key),
		BatchID:     batchID,
		DocumentRef: docRef,
		LinkageHash: hashing.Digest(linkage),
		Owner:       strings.ToLower(owner.Hex()),
		Status:      status,
		UpdatedAt:   time.Unix(int64(updatedAt), 0).UTC(),
	}, nil
}

func (c *EVMClient) pack(op Operation) ([]byte, error) {
	switch op.Kind {
	case KindMint:
		if !common.IsHexAddress(op.To) {
			return nil, fmt.Errorf("%w: invalid owner address %q", ErrRejected, op.To)
		}
		return c.abi.Pack("mintBatch", [32]byte(op.Key), op.BatchID, op.DocumentRef, [32]byte(op.LinkageHash), common.HexToAddress(op.To))
	case KindTransfer:
		id, err := parseTokenID(op.TokenID)
		if err != nil {
			return nil, err
		}
		if !common.IsHexAddress(op.From) || !common.IsHexAddress(op.To) {
			return nil, fmt.Errorf("%w: invalid transfer addresses", ErrRejected)
		}
		return c.abi.Pack("transferBatch", id, common.HexToAddress(op.From), common.HexToAddress(op.To))
	case KindStatusUpdate:
		id, err := parseTokenID(op.TokenID)
		if err != nil {
			return nil, err
		}
		code, ok := statusCodes[op.Status]
		if !ok {
			return nil, fmt.Errorf("%w: unknown status %q", ErrRejected, op.Status)
		}
		actor := common.Address{}
		if common.IsHexAddress(op.From) {
			actor = common.HexToAddress(op.From)
		}
		return c.abi.Pack("updateStatus", id, actor, code)
	default:
		return nil, fmt.Errorf("%w: unknown operation %q", ErrRejected, op.Kind)
	}
}

func parseTokenID(tokenID string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(tokenID, 10)
	if !ok || id.Sign() <= 0 {
		return nil, fmt.Errorf("%w: invalid token id %q", ErrRejected, tokenID)
	}
	return id, nil
}

// classifyRPC maps node errors onto the ledger taxonomy: reverts are
// rejections, everything else that is not a caller cancellation is transient.
func classifyRPC(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "execution reverted") || strings.Contains(msg, "revert") {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
