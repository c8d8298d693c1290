package ethereum

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"

	"github.com/cuongbtq/mintqueue/internal/domain"
	goethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	contractAddr  = "0x1111111111111111111111111111111111111111"
	recipientAddr = "0x2222222222222222222222222222222222222222"
)

type fakeRPC struct {
	mu sync.Mutex

	chainID      *big.Int
	pendingNonce uint64
	nonceCalls   int
	head         uint64
	sendErrs     []error
	sent         []*types.Transaction
	receipts     map[common.Hash]*types.Receipt
	pending      map[common.Hash]bool
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{
		chainID:  big.NewInt(11155111),
		receipts: make(map[common.Hash]*types.Receipt),
		pending:  make(map[common.Hash]bool),
	}
}

func (f *fakeRPC) ChainID(ctx context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeRPC) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonceCalls++
	return f.pendingNonce, nil
}

func (f *fakeRPC) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (f *fakeRPC) EstimateGas(ctx context.Context, msg goethereum.CallMsg) (uint64, error) {
	return 90_000, nil
}

func (f *fakeRPC) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, tx)
	if tx.Nonce() >= f.pendingNonce {
		f.pendingNonce = tx.Nonce() + 1
	}
	return nil
}

func (f *fakeRPC) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, goethereum.NotFound
}

func (f *fakeRPC) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending[hash] {
		return &types.Transaction{}, true, nil
	}
	return nil, false, goethereum.NotFound
}

func (f *fakeRPC) BlockNumber(ctx context.Context) (uint64, error) { return f.head, nil }

func newTestClient(t *testing.T, rpc *fakeRPC, opts Options) *Client {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	client, err := New(rpc, key, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return client
}

func TestValidate(t *testing.T) {
	client := newTestClient(t, newFakeRPC(), Options{})

	tests := []struct {
		name    string
		payload domain.Payload
		wantErr bool
	}{
		{
			name:    "erc721 mint",
			payload: domain.Payload{Operation: domain.OperationMint, Recipient: recipientAddr, AssetRef: contractAddr, TokenID: "42"},
		},
		{
			name:    "erc20 transfer",
			payload: domain.Payload{Operation: domain.OperationTransfer, Recipient: recipientAddr, AssetRef: contractAddr, Amount: 10},
		},
		{
			name:    "hex token id",
			payload: domain.Payload{Operation: domain.OperationTransfer, Recipient: recipientAddr, AssetRef: contractAddr, TokenID: "0x2a"},
		},
		{
			name:    "bad recipient",
			payload: domain.Payload{Operation: domain.OperationMint, Recipient: "bob", AssetRef: contractAddr, TokenID: "1"},
			wantErr: true,
		},
		{
			name:    "bad contract",
			payload: domain.Payload{Operation: domain.OperationMint, Recipient: recipientAddr, AssetRef: "So1ana", TokenID: "1"},
			wantErr: true,
		},
		{
			name:    "neither token id nor amount",
			payload: domain.Payload{Operation: domain.OperationMint, Recipient: recipientAddr, AssetRef: contractAddr},
			wantErr: true,
		},
		{
			name:    "both token id and amount",
			payload: domain.Payload{Operation: domain.OperationMint, Recipient: recipientAddr, AssetRef: contractAddr, TokenID: "1", Amount: 1},
			wantErr: true,
		},
		{
			name:    "negative token id",
			payload: domain.Payload{Operation: domain.OperationMint, Recipient: recipientAddr, AssetRef: contractAddr, TokenID: "-1"},
			wantErr: true,
		},
		{
			name:    "unknown operation",
			payload: domain.Payload{Operation: "burn", Recipient: recipientAddr, AssetRef: contractAddr, TokenID: "1"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Validate(tt.payload)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidPayload)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBuildAndSubmit(t *testing.T) {
	rpc := newFakeRPC()
	rpc.pendingNonce = 7
	client := newTestClient(t, rpc, Options{GasLimit: 150_000})

	payload := domain.Payload{Operation: domain.OperationMint, Recipient: recipientAddr, AssetRef: contractAddr, TokenID: "42"}

	ref1, err := client.BuildAndSubmit(context.Background(), payload)
	require.NoError(t, err)
	ref2, err := client.BuildAndSubmit(context.Background(), payload)
	require.NoError(t, err)
	assert.NotEqual(t, ref1, ref2)

	require.Len(t, rpc.sent, 2)
	assert.Equal(t, uint64(7), rpc.sent[0].Nonce())
	assert.Equal(t, uint64(8), rpc.sent[1].Nonce())
	assert.Equal(t, 2, rpc.nonceCalls)

	tx := rpc.sent[0]
	assert.Equal(t, ref1, tx.Hash().Hex())
	assert.Equal(t, uint64(150_000), tx.Gas())
	assert.Equal(t, common.HexToAddress(contractAddr), *tx.To())
	assert.Equal(t, client.abi.Methods["mint"].ID, tx.Data()[:4])

	sender, err := types.Sender(types.LatestSignerForChainID(rpc.chainID), tx)
	require.NoError(t, err)
	assert.Equal(t, client.Address(), sender)
}

func TestBuildAndSubmit_RefillsDroppedNonce(t *testing.T) {
	rpc := newFakeRPC()
	client := newTestClient(t, rpc, Options{GasLimit: 100_000})
	ctx := context.Background()

	payload := domain.Payload{Operation: domain.OperationMint, Recipient: recipientAddr, AssetRef: contractAddr, Amount: 1}

	first, err := client.BuildAndSubmit(ctx, payload)
	require.NoError(t, err)
	_, err = client.BuildAndSubmit(ctx, payload)
	require.NoError(t, err)

	// Node evicts both transactions from its pool
	rpc.mu.Lock()
	rpc.pendingNonce = 0
	rpc.mu.Unlock()

	status, err := client.QueryStatus(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, domain.NotFound(), status)

	_, err = client.BuildAndSubmit(ctx, payload)
	require.NoError(t, err)

	require.Len(t, rpc.sent, 3)
	assert.Equal(t, uint64(0), rpc.sent[0].Nonce())
	assert.Equal(t, uint64(1), rpc.sent[1].Nonce())
	assert.Equal(t, uint64(0), rpc.sent[2].Nonce(), "re-submission fills the gap left by the dropped transaction")
	assert.Equal(t, 3, rpc.nonceCalls)

	_, err = client.BuildAndSubmit(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rpc.sent[3].Nonce())
}

func TestBuildAndSubmit_TransferFromSigner(t *testing.T) {
	rpc := newFakeRPC()
	client := newTestClient(t, rpc, Options{})

	_, err := client.BuildAndSubmit(context.Background(), domain.Payload{
		Operation: domain.OperationTransfer,
		Recipient: recipientAddr,
		AssetRef:  contractAddr,
		TokenID:   "5",
	})
	require.NoError(t, err)
	require.Len(t, rpc.sent, 1)
	assert.Equal(t, client.abi.Methods["transferFrom"].ID, rpc.sent[0].Data()[:4])
	assert.Equal(t, uint64(90_000), rpc.sent[0].Gas(), "estimated when no gas limit is configured")
}

func TestBuildAndSubmit_Errors(t *testing.T) {
	payload := domain.Payload{Operation: domain.OperationMint, Recipient: recipientAddr, AssetRef: contractAddr, Amount: 3}

	t.Run("nonce too low is transient and re-reads the nonce", func(t *testing.T) {
		rpc := newFakeRPC()
		rpc.sendErrs = []error{errors.New("nonce too low")}
		client := newTestClient(t, rpc, Options{GasLimit: 100_000})

		_, err := client.BuildAndSubmit(context.Background(), payload)
		require.Error(t, err)
		assert.True(t, domain.IsTransient(err))

		rpc.pendingNonce = 3
		_, err = client.BuildAndSubmit(context.Background(), payload)
		require.NoError(t, err)
		assert.Equal(t, 2, rpc.nonceCalls)
		assert.Equal(t, uint64(3), rpc.sent[0].Nonce())
	})

	t.Run("insufficient funds is fatal", func(t *testing.T) {
		rpc := newFakeRPC()
		rpc.sendErrs = []error{errors.New("insufficient funds for gas * price + value")}
		client := newTestClient(t, rpc, Options{GasLimit: 100_000})

		_, err := client.BuildAndSubmit(context.Background(), payload)
		require.Error(t, err)
		assert.True(t, domain.IsFatal(err))
		assert.Contains(t, err.Error(), "insufficient funds")
	})

	t.Run("already known counts as submitted", func(t *testing.T) {
		rpc := newFakeRPC()
		rpc.sendErrs = []error{errors.New("already known")}
		client := newTestClient(t, rpc, Options{GasLimit: 100_000})

		ref, err := client.BuildAndSubmit(context.Background(), payload)
		require.NoError(t, err)
		assert.NotEmpty(t, ref)
	})

	t.Run("invalid payload is fatal", func(t *testing.T) {
		client := newTestClient(t, newFakeRPC(), Options{})

		_, err := client.BuildAndSubmit(context.Background(), domain.Payload{Operation: domain.OperationMint})
		require.Error(t, err)
		assert.True(t, domain.IsFatal(err))
		assert.ErrorIs(t, err, domain.ErrInvalidPayload)
	})
}

func TestQueryStatus(t *testing.T) {
	rpc := newFakeRPC()
	client := newTestClient(t, rpc, Options{})
	ctx := context.Background()

	mined := common.HexToHash("0x01")
	reverted := common.HexToHash("0x02")
	inPool := common.HexToHash("0x03")

	rpc.head = 104
	rpc.receipts[mined] = &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100)}
	rpc.receipts[reverted] = &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(101)}
	rpc.pending[inPool] = true

	status, err := client.QueryStatus(ctx, mined.Hex())
	require.NoError(t, err)
	assert.Equal(t, domain.Included(5), status)

	status, err = client.QueryStatus(ctx, reverted.Hex())
	require.NoError(t, err)
	assert.Equal(t, domain.TxRejected, status.Kind)

	status, err = client.QueryStatus(ctx, inPool.Hex())
	require.NoError(t, err)
	assert.Equal(t, domain.Pending(), status)

	status, err = client.QueryStatus(ctx, common.HexToHash("0x04").Hex())
	require.NoError(t, err)
	assert.Equal(t, domain.NotFound(), status)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err       error
		transient bool
	}{
		{errors.New("replacement transaction underpriced"), true},
		{errors.New("429 Too Many Requests"), true},
		{context.DeadlineExceeded, true},
		{errors.New("something odd"), true},
		{errors.New("execution reverted: not owner"), false},
		{errors.New("intrinsic gas too low"), false},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			err := Classify(tt.err)
			assert.Equal(t, tt.transient, domain.IsTransient(err))
			assert.Equal(t, !tt.transient, domain.IsFatal(err))
		})
	}

	assert.NoError(t, Classify(nil))
}
