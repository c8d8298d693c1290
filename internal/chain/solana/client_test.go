package solana

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/cuongbtq/mintqueue/internal/domain"
	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRPC struct {
	existing map[sol.PublicKey]bool
	sendErr  error
	sent     []*sol.Transaction
	statuses map[sol.Signature]*rpc.SignatureStatusesResult
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{
		existing: make(map[sol.PublicKey]bool),
		statuses: make(map[sol.Signature]*rpc.SignatureStatusesResult),
	}
}

func (f *fakeRPC) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{Blockhash: sol.Hash{1, 2, 3}},
	}, nil
}

func (f *fakeRPC) GetAccountInfo(ctx context.Context, account sol.PublicKey) (*rpc.GetAccountInfoResult, error) {
	if f.existing[account] {
		return &rpc.GetAccountInfoResult{}, nil
	}
	return nil, rpc.ErrNotFound
}

func (f *fakeRPC) SendTransactionWithOpts(ctx context.Context, tx *sol.Transaction, opts rpc.TransactionOpts) (sol.Signature, error) {
	if f.sendErr != nil {
		return sol.Signature{}, f.sendErr
	}
	f.sent = append(f.sent, tx)
	return tx.Signatures[0], nil
}

func (f *fakeRPC) GetSignatureStatuses(ctx context.Context, search bool, sigs ...sol.Signature) (*rpc.GetSignatureStatusesResult, error) {
	out := &rpc.GetSignatureStatusesResult{}
	for _, s := range sigs {
		out.Value = append(out.Value, f.statuses[s])
	}
	return out, nil
}

func newKey(t *testing.T) sol.PrivateKey {
	t.Helper()
	key, err := sol.NewRandomPrivateKey()
	require.NoError(t, err)
	return key
}

func newTestClient(t *testing.T, rpcClient *fakeRPC) *Client {
	t.Helper()
	client, err := New(rpcClient, newKey(t), Options{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return client
}

func programIDs(tx *sol.Transaction) []sol.PublicKey {
	ids := make([]sol.PublicKey, 0, len(tx.Message.Instructions))
	for _, ix := range tx.Message.Instructions {
		ids = append(ids, tx.Message.AccountKeys[ix.ProgramIDIndex])
	}
	return ids
}

func TestValidate(t *testing.T) {
	client := newTestClient(t, newFakeRPC())
	mint := newKey(t).PublicKey().String()
	wallet := newKey(t).PublicKey().String()

	tests := []struct {
		name    string
		payload domain.Payload
		wantErr bool
	}{
		{
			name:    "mint",
			payload: domain.Payload{Operation: domain.OperationMint, Recipient: wallet, AssetRef: mint, Amount: 1},
		},
		{
			name:    "transfer",
			payload: domain.Payload{Operation: domain.OperationTransfer, Recipient: wallet, AssetRef: mint, Amount: 10},
		},
		{
			name:    "zero amount",
			payload: domain.Payload{Operation: domain.OperationMint, Recipient: wallet, AssetRef: mint},
			wantErr: true,
		},
		{
			name:    "token id",
			payload: domain.Payload{Operation: domain.OperationMint, Recipient: wallet, AssetRef: mint, Amount: 1, TokenID: "7"},
			wantErr: true,
		},
		{
			name:    "evm recipient",
			payload: domain.Payload{Operation: domain.OperationMint, Recipient: "0x2222222222222222222222222222222222222222", AssetRef: mint, Amount: 1},
			wantErr: true,
		},
		{
			name:    "bad mint",
			payload: domain.Payload{Operation: domain.OperationMint, Recipient: wallet, AssetRef: "not-a-key", Amount: 1},
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

func TestBuildAndSubmit_MintCreatesTokenAccount(t *testing.T) {
	rpcClient := newFakeRPC()
	client := newTestClient(t, rpcClient)
	mint := newKey(t).PublicKey()
	wallet := newKey(t).PublicKey()

	ref, err := client.BuildAndSubmit(context.Background(), domain.Payload{
		Operation: domain.OperationMint,
		Recipient: wallet.String(),
		AssetRef:  mint.String(),
		Amount:    1,
	})
	require.NoError(t, err)
	require.Len(t, rpcClient.sent, 1)

	tx := rpcClient.sent[0]
	assert.Equal(t, tx.Signatures[0].String(), ref)
	assert.Equal(t, client.Address(), tx.Message.AccountKeys[0], "signer pays fees")
	assert.Equal(t, []sol.PublicKey{sol.SPLAssociatedTokenAccountProgramID, sol.TokenProgramID}, programIDs(tx))

	ata, _, err := sol.FindAssociatedTokenAddress(wallet, mint)
	require.NoError(t, err)
	assert.Contains(t, tx.Message.AccountKeys, ata)
}

func TestBuildAndSubmit_TransferToExistingAccount(t *testing.T) {
	rpcClient := newFakeRPC()
	client := newTestClient(t, rpcClient)
	mint := newKey(t).PublicKey()
	wallet := newKey(t).PublicKey()

	ata, _, err := sol.FindAssociatedTokenAddress(wallet, mint)
	require.NoError(t, err)
	rpcClient.existing[ata] = true

	_, err = client.BuildAndSubmit(context.Background(), domain.Payload{
		Operation: domain.OperationTransfer,
		Recipient: wallet.String(),
		AssetRef:  mint.String(),
		Amount:    25,
	})
	require.NoError(t, err)
	require.Len(t, rpcClient.sent, 1)
	assert.Equal(t, []sol.PublicKey{sol.TokenProgramID}, programIDs(rpcClient.sent[0]))

	source, _, err := sol.FindAssociatedTokenAddress(client.Address(), mint)
	require.NoError(t, err)
	assert.Contains(t, rpcClient.sent[0].Message.AccountKeys, source)
}

func TestBuildAndSubmit_Errors(t *testing.T) {
	payloadFor := func(t *testing.T) domain.Payload {
		return domain.Payload{
			Operation: domain.OperationMint,
			Recipient: newKey(t).PublicKey().String(),
			AssetRef:  newKey(t).PublicKey().String(),
			Amount:    1,
		}
	}

	t.Run("blockhash not found is transient", func(t *testing.T) {
		rpcClient := newFakeRPC()
		rpcClient.sendErr = errors.New("Transaction simulation failed: Blockhash not found")
		client := newTestClient(t, rpcClient)

		_, err := client.BuildAndSubmit(context.Background(), payloadFor(t))
		assert.True(t, domain.IsTransient(err))
	})

	t.Run("insufficient lamports is fatal", func(t *testing.T) {
		rpcClient := newFakeRPC()
		rpcClient.sendErr = errors.New("Transaction simulation failed: insufficient lamports 0, need 2039280")
		client := newTestClient(t, rpcClient)

		_, err := client.BuildAndSubmit(context.Background(), payloadFor(t))
		assert.True(t, domain.IsFatal(err))
	})

	t.Run("invalid payload is fatal", func(t *testing.T) {
		client := newTestClient(t, newFakeRPC())

		_, err := client.BuildAndSubmit(context.Background(), domain.Payload{Operation: domain.OperationMint})
		assert.True(t, domain.IsFatal(err))
		assert.ErrorIs(t, err, domain.ErrInvalidPayload)
	})
}

func TestQueryStatus(t *testing.T) {
	rpcClient := newFakeRPC()
	client := newTestClient(t, rpcClient)
	ctx := context.Background()

	sig := func(b byte) sol.Signature { return sol.Signature{b} }
	confirmations := uint64(4)
	zero := uint64(0)

	rpcClient.statuses[sig(1)] = &rpc.SignatureStatusesResult{
		ConfirmationStatus: rpc.ConfirmationStatusConfirmed,
		Confirmations:      &confirmations,
	}
	rpcClient.statuses[sig(2)] = &rpc.SignatureStatusesResult{
		ConfirmationStatus: rpc.ConfirmationStatusFinalized,
	}
	rpcClient.statuses[sig(3)] = &rpc.SignatureStatusesResult{
		ConfirmationStatus: rpc.ConfirmationStatusProcessed,
		Confirmations:      &zero,
	}
	rpcClient.statuses[sig(4)] = &rpc.SignatureStatusesResult{
		Err: map[string]interface{}{"InstructionError": []interface{}{0, "InvalidAccountData"}},
	}

	tests := []struct {
		name string
		sig  sol.Signature
		want domain.TxStatusKind
		dep  uint64
	}{
		{"confirmed with confirmations", sig(1), domain.TxIncluded, 5},
		{"finalized", sig(2), domain.TxIncluded, FinalizedDepth},
		{"processed with zero confirmations", sig(3), domain.TxPending, 0},
		{"failed", sig(4), domain.TxRejected, 0},
		{"unknown", sig(5), domain.TxNotFound, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, err := client.QueryStatus(ctx, tt.sig.String())
			require.NoError(t, err)
			assert.Equal(t, tt.want, status.Kind)
			assert.Equal(t, tt.dep, status.Depth)
		})
	}

	_, err := client.QueryStatus(ctx, "%%%")
	assert.Error(t, err)
}
