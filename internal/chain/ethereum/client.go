// Package ethereum implements chain.Client for EVM chains with go-ethereum
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/cuongbtq/mintqueue/internal/domain"
	goethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// tokenABI covers ERC-721 mint/transferFrom and ERC-20 style mint/transfer.
// mint(address,uint256) takes a token id for ERC-721 and an amount for ERC-20.
const tokenABI = `[
	{"type":"function","name":"mint","stateMutability":"nonpayable",
	 "inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"transfer","stateMutability":"nonpayable",
	 "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"transferFrom","stateMutability":"nonpayable",
	 "inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"outputs":[]}
]`

// RPC is the subset of ethclient.Client used by the chain client
type RPC interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg goethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

var _ RPC = (*ethclient.Client)(nil)

// Options configures the Ethereum client
type Options struct {
	// GasLimit is used for every transaction; zero means estimate per transaction
	GasLimit uint64
	// ChainID skips the eth_chainId lookup when set
	ChainID *big.Int
}

// Client submits token transactions signed by a single key
type Client struct {
	rpc      RPC
	key      *ecdsa.PrivateKey
	from     common.Address
	gasLimit uint64
	abi      abi.ABI
	logger   *slog.Logger

	// mu serializes submissions so two jobs never sign the same nonce
	mu      sync.Mutex
	chainID *big.Int
	// lastNonce is the highest nonce sent; valid once sent is true
	lastNonce uint64
	sent      bool
}

// New creates a client over an existing RPC connection
func New(rpc RPC, key *ecdsa.PrivateKey, opts Options, logger *slog.Logger) (*Client, error) {
	if key == nil {
		return nil, errors.New("signer key is required")
	}

	parsed, err := abi.JSON(strings.NewReader(tokenABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token abi: %w", err)
	}

	return &Client{
		rpc:      rpc,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		gasLimit: opts.GasLimit,
		abi:      parsed,
		chainID:  opts.ChainID,
		logger:   logger.With(slog.String("chain", string(domain.ChainEthereum))),
	}, nil
}

// Dial connects to rpcURL and loads the hex-encoded signer key
func Dial(ctx context.Context, rpcURL, keyHex string, opts Options, logger *slog.Logger) (*Client, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(keyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse signer key: %w", err)
	}

	rpc, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ethereum rpc: %w", err)
	}

	return New(rpc, key, opts, logger)
}

func (c *Client) Chain() domain.Chain {
	return domain.ChainEthereum
}

// Address returns the signer address
func (c *Client) Address() common.Address {
	return c.from
}

func (c *Client) Validate(payload domain.Payload) error {
	_, err := c.callData(payload)
	return err
}

func (c *Client) callData(p domain.Payload) ([]byte, error) {
	if !common.IsHexAddress(p.AssetRef) {
		return nil, fmt.Errorf("%w: asset_ref %q is not a contract address", domain.ErrInvalidPayload, p.AssetRef)
	}
	if !common.IsHexAddress(p.Recipient) {
		return nil, fmt.Errorf("%w: recipient %q is not an address", domain.ErrInvalidPayload, p.Recipient)
	}
	if p.TokenID != "" && p.Amount > 0 {
		return nil, fmt.Errorf("%w: token_id and amount are mutually exclusive", domain.ErrInvalidPayload)
	}

	to := common.HexToAddress(p.Recipient)

	var value *big.Int
	switch {
	case p.TokenID != "":
		id, ok := new(big.Int).SetString(p.TokenID, 0)
		if !ok || id.Sign() < 0 {
			return nil, fmt.Errorf("%w: token_id %q is not a uint256", domain.ErrInvalidPayload, p.TokenID)
		}
		value = id
	case p.Amount > 0:
		value = new(big.Int).SetUint64(p.Amount)
	default:
		return nil, fmt.Errorf("%w: token_id or amount is required", domain.ErrInvalidPayload)
	}

	var (
		data []byte
		err  error
	)
	switch p.Operation {
	case domain.OperationMint:
		data, err = c.abi.Pack("mint", to, value)
	case domain.OperationTransfer:
		if p.TokenID != "" {
			data, err = c.abi.Pack("transferFrom", c.from, to, value)
		} else {
			data, err = c.abi.Pack("transfer", to, value)
		}
	default:
		return nil, fmt.Errorf("%w: unknown operation %q", domain.ErrInvalidPayload, p.Operation)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return data, nil
}

func (c *Client) BuildAndSubmit(ctx context.Context, payload domain.Payload) (string, error) {
	data, err := c.callData(payload)
	if err != nil {
		return "", domain.NewFatalError(err)
	}
	contract := common.HexToAddress(payload.AssetRef)

	c.mu.Lock()
	defer c.mu.Unlock()

	chainID, err := c.loadChainID(ctx)
	if err != nil {
		return "", Classify(fmt.Errorf("chain id: %w", err))
	}

	nonce, err := c.loadNonce(ctx)
	if err != nil {
		return "", Classify(fmt.Errorf("pending nonce: %w", err))
	}

	gasPrice, err := c.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return "", Classify(fmt.Errorf("gas price: %w", err))
	}

	gas := c.gasLimit
	if gas == 0 {
		gas, err = c.rpc.EstimateGas(ctx, goethereum.CallMsg{From: c.from, To: &contract, Data: data})
		if err != nil {
			return "", Classify(fmt.Errorf("estimate gas: %w", err))
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &contract,
		Data:     data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), c.key)
	if err != nil {
		return "", domain.NewFatalError(fmt.Errorf("sign transaction: %w", err))
	}

	hash := signed.Hash().Hex()
	if err := c.rpc.SendTransaction(ctx, signed); err != nil {
		if isAlreadyKnown(err) {
			c.logger.Info("Transaction already known to node",
				slog.String("tx_hash", hash),
				slog.Uint64("nonce", nonce),
			)
			c.markSent(nonce)
			return hash, nil
		}
		return "", Classify(fmt.Errorf("send transaction: %w", err))
	}

	c.markSent(nonce)

	c.logger.Debug("Transaction sent",
		slog.String("tx_hash", hash),
		slog.Uint64("nonce", nonce),
		slog.Uint64("gas", gas),
	)
	return hash, nil
}

func (c *Client) loadChainID(ctx context.Context) (*big.Int, error) {
	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := c.rpc.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	c.chainID = id
	return id, nil
}

// loadNonce asks the node for the next pending nonce on every submission.
// A dropped transaction leaves its nonce unused at the node and the next
// submission must fill it.
func (c *Client) loadNonce(ctx context.Context) (uint64, error) {
	nonce, err := c.rpc.PendingNonceAt(ctx, c.from)
	if err != nil {
		return 0, err
	}
	if c.sent && nonce <= c.lastNonce {
		c.logger.Warn("Node pending nonce behind last sent nonce, reusing gap",
			slog.Uint64("pending_nonce", nonce),
			slog.Uint64("last_sent_nonce", c.lastNonce),
		)
	}
	return nonce, nil
}

func (c *Client) markSent(nonce uint64) {
	if !c.sent || nonce > c.lastNonce {
		c.lastNonce = nonce
	}
	c.sent = true
}

// QueryStatus reports a transaction's inclusion. Depth counts the including block.
func (c *Client) QueryStatus(ctx context.Context, txRef string) (domain.TxStatus, error) {
	hash := common.HexToHash(txRef)

	receipt, err := c.rpc.TransactionReceipt(ctx, hash)
	switch {
	case err == nil:
		if receipt.Status != types.ReceiptStatusSuccessful {
			return domain.Rejected("execution reverted"), nil
		}
		head, err := c.rpc.BlockNumber(ctx)
		if err != nil {
			return domain.TxStatus{}, fmt.Errorf("block number: %w", err)
		}
		included := receipt.BlockNumber.Uint64()
		if head < included {
			return domain.Included(1), nil
		}
		return domain.Included(head - included + 1), nil
	case !errors.Is(err, goethereum.NotFound):
		return domain.TxStatus{}, fmt.Errorf("transaction receipt: %w", err)
	}

	_, isPending, err := c.rpc.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, goethereum.NotFound) {
			return domain.NotFound(), nil
		}
		return domain.TxStatus{}, fmt.Errorf("transaction by hash: %w", err)
	}
	if !isPending {
		// mined but the receipt is not indexed yet
		c.logger.Debug("Receipt not yet available", slog.String("tx_hash", txRef))
	}
	return domain.Pending(), nil
}
