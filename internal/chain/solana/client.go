// Package solana implements chain.Client for SPL token operations with solana-go
package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cuongbtq/mintqueue/internal/domain"
	sol "github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
)

// FinalizedDepth is the depth reported for finalized signatures
const FinalizedDepth = 32

// RPC is the subset of rpc.Client used by the chain client
type RPC interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetAccountInfo(ctx context.Context, account sol.PublicKey) (*rpc.GetAccountInfoResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *sol.Transaction, opts rpc.TransactionOpts) (sol.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, signatures ...sol.Signature) (*rpc.GetSignatureStatusesResult, error)
}

var _ RPC = (*rpc.Client)(nil)

// Options configures the Solana client
type Options struct {
	// Commitment used for blockhash lookup and preflight; defaults to confirmed
	Commitment rpc.CommitmentType
}

// Client submits SPL token instructions signed by a single key that is
// both fee payer and mint/transfer authority
type Client struct {
	rpc        RPC
	signer     sol.PrivateKey
	commitment rpc.CommitmentType
	logger     *slog.Logger
}

// New creates a client over an existing RPC connection
func New(client RPC, signer sol.PrivateKey, opts Options, logger *slog.Logger) (*Client, error) {
	if len(signer) == 0 {
		return nil, errors.New("signer key is required")
	}
	commitment := opts.Commitment
	if commitment == "" {
		commitment = rpc.CommitmentConfirmed
	}

	return &Client{
		rpc:        client,
		signer:     signer,
		commitment: commitment,
		logger:     logger.With(slog.String("chain", string(domain.ChainSolana))),
	}, nil
}

// Dial creates a client for rpcURL with a base58-encoded signer key
func Dial(rpcURL, keyBase58 string, opts Options, logger *slog.Logger) (*Client, error) {
	signer, err := sol.PrivateKeyFromBase58(strings.TrimSpace(keyBase58))
	if err != nil {
		return nil, fmt.Errorf("failed to parse signer key: %w", err)
	}
	return New(rpc.New(rpcURL), signer, opts, logger)
}

func (c *Client) Chain() domain.Chain {
	return domain.ChainSolana
}

// Address returns the signer public key
func (c *Client) Address() sol.PublicKey {
	return c.signer.PublicKey()
}

type accounts struct {
	mint      sol.PublicKey
	recipient sol.PublicKey
}

func (c *Client) Validate(payload domain.Payload) error {
	_, err := parseAccounts(payload)
	return err
}

func parseAccounts(p domain.Payload) (accounts, error) {
	var acc accounts

	switch p.Operation {
	case domain.OperationMint, domain.OperationTransfer:
	default:
		return acc, fmt.Errorf("%w: unknown operation %q", domain.ErrInvalidPayload, p.Operation)
	}
	if p.Amount == 0 {
		return acc, fmt.Errorf("%w: amount is required", domain.ErrInvalidPayload)
	}
	if p.TokenID != "" {
		return acc, fmt.Errorf("%w: token_id is not used on solana, the mint is the asset", domain.ErrInvalidPayload)
	}

	mint, err := sol.PublicKeyFromBase58(p.AssetRef)
	if err != nil {
		return acc, fmt.Errorf("%w: asset_ref %q is not a mint address", domain.ErrInvalidPayload, p.AssetRef)
	}
	recipient, err := sol.PublicKeyFromBase58(p.Recipient)
	if err != nil {
		return acc, fmt.Errorf("%w: recipient %q is not a wallet address", domain.ErrInvalidPayload, p.Recipient)
	}

	acc.mint = mint
	acc.recipient = recipient
	return acc, nil
}

func (c *Client) BuildAndSubmit(ctx context.Context, payload domain.Payload) (string, error) {
	acc, err := parseAccounts(payload)
	if err != nil {
		return "", domain.NewFatalError(err)
	}

	tx, err := c.buildTransaction(ctx, payload, acc)
	if err != nil {
		return "", err
	}

	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: c.commitment,
	})
	if err != nil {
		return "", Classify(fmt.Errorf("send transaction: %w", err))
	}

	c.logger.Debug("Transaction sent",
		slog.String("signature", sig.String()),
		slog.String("operation", string(payload.Operation)),
	)
	return sig.String(), nil
}

func (c *Client) buildTransaction(ctx context.Context, payload domain.Payload, acc accounts) (*sol.Transaction, error) {
	owner := c.signer.PublicKey()

	recipientATA, _, err := sol.FindAssociatedTokenAddress(acc.recipient, acc.mint)
	if err != nil {
		return nil, domain.NewFatalError(fmt.Errorf("derive recipient token account: %w", err))
	}

	var instructions []sol.Instruction

	exists, err := c.accountExists(ctx, recipientATA)
	if err != nil {
		return nil, Classify(fmt.Errorf("recipient token account: %w", err))
	}
	if !exists {
		instructions = append(instructions,
			associatedtokenaccount.NewCreateInstruction(owner, acc.recipient, acc.mint).Build())
	}

	switch payload.Operation {
	case domain.OperationMint:
		instructions = append(instructions,
			token.NewMintToInstruction(payload.Amount, acc.mint, recipientATA, owner, nil).Build())
	case domain.OperationTransfer:
		sourceATA, _, err := sol.FindAssociatedTokenAddress(owner, acc.mint)
		if err != nil {
			return nil, domain.NewFatalError(fmt.Errorf("derive source token account: %w", err))
		}
		instructions = append(instructions,
			token.NewTransferInstruction(payload.Amount, sourceATA, recipientATA, owner, nil).Build())
	}

	recent, err := c.rpc.GetLatestBlockhash(ctx, c.commitment)
	if err != nil {
		return nil, Classify(fmt.Errorf("latest blockhash: %w", err))
	}

	tx, err := sol.NewTransaction(instructions, recent.Value.Blockhash, sol.TransactionPayer(owner))
	if err != nil {
		return nil, domain.NewFatalError(fmt.Errorf("build transaction: %w", err))
	}

	_, err = tx.Sign(func(key sol.PublicKey) *sol.PrivateKey {
		if key.Equals(owner) {
			return &c.signer
		}
		return nil
	})
	if err != nil {
		return nil, domain.NewFatalError(fmt.Errorf("sign transaction: %w", err))
	}
	return tx, nil
}

func (c *Client) accountExists(ctx context.Context, account sol.PublicKey) (bool, error) {
	_, err := c.rpc.GetAccountInfo(ctx, account)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, rpc.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// QueryStatus maps a signature status to a TxStatus. Finalized counts as
// FinalizedDepth and processed is still pending. Otherwise depth is
// confirmations plus the including block.
func (c *Client) QueryStatus(ctx context.Context, txRef string) (domain.TxStatus, error) {
	sig, err := sol.SignatureFromBase58(txRef)
	if err != nil {
		return domain.TxStatus{}, fmt.Errorf("parse signature %q: %w", txRef, err)
	}

	out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return domain.TxStatus{}, fmt.Errorf("signature statuses: %w", err)
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return domain.NotFound(), nil
	}

	status := out.Value[0]
	if status.Err != nil {
		return domain.Rejected(fmt.Sprintf("%v", status.Err)), nil
	}

	switch {
	case status.ConfirmationStatus == rpc.ConfirmationStatusFinalized:
		return domain.Included(FinalizedDepth), nil
	case status.ConfirmationStatus == rpc.ConfirmationStatusProcessed:
		// processed can still be rolled back on a fork
		return domain.Pending(), nil
	case status.Confirmations != nil:
		return domain.Included(*status.Confirmations + 1), nil
	default:
		return domain.Included(1), nil
	}
}
