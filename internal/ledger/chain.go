package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"equinox/internal/domain"
)

// SignatureStatus is what the chain reports for a broadcast transaction.
// Found is false while the cluster has not seen the signature yet.
type SignatureStatus struct {
	Found     bool
	Confirmed bool
	Failed    bool
	Reason    string
	Slot      uint64
}

// Blockhash is a recent blockhash and the last block height at which a
// transaction built on it can still land.
type Blockhash struct {
	Hash                 solana.Hash
	LastValidBlockHeight uint64
}

// Chain is the slice of the RPC surface the submitter needs.
type Chain interface {
	GameState(ctx context.Context, account solana.PublicKey) (domain.GameState, error)
	LatestBlockhash(ctx context.Context) (Blockhash, error)
	BlockHeight(ctx context.Context) (uint64, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	SignatureStatus(ctx context.Context, sig solana.Signature) (SignatureStatus, error)
}

var errAccountMissing = errors.New("game account not found")

type RPCChain struct {
	client     *rpc.Client
	program    Program
	commitment rpc.CommitmentType
}

func NewRPCChain(endpoint string, program Program, commitment string) (*RPCChain, error) {
	c, err := ParseCommitment(commitment)
	if err != nil {
		return nil, err
	}
	return &RPCChain{client: rpc.New(endpoint), program: program, commitment: c}, nil
}

func ParseCommitment(raw string) (rpc.CommitmentType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "confirmed":
		return rpc.CommitmentConfirmed, nil
	case "finalized":
		return rpc.CommitmentFinalized, nil
	case "processed":
		return rpc.CommitmentProcessed, nil
	}
	return "", fmt.Errorf("unknown commitment %q", raw)
}

func (c *RPCChain) GameState(ctx context.Context, account solana.PublicKey) (domain.GameState, error) {
	out, err := c.client.GetAccountInfoWithOpts(ctx, account, &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: c.commitment,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return domain.GameState{}, errAccountMissing
		}
		return domain.GameState{}, fmt.Errorf("get game account: %w", err)
	}
	if out == nil || out.Value == nil {
		return domain.GameState{}, errAccountMissing
	}
	if !out.Value.Owner.Equals(c.program.ID) {
		return domain.GameState{}, fmt.Errorf("game account is owned by %s", out.Value.Owner)
	}
	return decodeGameState(c.program, out.Value.Data.GetBinary())
}

func (c *RPCChain) LatestBlockhash(ctx context.Context) (Blockhash, error) {
	out, err := c.client.GetLatestBlockhash(ctx, c.commitment)
	if err != nil {
		return Blockhash{}, err
	}
	return Blockhash{Hash: out.Value.Blockhash, LastValidBlockHeight: out.Value.LastValidBlockHeight}, nil
}

func (c *RPCChain) BlockHeight(ctx context.Context) (uint64, error) {
	return c.client.GetBlockHeight(ctx, c.commitment)
}

func (c *RPCChain) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	return c.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: c.commitment,
	})
}

func (c *RPCChain) SignatureStatus(ctx context.Context, sig solana.Signature) (SignatureStatus, error) {
	out, err := c.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return SignatureStatus{}, err
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return SignatureStatus{}, nil
	}
	st := out.Value[0]
	status := SignatureStatus{Found: true, Slot: st.Slot}
	if st.Err != nil {
		status.Failed = true
		status.Reason = fmt.Sprint(st.Err)
		return status, nil
	}
	status.Confirmed = reached(st.ConfirmationStatus, c.commitment)
	return status, nil
}

func reached(got rpc.ConfirmationStatusType, want rpc.CommitmentType) bool {
	switch want {
	case rpc.CommitmentFinalized:
		return got == rpc.ConfirmationStatusFinalized
	case rpc.CommitmentProcessed:
		return got != ""
	default:
		return got == rpc.ConfirmationStatusConfirmed || got == rpc.ConfirmationStatusFinalized
	}
}
