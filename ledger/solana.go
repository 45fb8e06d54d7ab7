// Package ledger implements the on-chain side of payment verification and
// settlement on Solana, using SPL Token TransferChecked instructions.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	x402 "github.com/x402-upl/x402/go"
)

// DefaultComputeUnitPrice is the priority fee, in micro-lamports per
// compute unit, attached to settlement transactions.
const DefaultComputeUnitPrice uint64 = 1000

// transferComputeUnits covers ComputeLimit + ComputePrice + TransferChecked.
const transferComputeUnits uint32 = 6500

// Solana implements x402.Ledger against a Solana JSON-RPC endpoint.
type Solana struct {
	client           *rpc.Client
	commitment       rpc.CommitmentType
	computeUnitPrice uint64
}

// SolanaOption configures a Solana ledger.
type SolanaOption func(*Solana)

// WithCommitment sets the commitment level used for reads and preflight.
// The default is finalized.
func WithCommitment(commitment rpc.CommitmentType) SolanaOption {
	return func(s *Solana) {
		s.commitment = commitment
	}
}

// WithComputeUnitPrice overrides DefaultComputeUnitPrice.
func WithComputeUnitPrice(microLamports uint64) SolanaOption {
	return func(s *Solana) {
		s.computeUnitPrice = microLamports
	}
}

// NewSolana creates a Solana ledger talking to rpcURL.
func NewSolana(rpcURL string, opts ...SolanaOption) *Solana {
	s := &Solana{
		client:           rpc.New(rpcURL),
		commitment:       rpc.CommitmentFinalized,
		computeUnitPrice: DefaultComputeUnitPrice,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewSolanaFromClient wraps an existing RPC client.
func NewSolanaFromClient(client *rpc.Client, opts ...SolanaOption) *Solana {
	s := &Solana{
		client:           client,
		commitment:       rpc.CommitmentFinalized,
		computeUnitPrice: DefaultComputeUnitPrice,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitTransfer builds, signs and submits an SPL token transfer of amount
// (smallest units) of asset from from to to. The signer must control the
// from address; it also pays the transaction fee. Returns the transaction
// signature.
func (s *Solana) SubmitTransfer(ctx context.Context, from, to string, amount uint64, asset string, signer x402.Signer) (string, error) {
	fromPubkey, err := solana.PublicKeyFromBase58(from)
	if err != nil {
		return "", fmt.Errorf("ledger: invalid sender address: %w", err)
	}
	toPubkey, err := solana.PublicKeyFromBase58(to)
	if err != nil {
		return "", fmt.Errorf("ledger: invalid recipient address: %w", err)
	}
	mintPubkey, err := solana.PublicKeyFromBase58(asset)
	if err != nil {
		return "", fmt.Errorf("ledger: invalid asset mint: %w", err)
	}
	signerPubkey, err := solana.PublicKeyFromBase58(signer.Address())
	if err != nil {
		return "", fmt.Errorf("ledger: invalid signer address: %w", err)
	}

	mintAccount, err := s.client.GetAccountInfo(ctx, mintPubkey)
	if err != nil {
		return "", fmt.Errorf("ledger: get mint account: %w", err)
	}
	tokenProgramID := mintAccount.Value.Owner
	if tokenProgramID != solana.TokenProgramID && tokenProgramID != solana.Token2022ProgramID {
		return "", fmt.Errorf("ledger: asset %s was not created by a known token program", asset)
	}
	var mintData token.Mint
	if err := bin.NewBinDecoder(mintAccount.Value.Data.GetBinary()).Decode(&mintData); err != nil {
		return "", fmt.Errorf("ledger: decode mint data: %w", err)
	}

	sourceATA, _, err := solana.FindAssociatedTokenAddress(fromPubkey, mintPubkey)
	if err != nil {
		return "", fmt.Errorf("ledger: derive source token account: %w", err)
	}
	destinationATA, _, err := solana.FindAssociatedTokenAddress(toPubkey, mintPubkey)
	if err != nil {
		return "", fmt.Errorf("ledger: derive destination token account: %w", err)
	}

	destAccount, err := s.client.GetAccountInfo(ctx, destinationATA)
	if err != nil || destAccount == nil || destAccount.Value == nil {
		return "", fmt.Errorf("ledger: destination token account does not exist for %s", to)
	}

	latestBlockhash, err := s.client.GetLatestBlockhash(ctx, s.commitment)
	if err != nil {
		return "", fmt.Errorf("ledger: get latest blockhash: %w", err)
	}

	cuLimit, err := computebudget.NewSetComputeUnitLimitInstructionBuilder().
		SetUnits(transferComputeUnits).
		ValidateAndBuild()
	if err != nil {
		return "", fmt.Errorf("ledger: build compute limit instruction: %w", err)
	}
	cuPrice, err := computebudget.NewSetComputeUnitPriceInstructionBuilder().
		SetMicroLamports(s.computeUnitPrice).
		ValidateAndBuild()
	if err != nil {
		return "", fmt.Errorf("ledger: build compute price instruction: %w", err)
	}
	transferIx, err := token.NewTransferCheckedInstructionBuilder().
		SetAmount(amount).
		SetDecimals(mintData.Decimals).
		SetSourceAccount(sourceATA).
		SetMintAccount(mintPubkey).
		SetDestinationAccount(destinationATA).
		SetOwnerAccount(fromPubkey).
		ValidateAndBuild()
	if err != nil {
		return "", fmt.Errorf("ledger: build transfer instruction: %w", err)
	}

	tx, err := solana.NewTransactionBuilder().
		AddInstruction(cuLimit).
		AddInstruction(cuPrice).
		AddInstruction(transferIx).
		SetRecentBlockHash(latestBlockhash.Value.Blockhash).
		SetFeePayer(signerPubkey).
		Build()
	if err != nil {
		return "", fmt.Errorf("ledger: build transaction: %w", err)
	}

	if err := signTransaction(tx, signerPubkey, signer); err != nil {
		return "", fmt.Errorf("ledger: sign transaction: %w", err)
	}

	sig, err := s.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: s.commitment,
	})
	if err != nil {
		return "", fmt.Errorf("ledger: send transaction: %w", err)
	}
	return sig.String(), nil
}

// GetTransactionStatus resolves the confirmation status of txID.
func (s *Solana) GetTransactionStatus(ctx context.Context, txID string) (x402.TransactionStatus, error) {
	sig, err := solana.SignatureFromBase58(txID)
	if err != nil {
		return "", fmt.Errorf("ledger: invalid transaction signature: %w", err)
	}

	out, err := s.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return "", fmt.Errorf("ledger: get signature statuses: %w", err)
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return x402.StatusPending, nil
	}

	status := out.Value[0]
	if status.Err != nil {
		return x402.StatusFailed, nil
	}
	switch status.ConfirmationStatus {
	case rpc.ConfirmationStatusFinalized, rpc.ConfirmationStatusConfirmed:
		return x402.StatusConfirmed, nil
	}
	return x402.StatusPending, nil
}

// GetTransactionDetails fetches txID at finalized commitment and extracts
// the SPL token transfer it performed from the token balance deltas. A nil
// record with a nil error means the transaction is not finalized yet.
func (s *Solana) GetTransactionDetails(ctx context.Context, txID string) (*x402.TransactionRecord, error) {
	sig, err := solana.SignatureFromBase58(txID)
	if err != nil {
		return nil, fmt.Errorf("ledger: invalid transaction signature: %w", err)
	}

	out, err := s.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentFinalized,
		MaxSupportedTransactionVersion: new(uint64),
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("ledger: get transaction: %w", err)
	}
	if out == nil || out.Meta == nil {
		return nil, nil
	}

	record := &x402.TransactionRecord{
		ID:        txID,
		Slot:      out.Slot,
		Finalized: true,
		Failed:    out.Meta.Err != nil,
	}

	if out.Transaction != nil {
		if decoded, err := out.Transaction.GetTransaction(); err == nil && len(decoded.Message.AccountKeys) > 0 {
			record.Payer = decoded.Message.AccountKeys[0].String()
		}
	}

	payer, recipient, asset, amount := transferFromBalances(out.Meta.PreTokenBalances, out.Meta.PostTokenBalances)
	if amount > 0 {
		if payer != "" {
			record.Payer = payer
		}
		record.Recipient = recipient
		record.Asset = asset
		record.Amount = amount
	}
	return record, nil
}

// transferFromBalances recovers the transfer a transaction performed from
// its pre/post token balances. The owner with the largest positive delta
// is the recipient, the one with the largest negative delta the payer.
func transferFromBalances(pre, post []rpc.TokenBalance) (payer, recipient, asset string, amount uint64) {
	type key struct {
		owner string
		mint  string
	}

	// Amounts are raw u64 strings and balances near the top of that range
	// are valid, so totals are kept unsigned and gains and losses compared
	// separately.
	collect := func(balances []rpc.TokenBalance) map[key]uint64 {
		totals := make(map[key]uint64)
		for _, b := range balances {
			if b.Owner == nil || b.UiTokenAmount == nil {
				continue
			}
			raw, err := strconv.ParseUint(b.UiTokenAmount.Amount, 10, 64)
			if err != nil {
				continue
			}
			totals[key{owner: b.Owner.String(), mint: b.Mint.String()}] += raw
		}
		return totals
	}
	pres := collect(pre)
	posts := collect(post)

	var maxGain, maxLoss uint64
	for k, after := range posts {
		if before := pres[k]; after > before && after-before > maxGain {
			maxGain = after - before
			recipient = k.owner
			asset = k.mint
			amount = after - before
		}
	}
	for k, before := range pres {
		if after := posts[k]; before > after && before-after > maxLoss {
			maxLoss = before - after
			payer = k.owner
		}
	}
	return payer, recipient, asset, amount
}

// signTransaction signs tx's message through the provided signer and slots
// the signature at the signer's account index.
func signTransaction(tx *solana.Transaction, signerPubkey solana.PublicKey, signer x402.Signer) error {
	messageBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	raw, err := signer.Sign(messageBytes)
	if err != nil {
		return err
	}
	signature := solana.SignatureFromBytes(raw)

	accountIndex, err := tx.GetAccountIndex(signerPubkey)
	if err != nil {
		return fmt.Errorf("signer not present in transaction: %w", err)
	}
	if len(tx.Signatures) <= int(accountIndex) {
		signatures := make([]solana.Signature, accountIndex+1)
		copy(signatures, tx.Signatures)
		tx.Signatures = signatures
	}
	tx.Signatures[accountIndex] = signature
	return nil
}

// Ensure Solana implements Ledger
var _ x402.Ledger = (*Solana)(nil)
