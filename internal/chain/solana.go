package chain

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"

	"PrizeSettle/internal/money"
	"PrizeSettle/internal/observability"
)

// PDA seeds used by the prize pool program. The game account is derived
// per game from the wire id; the pool vault is a singleton.
const (
	gameSeed = "game"
	poolSeed = "pool"
)

var (
	setWinnersDiscriminator  = anchorDiscriminator("global", "set_winners")
	gameAccountDiscriminator = anchorDiscriminator("account", "Game")
)

// anchorDiscriminator derives the 8-byte tag the program prepends to
// instruction data and account layouts: sha256("<ns>:<name>")[:8].
func anchorDiscriminator(ns, name string) [8]byte {
	sum := sha256.Sum256([]byte(ns + ":" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// SolanaBackend is the slice of the Solana JSON-RPC surface the adapter
// needs. *rpc.Client satisfies it.
type SolanaBackend interface {
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SimulateTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts *rpc.SimulateTransactionOpts) (*rpc.SimulateTransactionResponse, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

// SolanaConfig configures the Solana adapter.
type SolanaConfig struct {
	Program     string // prize pool program id, base58
	OperatorKey string // operator private key, base58
	Commitment  rpc.CommitmentType
}

// SolanaAdapter submits settlements to the prize pool program. The
// per-game settlement account is a PDA of the wire game id, so the
// program can verify the account matches the id in the instruction.
type SolanaAdapter struct {
	backend    SolanaBackend
	program    solana.PublicKey
	operator   solana.PrivateKey
	payer      solana.PublicKey
	commitment rpc.CommitmentType
	log        zerolog.Logger
}

func NewSolanaAdapter(backend SolanaBackend, cfg SolanaConfig) (*SolanaAdapter, error) {
	program, err := solana.PublicKeyFromBase58(cfg.Program)
	if err != nil {
		return nil, fmt.Errorf("solana program id: %w", err)
	}
	operator, err := solana.PrivateKeyFromBase58(cfg.OperatorKey)
	if err != nil {
		return nil, fmt.Errorf("solana operator key: %w", err)
	}
	commitment := cfg.Commitment
	if commitment == "" {
		commitment = rpc.CommitmentConfirmed
	}

	return &SolanaAdapter{
		backend:    backend,
		program:    program,
		operator:   operator,
		payer:      operator.PublicKey(),
		commitment: commitment,
		log:        observability.NewLogger("solana_adapter"),
	}, nil
}

func (a *SolanaAdapter) Chain() money.ChainKind { return money.ChainSolana }

// GamePDA derives the per-game settlement account. The program enforces
// the same derivation from the id inside the instruction, so a forged
// id cannot alias another game's account.
func (a *SolanaAdapter) GamePDA(gameID [32]byte) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{[]byte(gameSeed), gameID[:]}, a.program)
	return addr, err
}

func (a *SolanaAdapter) poolPDA() (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{[]byte(poolSeed)}, a.program)
	return addr, err
}

func (a *SolanaAdapter) IsSettled(ctx context.Context, gameID [32]byte) (Presence, error) {
	gamePDA, err := a.GamePDA(gameID)
	if err != nil {
		return PresenceUnknown, fmt.Errorf("derive game account: %w", err)
	}

	resp, err := a.backend.GetAccountInfoWithOpts(ctx, gamePDA, &rpc.GetAccountInfoOpts{
		Commitment: a.commitment,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return PresenceAbsent, nil
		}
		return PresenceUnknown, &SubmissionError{Chain: money.ChainSolana, Op: "account lookup", Err: err}
	}
	if resp == nil || resp.Value == nil {
		return PresenceAbsent, nil
	}

	set, err := parseWinnersSet(resp.Value.Data.GetBinary())
	if err != nil {
		return PresenceUnknown, fmt.Errorf("game account %s: %w", gamePDA, err)
	}
	if set {
		return PresencePresent, nil
	}
	return PresenceAbsent, nil
}

// Game account layout, as serialized by the program:
//
//	[0:8]  account discriminator
//	[8:40] game id
//	       winners      vec<pubkey>
//	       amounts      vec<u64>
//	       claimed      vec<bool>
//	       winners_set  u8
func parseWinnersSet(data []byte) (bool, error) {
	if len(data) < 8+32 {
		return false, fmt.Errorf("account data %d bytes, want at least %d", len(data), 8+32)
	}
	if !bytes.Equal(data[:8], gameAccountDiscriminator[:]) {
		return false, errors.New("not a game account")
	}

	off := 8 + 32
	for _, elemSize := range []int{32, 8, 1} {
		next, err := skipVec(data, off, elemSize)
		if err != nil {
			return false, err
		}
		off = next
	}
	if off >= len(data) {
		return false, fmt.Errorf("account data truncated at offset %d", off)
	}
	return data[off] != 0, nil
}

// skipVec advances past a length-prefixed vec at off: u32 LE element
// count followed by count fixed-size elements.
func skipVec(data []byte, off, elemSize int) (int, error) {
	if off+4 > len(data) {
		return 0, fmt.Errorf("vec header past end at offset %d", off)
	}
	count := int(binary.LittleEndian.Uint32(data[off:]))
	end := off + 4 + count*elemSize
	if end > len(data) {
		return 0, fmt.Errorf("vec of %d x %d bytes past end at offset %d", count, elemSize, off)
	}
	return end, nil
}

// encodeSetWinners builds the instruction data: discriminator, raw game
// id, then length-prefixed vecs of winner pubkeys and base-unit
// amounts. The id travels raw rather than pre-hashed so the program can
// recompute the game PDA and reject a mismatch.
func encodeSetWinners(gameID [32]byte, winners []solana.PublicKey, amounts []uint64) []byte {
	size := 8 + 32 + 4 + len(winners)*32 + 4 + len(amounts)*8
	data := make([]byte, 0, size)
	data = append(data, setWinnersDiscriminator[:]...)
	data = append(data, gameID[:]...)
	data = binary.LittleEndian.AppendUint32(data, uint32(len(winners)))
	for _, w := range winners {
		data = append(data, w[:]...)
	}
	data = binary.LittleEndian.AppendUint32(data, uint32(len(amounts)))
	for _, amt := range amounts {
		data = binary.LittleEndian.AppendUint64(data, amt)
	}
	return data
}

func (a *SolanaAdapter) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if len(req.Winners) == 0 {
		return "", fmt.Errorf("empty winner table")
	}
	if len(req.Winners) != len(req.Amounts) {
		return "", fmt.Errorf("winner/amount tables mismatched: %d winners, %d amounts",
			len(req.Winners), len(req.Amounts))
	}

	winners := make([]solana.PublicKey, len(req.Winners))
	for i, w := range req.Winners {
		pk, err := solana.PublicKeyFromBase58(w)
		if err != nil {
			return "", fmt.Errorf("winner %q: %w", w, err)
		}
		winners[i] = pk
	}
	amounts := make([]uint64, len(req.Amounts))
	for i, amt := range req.Amounts {
		u, err := money.BaseUnitsToUint64(amt)
		if err != nil {
			return "", fmt.Errorf("amount for winner %s: %w", req.Winners[i], err)
		}
		if u == 0 {
			return "", fmt.Errorf("amount for winner %s is zero", req.Winners[i])
		}
		amounts[i] = u
	}

	gamePDA, err := a.GamePDA(req.GameID)
	if err != nil {
		return "", fmt.Errorf("derive game account: %w", err)
	}
	poolPDA, err := a.poolPDA()
	if err != nil {
		return "", fmt.Errorf("derive pool account: %w", err)
	}

	ix := solana.NewInstruction(
		a.program,
		solana.AccountMetaSlice{
			solana.NewAccountMeta(a.payer, true, true),
			solana.NewAccountMeta(gamePDA, true, false),
			solana.NewAccountMeta(poolPDA, false, false),
			solana.NewAccountMeta(solana.SystemProgramID, false, false),
		},
		encodeSetWinners(req.GameID, winners, amounts),
	)

	latest, err := a.backend.GetLatestBlockhash(ctx, a.commitment)
	if err != nil {
		return "", &SubmissionError{Chain: money.ChainSolana, Op: "blockhash", Err: err}
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{ix},
		latest.Value.Blockhash,
		solana.TransactionPayer(a.payer),
	)
	if err != nil {
		return "", fmt.Errorf("build transaction: %w", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(a.payer) {
			return &a.operator
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}

	sim, err := a.backend.SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
		Commitment: a.commitment,
	})
	if err != nil {
		return "", &SubmissionError{Chain: money.ChainSolana, Op: "simulate", Err: err}
	}
	if sim != nil && sim.Value != nil && sim.Value.Err != nil {
		return "", &SimulationFailedError{Chain: money.ChainSolana, Err: fmt.Errorf("program error: %v", sim.Value.Err)}
	}

	// Preflight would repeat the simulation that just passed.
	sig, err := a.backend.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       true,
		PreflightCommitment: a.commitment,
	})
	if err != nil {
		return "", &SubmissionError{Chain: money.ChainSolana, Op: "send", Err: err}
	}

	a.log.Info().
		Str("signature", sig.String()).
		Str("game_account", gamePDA.String()).
		Int("winners", len(winners)).
		Msg("set_winners submitted")

	return sig.String(), nil
}

func (a *SolanaAdapter) Confirm(ctx context.Context, txRef string) (ConfirmState, error) {
	sig, err := solana.SignatureFromBase58(txRef)
	if err != nil {
		return ConfirmFailed, fmt.Errorf("transaction reference %q: %w", txRef, err)
	}

	statuses, err := a.backend.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return ConfirmPending, &SubmissionError{Chain: money.ChainSolana, Op: "signature status", Err: err}
	}
	if statuses == nil || len(statuses.Value) == 0 || statuses.Value[0] == nil {
		return ConfirmPending, nil
	}

	st := statuses.Value[0]
	if st.Err != nil {
		return ConfirmFailed, nil
	}
	switch st.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return ConfirmConfirmed, nil
	default:
		return ConfirmPending, nil
	}
}
