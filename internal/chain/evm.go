package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"PrizeSettle/internal/money"
	"PrizeSettle/internal/observability"
)

// DefaultEVMNamespace tags settlement keys so they cannot collide with
// any other keyspace the prize pool contract manages.
const DefaultEVMNamespace = "prize/settle/v1"

// EVMBackend is the slice of the Ethereum JSON-RPC surface the adapter
// needs. *ethclient.Client satisfies it.
type EVMBackend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// EVMConfig configures the EVM adapter. The chain id comes from config
// rather than an RPC call so a misrouted endpoint cannot trick the
// signer into signing for the wrong chain.
type EVMConfig struct {
	Contract    string // prize pool contract address, hex
	ChainID     int64
	OperatorKey string // operator private key, hex, optional 0x prefix
	Namespace   string // settlement key namespace, DefaultEVMNamespace if empty
}

// Prize pool contract surface:
//
//	setWinners(bytes32 key, address[] winners, uint256[] amounts)
//	winnersSet(bytes32 key) view returns (bool)
var (
	setWinnersSelector = crypto.Keccak256([]byte("setWinners(bytes32,address[],uint256[])"))[:4]
	winnersSetSelector = crypto.Keccak256([]byte("winnersSet(bytes32)"))[:4]

	setWinnersArgs = abi.Arguments{
		{Type: mustABIType("bytes32")},
		{Type: mustABIType("address[]")},
		{Type: mustABIType("uint256[]")},
	}
	winnersSetArgs = abi.Arguments{
		{Type: mustABIType("bytes32")},
	}
)

func mustABIType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("FATAL: abi type %q: %v", t, err))
	}
	return typ
}

// EVMAdapter submits settlements to the prize pool contract with
// EIP-1559 transactions signed by the operator key.
type EVMAdapter struct {
	backend   EVMBackend
	contract  common.Address
	chainID   *big.Int
	key       *ecdsa.PrivateKey
	sender    common.Address
	namespace []byte
	log       zerolog.Logger
}

func NewEVMAdapter(backend EVMBackend, cfg EVMConfig) (*EVMAdapter, error) {
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("evm contract address %q invalid", cfg.Contract)
	}
	if cfg.ChainID <= 0 {
		return nil, fmt.Errorf("evm chain id %d invalid", cfg.ChainID)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.OperatorKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("evm operator key: %w", err)
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = DefaultEVMNamespace
	}

	return &EVMAdapter{
		backend:   backend,
		contract:  common.HexToAddress(cfg.Contract),
		chainID:   big.NewInt(cfg.ChainID),
		key:       key,
		sender:    crypto.PubkeyToAddress(key.PublicKey),
		namespace: []byte(namespace),
		log:       observability.NewLogger("evm_adapter"),
	}, nil
}

func (a *EVMAdapter) Chain() money.ChainKind { return money.ChainEVM }

// Sender returns the operator address derived from the signing key.
func (a *EVMAdapter) Sender() common.Address { return a.sender }

// SettlementKey derives the bytes32 slot that indexes this game's
// settlement in the contract: Keccak-256 over the namespace tag and the
// wire game id. The same key is passed to setWinners and winnersSet, so
// presence checks and submissions can never disagree on where a game
// lives.
func (a *EVMAdapter) SettlementKey(gameID [32]byte) common.Hash {
	return crypto.Keccak256Hash(a.namespace, gameID[:])
}

func (a *EVMAdapter) IsSettled(ctx context.Context, gameID [32]byte) (Presence, error) {
	key := a.SettlementKey(gameID)
	packed, err := winnersSetArgs.Pack(key)
	if err != nil {
		return PresenceUnknown, fmt.Errorf("pack winnersSet: %w", err)
	}
	data := append(append([]byte{}, winnersSetSelector...), packed...)

	out, err := a.backend.CallContract(ctx, ethereum.CallMsg{To: &a.contract, Data: data}, nil)
	if err != nil {
		return PresenceUnknown, &SubmissionError{Chain: money.ChainEVM, Op: "winnersSet call", Err: err}
	}
	if len(out) != 32 {
		return PresenceUnknown, fmt.Errorf("winnersSet returned %d bytes, want 32", len(out))
	}
	if out[31] != 0 {
		return PresencePresent, nil
	}
	return PresenceAbsent, nil
}

func (a *EVMAdapter) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if len(req.Winners) == 0 {
		return "", fmt.Errorf("empty winner table")
	}
	if len(req.Winners) != len(req.Amounts) {
		return "", fmt.Errorf("winner/amount tables mismatched: %d winners, %d amounts",
			len(req.Winners), len(req.Amounts))
	}

	winners := make([]common.Address, len(req.Winners))
	for i, w := range req.Winners {
		if !common.IsHexAddress(w) {
			return "", fmt.Errorf("winner %q is not a hex address", w)
		}
		winners[i] = common.HexToAddress(w)
	}
	amounts := make([]*big.Int, len(req.Amounts))
	for i, amt := range req.Amounts {
		if amt <= 0 {
			return "", fmt.Errorf("amount %d for winner %s not positive", amt, req.Winners[i])
		}
		amounts[i] = money.BaseUnitsToBig(amt)
	}

	key := a.SettlementKey(req.GameID)
	packed, err := setWinnersArgs.Pack(key, winners, amounts)
	if err != nil {
		return "", fmt.Errorf("pack setWinners: %w", err)
	}
	data := append(append([]byte{}, setWinnersSelector...), packed...)

	call := ethereum.CallMsg{From: a.sender, To: &a.contract, Data: data}

	// Dry run against latest state. Nothing has been broadcast if this
	// fails, so the caller may always retry.
	if _, err := a.backend.CallContract(ctx, call, nil); err != nil {
		return "", &SimulationFailedError{Chain: money.ChainEVM, Err: err}
	}

	nonce, err := a.backend.PendingNonceAt(ctx, a.sender)
	if err != nil {
		return "", &SubmissionError{Chain: money.ChainEVM, Op: "pending nonce", Err: err}
	}
	tip, err := a.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return "", &SubmissionError{Chain: money.ChainEVM, Op: "gas tip", Err: err}
	}
	head, err := a.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", &SubmissionError{Chain: money.ChainEVM, Op: "head", Err: err}
	}
	if head.BaseFee == nil {
		return "", &SubmissionError{Chain: money.ChainEVM, Op: "head",
			Err: errors.New("no base fee in head block; EIP-1559 chain required")}
	}
	// Fee cap covers a doubling of the base fee plus the tip.
	feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)

	gas, err := a.backend.EstimateGas(ctx, call)
	if err != nil {
		return "", &SubmissionError{Chain: money.ChainEVM, Op: "estimate gas", Err: err}
	}
	gas += gas / 5

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   a.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &a.contract,
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(a.chainID), a.key)
	if err != nil {
		return "", fmt.Errorf("sign setWinners: %w", err)
	}

	if err := a.backend.SendTransaction(ctx, signed); err != nil {
		return "", &SubmissionError{Chain: money.ChainEVM, Op: "send", Err: err}
	}

	a.log.Info().
		Str("tx_hash", signed.Hash().Hex()).
		Str("settlement_key", key.Hex()).
		Int("winners", len(winners)).
		Uint64("gas_limit", gas).
		Msg("setWinners submitted")

	return signed.Hash().Hex(), nil
}

func (a *EVMAdapter) Confirm(ctx context.Context, txRef string) (ConfirmState, error) {
	receipt, err := a.backend.TransactionReceipt(ctx, common.HexToHash(txRef))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return ConfirmPending, nil
		}
		return ConfirmPending, &SubmissionError{Chain: money.ChainEVM, Op: "receipt", Err: err}
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return ConfirmConfirmed, nil
	}
	return ConfirmFailed, nil
}
