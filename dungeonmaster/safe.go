package dungeonmaster

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
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
	"golang.org/x/time/rate"
)

// multiSendCallOnlyAddress is the canonical MultiSendCallOnly v1.3.0
// deployment, shared across the chains the games run on.
const multiSendCallOnlyAddress = "0x40A2aCCbd92BCA938b02010E17A5b8929b49130D"

// ErrReceiptTimeout is returned when a transaction receipt doesn't land
// within the configured wait window. The transaction may still confirm
// later; the hash is preserved for manual inspection.
var ErrReceiptTimeout = errors.New("timed out waiting for transaction receipt")

const (
	gameABIJSON = `[
		{"type":"function","name":"rollCharacterSheet","inputs":[{"name":"player","type":"address"},{"name":"_tokenURI","type":"string"}],"outputs":[{"type":"uint256"}],"stateMutability":"nonpayable"}
	]`
	xpABIJSON = `[
		{"type":"function","name":"dropExp","inputs":[{"name":"character","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[],"stateMutability":"nonpayable"}
	]`
	classesABIJSON = `[
		{"type":"function","name":"giveClassExp","inputs":[{"name":"characterAccount","type":"address"},{"name":"classId","type":"uint256"},{"name":"amountOfExp","type":"uint256"}],"outputs":[],"stateMutability":"nonpayable"}
	]`
	itemsABIJSON = `[
		{"type":"function","name":"dropLoot","inputs":[{"name":"characters","type":"address[]"},{"name":"itemIds","type":"uint256[][]"},{"name":"amounts","type":"uint256[][]"}],"outputs":[],"stateMutability":"nonpayable"}
	]`
	safeABIJSON = `[
		{"type":"function","name":"execTransaction","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"},{"name":"operation","type":"uint8"},{"name":"safeTxGas","type":"uint256"},{"name":"baseGas","type":"uint256"},{"name":"gasPrice","type":"uint256"},{"name":"gasToken","type":"address"},{"name":"refundReceiver","type":"address"},{"name":"signatures","type":"bytes"}],"outputs":[{"type":"bool"}],"stateMutability":"payable"},
		{"type":"function","name":"nonce","inputs":[],"outputs":[{"type":"uint256"}],"stateMutability":"view"},
		{"type":"function","name":"getTransactionHash","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"},{"name":"operation","type":"uint8"},{"name":"safeTxGas","type":"uint256"},{"name":"baseGas","type":"uint256"},{"name":"gasPrice","type":"uint256"},{"name":"gasToken","type":"address"},{"name":"refundReceiver","type":"address"},{"name":"_nonce","type":"uint256"}],"outputs":[{"type":"bytes32"}],"stateMutability":"view"}
	]`
	multiSendABIJSON = `[
		{"type":"function","name":"multiSend","inputs":[{"name":"transactions","type":"bytes"}],"outputs":[],"stateMutability":"payable"}
	]`
)

var (
	parseABIOnce sync.Once
	gameABI      abi.ABI
	xpABI        abi.ABI
	classesABI   abi.ABI
	itemsABI     abi.ABI
	safeABI      abi.ABI
	multiSendABI abi.ABI
	parseABIErr  error
)

func contractABIs() error {
	parseABIOnce.Do(
		func() {
			parse := func(name, raw string) abi.ABI {
				parsed, err := abi.JSON(strings.NewReader(raw))
				if err != nil && parseABIErr == nil {
					parseABIErr = fmt.Errorf("parsing %s ABI: %w", name, err)
				}
				return parsed
			}
			gameABI = parse("game", gameABIJSON)
			xpABI = parse("xp", xpABIJSON)
			classesABI = parse("classes", classesABIJSON)
			itemsABI = parse("items", itemsABIJSON)
			safeABI = parse("safe", safeABIJSON)
			multiSendABI = parse("multisend", multiSendABIJSON)
		},
	)
	return parseABIErr
}

func encodeDropExp(account string, amountWei *big.Int) ([]byte, error) {
	if err := contractABIs(); err != nil {
		return nil, err
	}
	return xpABI.Pack("dropExp", common.HexToAddress(account), amountWei)
}

func encodeGiveClassExp(
	account string,
	classID uint64,
	amountWei *big.Int,
) ([]byte, error) {
	if err := contractABIs(); err != nil {
		return nil, err
	}
	return classesABI.Pack(
		"giveClassExp",
		common.HexToAddress(account),
		big.NewInt(0).SetUint64(classID),
		amountWei,
	)
}

func encodeDropLoot(
	accounts []string,
	itemIDs [][]*big.Int,
	amounts [][]*big.Int,
) ([]byte, error) {
	if err := contractABIs(); err != nil {
		return nil, err
	}
	addrs := make([]common.Address, len(accounts))
	for i, a := range accounts {
		addrs[i] = common.HexToAddress(a)
	}
	return itemsABI.Pack("dropLoot", addrs, itemIDs, amounts)
}

func encodeRollCharacterSheet(player string, tokenCID string) ([]byte, error) {
	if err := contractABIs(); err != nil {
		return nil, err
	}
	return gameABI.Pack(
		"rollCharacterSheet",
		common.HexToAddress(player),
		tokenCID,
	)
}

// packMultiSend packs sub-calls into the MultiSend wire format: for each
// call, operation(1) ++ to(20) ++ value(32) ++ dataLength(32) ++ data.
func packMultiSend(txs []MetaTransaction) []byte {
	var packed []byte
	for _, tx := range txs {
		value := tx.Value
		if value == nil {
			value = big.NewInt(0)
		}
		packed = append(packed, 0) // CALL
		packed = append(packed, tx.To.Bytes()...)
		packed = append(packed, common.LeftPadBytes(value.Bytes(), 32)...)
		packed = append(
			packed,
			common.LeftPadBytes(big.NewInt(int64(len(tx.Data))).Bytes(), 32)...,
		)
		packed = append(packed, tx.Data...)
	}
	return packed
}

// Safe operation types
const (
	safeOperationCall         uint8 = 0
	safeOperationDelegateCall uint8 = 1
)

// chainRPC is the minimal ethclient surface the signer uses; swappable
// in tests.
type chainRPC interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	CallContract(
		ctx context.Context,
		call ethereum.CallMsg,
		blockNumber *big.Int,
	) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// NPCSafe executes grant batches through the community's custodial Safe.
// The bot's key is a Safe owner; transactions are executed with a single
// approved-hash signature, so the Safe threshold must be 1.
//
// Batches of more than one sub-call are wrapped in a MultiSend
// delegatecall; single calls go through execTransaction directly.
type NPCSafe struct {
	cfg    *ChainConfig
	key    *ecdsa.PrivateKey
	owner  common.Address
	logger *slog.Logger

	// limiter throttles RPC submissions and receipt polls.
	limiter *rate.Limiter

	mu      sync.Mutex
	clients map[string]chainRPC

	// dialFn is swappable in tests
	dialFn func(ctx context.Context, rawURL string) (chainRPC, error)
}

func NewNPCSafe(cfg *ChainConfig, log *slog.Logger) (*NPCSafe, error) {
	if log == nil {
		log = slog.Default()
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SafeOwnerKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parsing safe owner key: %w", err)
	}
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = DefaultChainRatePerSecond
	}
	return &NPCSafe{
		cfg:     cfg,
		key:     key,
		owner:   crypto.PubkeyToAddress(key.PublicKey),
		logger:  log.With(loggerNameKey, "npc_safe"),
		limiter: rate.NewLimiter(rate.Limit(perSecond), perSecond),
		clients: map[string]chainRPC{},
		dialFn: func(ctx context.Context, rawURL string) (chainRPC, error) {
			return ethclient.DialContext(ctx, rawURL)
		},
	}, nil
}

// OwnerAddress returns the bot's Safe owner address.
func (s *NPCSafe) OwnerAddress() common.Address {
	return s.owner
}

func (s *NPCSafe) client(ctx context.Context, game GameConfig) (chainRPC, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[game.RPCURL]; ok {
		return c, nil
	}
	c, err := s.dialFn(ctx, game.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", game.RPCURL, err)
	}
	s.clients[game.RPCURL] = c
	return c, nil
}

// approvedHashSignature builds the pre-validated signature accepted by
// the Safe when the executing sender is an owner: r = owner address,
// s = 0, v = 1.
func (s *NPCSafe) approvedHashSignature() []byte {
	sig := make([]byte, 65)
	copy(sig[12:32], s.owner.Bytes())
	sig[64] = 1
	return sig
}

// SubmitBatch submits the calls through the game's Safe and returns the
// transaction hash. One sub-call executes directly; multiple sub-calls
// are packed into a MultiSend delegatecall so the whole batch lands (or
// reverts) atomically.
func (s *NPCSafe) SubmitBatch(
	ctx context.Context,
	game GameConfig,
	txs []MetaTransaction,
) (string, error) {
	if len(txs) == 0 {
		return "", errors.New("empty transaction batch")
	}
	if err := contractABIs(); err != nil {
		return "", err
	}

	client, err := s.client(ctx, game)
	if err != nil {
		return "", err
	}

	var (
		to        common.Address
		data      []byte
		operation uint8
	)
	if len(txs) == 1 {
		to = txs[0].To
		data = txs[0].Data
		operation = safeOperationCall
	} else {
		packed, packErr := multiSendABI.Pack("multiSend", packMultiSend(txs))
		if packErr != nil {
			return "", fmt.Errorf("packing multisend: %w", packErr)
		}
		to = common.HexToAddress(multiSendCallOnlyAddress)
		data = packed
		operation = safeOperationDelegateCall
	}

	execData, err := safeABI.Pack(
		"execTransaction",
		to,
		big.NewInt(0),
		data,
		operation,
		big.NewInt(0), // safeTxGas
		big.NewInt(0), // baseGas
		big.NewInt(0), // gasPrice
		common.Address{},
		common.Address{},
		s.approvedHashSignature(),
	)
	if err != nil {
		return "", fmt.Errorf("packing execTransaction: %w", err)
	}

	safeAddress := common.HexToAddress(game.SafeAddress)

	if err = s.limiter.Wait(ctx); err != nil {
		return "", err
	}
	nonce, err := client.PendingNonceAt(ctx, s.owner)
	if err != nil {
		return "", fmt.Errorf("fetching nonce: %w", err)
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("fetching gas price: %w", err)
	}
	gasLimit, err := client.EstimateGas(
		ctx, ethereum.CallMsg{
			From:     s.owner,
			To:       &safeAddress,
			Data:     execData,
			GasPrice: gasPrice,
		},
	)
	if err != nil {
		return "", fmt.Errorf("estimating gas: %w", err)
	}

	chainID := big.NewInt(0).SetUint64(game.ChainID)
	tx, err := types.SignNewTx(
		s.key,
		types.LatestSignerForChainID(chainID),
		&types.LegacyTx{
			Nonce:    nonce,
			To:       &safeAddress,
			Gas:      gasLimit,
			GasPrice: gasPrice,
			Data:     execData,
		},
	)
	if err != nil {
		return "", fmt.Errorf("signing transaction: %w", err)
	}

	if err = s.limiter.Wait(ctx); err != nil {
		return "", err
	}
	if err = client.SendTransaction(ctx, tx); err != nil {
		return "", fmt.Errorf("broadcasting transaction: %w", err)
	}

	txHash := tx.Hash().Hex()
	s.logger.InfoContext(
		ctx, "submitted safe batch",
		"tx_hash", txHash,
		"safe_address", game.SafeAddress,
		"chain_id", game.ChainID,
		"sub_calls", len(txs),
	)
	return txHash, nil
}

// AwaitReceipt polls for the transaction receipt until the configured
// timeout. A missing receipt at timeout is ErrReceiptTimeout, a distinct
// failure mode for manual inspection rather than a FAILED status.
func (s *NPCSafe) AwaitReceipt(
	ctx context.Context,
	game GameConfig,
	txHash string,
) (TxStatus, error) {
	client, err := s.client(ctx, game)
	if err != nil {
		return TxStatusPending, err
	}

	timeout := s.cfg.ReceiptTimeout
	if timeout <= 0 {
		timeout = DefaultReceiptTimeout
	}
	interval := s.cfg.ReceiptPollInterval
	if interval <= 0 {
		interval = DefaultReceiptPollInterval
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err = s.limiter.Wait(ctx); err != nil {
			break
		}
		receipt, receiptErr := client.TransactionReceipt(ctx, hash)
		if receiptErr == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				return TxStatusSuccess, nil
			}
			return TxStatusFailed, nil
		}
		if receiptErr != nil && !errors.Is(receiptErr, ethereum.NotFound) {
			s.logger.DebugContext(
				ctx, "receipt poll error",
				"tx_hash", txHash,
				"error", receiptErr,
			)
		}

		select {
		case <-ctx.Done():
			return TxStatusPending, fmt.Errorf("%w: %s", ErrReceiptTimeout, txHash)
		case <-ticker.C:
		}
	}
	return TxStatusPending, fmt.Errorf("%w: %s", ErrReceiptTimeout, txHash)
}

var _ SafeSigner = (*NPCSafe)(nil)
