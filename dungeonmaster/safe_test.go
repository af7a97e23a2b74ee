package dungeonmaster

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testOwnerKey is a throwaway private key used only for signing in tests.
const testOwnerKey = "4c0883a69102937d6231471b5dbb6204fe512961708279f0f6cad6e9b2a28b3f"

type fakeChainRPC struct {
	mu       sync.Mutex
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	sendErr  error
}

func (f *fakeChainRPC) PendingNonceAt(
	_ context.Context,
	_ common.Address,
) (uint64, error) {
	return 7, nil
}

func (f *fakeChainRPC) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChainRPC) EstimateGas(
	_ context.Context,
	_ ethereum.CallMsg,
) (uint64, error) {
	return 500_000, nil
}

func (f *fakeChainRPC) CallContract(
	_ context.Context,
	_ ethereum.CallMsg,
	_ *big.Int,
) ([]byte, error) {
	return nil, nil
}

func (f *fakeChainRPC) SendTransaction(
	_ context.Context,
	tx *types.Transaction,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeChainRPC) TransactionReceipt(
	_ context.Context,
	txHash common.Hash,
) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if receipt, ok := f.receipts[txHash]; ok {
		return receipt, nil
	}
	return nil, ethereum.NotFound
}

var _ chainRPC = (*fakeChainRPC)(nil)

func newTestSafe(t testing.TB, rpc *fakeChainRPC) *NPCSafe {
	t.Helper()
	safe, err := NewNPCSafe(
		&ChainConfig{
			SafeOwnerKey:        testOwnerKey,
			ReceiptTimeout:      time.Second,
			ReceiptPollInterval: 10 * time.Millisecond,
			RatePerSecond:       1000,
		},
		discardLogger(),
	)
	require.NoError(t, err)
	safe.dialFn = func(context.Context, string) (chainRPC, error) {
		return rpc, nil
	}
	return safe
}

// unpackExecTransaction decodes the execTransaction calldata of a
// submitted Safe transaction.
func unpackExecTransaction(
	t testing.TB,
	tx *types.Transaction,
) (to common.Address, data []byte, operation uint8, signatures []byte) {
	t.Helper()
	require.NoError(t, contractABIs())
	method := safeABI.Methods["execTransaction"]
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	return args[0].(common.Address),
		args[2].([]byte),
		args[3].(uint8),
		args[9].([]byte)
}

func TestNewNPCSafeRejectsBadKey(t *testing.T) {
	_, err := NewNPCSafe(
		&ChainConfig{SafeOwnerKey: "not-a-key"}, discardLogger(),
	)
	require.Error(t, err)
}

func TestSubmitBatchEmpty(t *testing.T) {
	safe := newTestSafe(t, &fakeChainRPC{})
	_, err := safe.SubmitBatch(context.Background(), testGame(), nil)
	require.Error(t, err)
}

func TestSubmitBatchSingleCall(t *testing.T) {
	ctx := context.Background()
	rpc := &fakeChainRPC{}
	safe := newTestSafe(t, rpc)
	game := testGame()

	callData, err := encodeDropExp(
		"0x00000000000000000000000000000000000000c1", wholeXPToWei(10),
	)
	require.NoError(t, err)

	txHash, err := safe.SubmitBatch(
		ctx, game,
		[]MetaTransaction{
			{
				To:    common.HexToAddress(game.XPAddress),
				Value: big.NewInt(0),
				Data:  callData,
			},
		},
	)
	require.NoError(t, err)
	require.Len(t, rpc.sent, 1)

	sent := rpc.sent[0]
	assert.Equal(t, txHash, sent.Hash().Hex())
	assert.Equal(t, common.HexToAddress(game.SafeAddress), *sent.To())
	assert.Equal(t, uint64(7), sent.Nonce())

	// A single sub-call executes directly against its target, no
	// MultiSend wrapping.
	to, data, operation, signatures := unpackExecTransaction(t, sent)
	assert.Equal(t, common.HexToAddress(game.XPAddress), to)
	assert.Equal(t, callData, data)
	assert.Equal(t, safeOperationCall, operation)
	assert.Equal(t, safe.approvedHashSignature(), signatures)
}

func TestSubmitBatchMultiSend(t *testing.T) {
	ctx := context.Background()
	rpc := &fakeChainRPC{}
	safe := newTestSafe(t, rpc)
	game := testGame()

	txs := make([]MetaTransaction, 2)
	for i, account := range []string{
		"0x00000000000000000000000000000000000000c1",
		"0x00000000000000000000000000000000000000c2",
	} {
		data, err := encodeDropExp(account, wholeXPToWei(10))
		require.NoError(t, err)
		txs[i] = MetaTransaction{
			To:    common.HexToAddress(game.XPAddress),
			Value: big.NewInt(0),
			Data:  data,
		}
	}

	_, err := safe.SubmitBatch(ctx, game, txs)
	require.NoError(t, err)
	require.Len(t, rpc.sent, 1)

	// Multiple sub-calls route through MultiSendCallOnly as a
	// delegatecall so the batch lands atomically.
	to, data, operation, _ := unpackExecTransaction(t, rpc.sent[0])
	assert.Equal(t, common.HexToAddress(multiSendCallOnlyAddress), to)
	assert.Equal(t, safeOperationDelegateCall, operation)

	packed, err := multiSendABI.Pack("multiSend", packMultiSend(txs))
	require.NoError(t, err)
	assert.Equal(t, packed, data)
}

func TestPackMultiSendLayout(t *testing.T) {
	to := common.HexToAddress("0x00000000000000000000000000000000000000a2")
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	packed := packMultiSend(
		[]MetaTransaction{
			{To: to, Value: big.NewInt(5), Data: payload},
		},
	)

	// operation(1) ++ to(20) ++ value(32) ++ dataLength(32) ++ data
	require.Len(t, packed, 1+20+32+32+len(payload))
	assert.Equal(t, byte(0), packed[0])
	assert.Equal(t, to.Bytes(), packed[1:21])
	assert.Equal(t, common.LeftPadBytes(big.NewInt(5).Bytes(), 32), packed[21:53])
	assert.Equal(
		t,
		common.LeftPadBytes(big.NewInt(int64(len(payload))).Bytes(), 32),
		packed[53:85],
	)
	assert.Equal(t, payload, packed[85:])

	// Nil values pack as zero.
	packed = packMultiSend([]MetaTransaction{{To: to}})
	require.Len(t, packed, 1+20+32+32)
}

func TestApprovedHashSignature(t *testing.T) {
	safe := newTestSafe(t, &fakeChainRPC{})
	sig := safe.approvedHashSignature()

	// r = owner address, s = 0, v = 1.
	require.Len(t, sig, 65)
	assert.Equal(t, safe.OwnerAddress().Bytes(), sig[12:32])
	for _, b := range sig[:12] {
		assert.Zero(t, b)
	}
	for _, b := range sig[32:64] {
		assert.Zero(t, b)
	}
	assert.Equal(t, byte(1), sig[64])
}

func TestAwaitReceiptStatuses(t *testing.T) {
	ctx := context.Background()
	successHash := common.HexToHash("0x01")
	failedHash := common.HexToHash("0x02")
	rpc := &fakeChainRPC{
		receipts: map[common.Hash]*types.Receipt{
			successHash: {Status: types.ReceiptStatusSuccessful},
			failedHash:  {Status: types.ReceiptStatusFailed},
		},
	}
	safe := newTestSafe(t, rpc)

	status, err := safe.AwaitReceipt(ctx, testGame(), successHash.Hex())
	require.NoError(t, err)
	assert.Equal(t, TxStatusSuccess, status)

	status, err = safe.AwaitReceipt(ctx, testGame(), failedHash.Hex())
	require.NoError(t, err)
	assert.Equal(t, TxStatusFailed, status)
}

func TestAwaitReceiptTimeout(t *testing.T) {
	rpc := &fakeChainRPC{}
	safe := newTestSafe(t, rpc)
	safe.cfg.ReceiptTimeout = 50 * time.Millisecond

	status, err := safe.AwaitReceipt(
		context.Background(), testGame(), common.HexToHash("0x03").Hex(),
	)
	require.ErrorIs(t, err, ErrReceiptTimeout)
	assert.Equal(t, TxStatusPending, status)
}
