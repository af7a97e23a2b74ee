package dungeonmaster

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGame() GameConfig {
	return GameConfig{
		ChainID:           100,
		GameAddress:       "0x00000000000000000000000000000000000000a1",
		XPAddress:         "0x00000000000000000000000000000000000000a2",
		ClassesAddress:    "0x00000000000000000000000000000000000000a3",
		ItemsAddress:      "0x00000000000000000000000000000000000000a4",
		SafeAddress:       "0x00000000000000000000000000000000000000a5",
		AttendanceBadgeID: 1,
		RPCURL:            "http://localhost:8545",
		SubgraphURL:       "http://localhost/subgraphs/character-sheets",
		ExplorerURL:       "https://gnosisscan.io",
	}
}

type fakeDirectory struct {
	addressByTag map[string]string
	err          error
}

func (f *fakeDirectory) ResolveAddressesByTags(
	_ context.Context,
	tags []string,
) (map[string]string, []string, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	found := map[string]string{}
	var missing []string
	for _, tag := range tags {
		if addr, ok := f.addressByTag[tag]; ok {
			found[tag] = addr
		} else {
			missing = append(missing, tag)
		}
	}
	return found, missing, nil
}

type fakeCharacters struct {
	accountByAddress map[string]string

	// rolledAccounts become resolvable after the first lookup, standing
	// in for accounts created by a character roll.
	rolledAccounts map[string]string
	calls          int
}

func (f *fakeCharacters) ResolveAccountsByAddresses(
	_ context.Context,
	_ GameConfig,
	addresses []string,
) (map[string]string, []string, error) {
	f.calls++
	found := map[string]string{}
	var missing []string
	for _, addr := range addresses {
		key := strings.ToLower(addr)
		if account, ok := f.accountByAddress[key]; ok {
			found[addr] = account
			continue
		}
		if f.calls > 1 {
			if account, ok := f.rolledAccounts[key]; ok {
				found[addr] = account
				continue
			}
		}
		missing = append(missing, addr)
	}
	return found, missing, nil
}

type fakeSigner struct {
	mu           sync.Mutex
	batches      [][]MetaTransaction
	submitErr    error
	receiptErr   error
	status       TxStatus
	statusByHash map[string]TxStatus
}

func (f *fakeSigner) SubmitBatch(
	_ context.Context,
	_ GameConfig,
	txs []MetaTransaction,
) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.batches = append(f.batches, txs)
	return fmt.Sprintf("0xtx%02d", len(f.batches)), nil
}

func (f *fakeSigner) AwaitReceipt(
	_ context.Context,
	_ GameConfig,
	txHash string,
) (TxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiptErr != nil {
		return TxStatusPending, f.receiptErr
	}
	if status, ok := f.statusByHash[txHash]; ok {
		return status, nil
	}
	if f.status != "" {
		return f.status, nil
	}
	return TxStatusSuccess, nil
}

func (f *fakeSigner) lastBatch() []MetaTransaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return nil
	}
	return f.batches[len(f.batches)-1]
}

type fakePinner struct {
	mu   sync.Mutex
	pins []any
	err  error
}

func (f *fakePinner) PinJSON(
	_ context.Context,
	_ string,
	payload any,
) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.pins = append(f.pins, payload)
	return fmt.Sprintf("QmFakeCID%d", len(f.pins)), nil
}

var (
	_ IdentityDirectory = (*fakeDirectory)(nil)
	_ CharacterRegistry = (*fakeCharacters)(nil)
	_ SafeSigner        = (*fakeSigner)(nil)
	_ MetadataPinner    = (*fakePinner)(nil)
)

func TestExecuteFlatTipPartition(t *testing.T) {
	ctx := context.Background()
	directory := &fakeDirectory{
		addressByTag: map[string]string{
			"alice": "0x00000000000000000000000000000000000000b1",
			"bob":   "0x00000000000000000000000000000000000000b2",
		},
	}
	characters := &fakeCharacters{
		accountByAddress: map[string]string{
			"0x00000000000000000000000000000000000000b1": "0x00000000000000000000000000000000000000c1",
		},
	}
	signer := &fakeSigner{}
	e := NewGrantExecutor(directory, characters, signer, &fakePinner{}, discardLogger())

	report, err := e.ExecuteFlatTip(
		ctx, testGame(), []string{"alice", "bob", "carol"}, 10,
	)
	require.NoError(t, err)

	// The three partitions are disjoint and cover the request: carol has
	// no directory entry, bob has no character, alice gets the tip.
	assert.ElementsMatch(t, []string{"alice"}, report.Partition.Tipped)
	assert.ElementsMatch(t, []string{"carol"}, report.Partition.MissingAddress)
	assert.ElementsMatch(t, []string{"bob"}, report.Partition.MissingAccount)
	assert.Equal(t, 3, report.Partition.Total())

	assert.Equal(t, TxStatusSuccess, report.Status)
	assert.NotEmpty(t, report.TxHash)
	assert.Contains(t, report.ExplorerURL, report.TxHash)
	assert.Equal(
		t,
		"0x00000000000000000000000000000000000000c1",
		report.AccountByTag["alice"],
	)

	batch := signer.lastBatch()
	require.Len(t, batch, 1)
	assert.Equal(t, common.HexToAddress(testGame().XPAddress), batch[0].To)
	assert.NotEmpty(t, batch[0].Data)
}

func TestExecuteFlatTipNothingResolvable(t *testing.T) {
	ctx := context.Background()
	signer := &fakeSigner{}
	e := NewGrantExecutor(
		&fakeDirectory{}, &fakeCharacters{}, signer, &fakePinner{}, discardLogger(),
	)

	report, err := e.ExecuteFlatTip(ctx, testGame(), []string{"alice"}, 10)
	require.NoError(t, err)
	assert.Empty(t, report.Partition.Tipped)
	assert.ElementsMatch(t, []string{"alice"}, report.Partition.MissingAddress)

	// No chain interaction when nobody resolves.
	assert.Empty(t, signer.batches)
	assert.Empty(t, report.TxHash)
}

func TestExecuteFlatTipDeduplicatesRecipients(t *testing.T) {
	ctx := context.Background()
	directory := &fakeDirectory{
		addressByTag: map[string]string{
			"alice": "0x00000000000000000000000000000000000000b1",
		},
	}
	characters := &fakeCharacters{
		accountByAddress: map[string]string{
			"0x00000000000000000000000000000000000000b1": "0x00000000000000000000000000000000000000c1",
		},
	}
	signer := &fakeSigner{}
	e := NewGrantExecutor(directory, characters, signer, &fakePinner{}, discardLogger())

	report, err := e.ExecuteFlatTip(
		ctx, testGame(), []string{"alice", "alice", "alice"}, 10,
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, report.Partition.Tipped)
	require.Len(t, signer.lastBatch(), 1)
}

func TestExecuteFlatTipSubmitFailure(t *testing.T) {
	ctx := context.Background()
	directory := &fakeDirectory{
		addressByTag: map[string]string{
			"alice": "0x00000000000000000000000000000000000000b1",
		},
	}
	characters := &fakeCharacters{
		accountByAddress: map[string]string{
			"0x00000000000000000000000000000000000000b1": "0x00000000000000000000000000000000000000c1",
		},
	}
	signer := &fakeSigner{submitErr: errors.New("rpc unavailable")}
	e := NewGrantExecutor(directory, characters, signer, &fakePinner{}, discardLogger())

	_, err := e.ExecuteFlatTip(ctx, testGame(), []string{"alice"}, 10)
	require.Error(t, err)
}

func TestResolveAccount(t *testing.T) {
	ctx := context.Background()
	directory := &fakeDirectory{
		addressByTag: map[string]string{
			"alice": "0x00000000000000000000000000000000000000b1",
			"bob":   "0x00000000000000000000000000000000000000b2",
		},
	}
	characters := &fakeCharacters{
		accountByAddress: map[string]string{
			"0x00000000000000000000000000000000000000b1": "0x00000000000000000000000000000000000000c1",
		},
	}
	e := NewGrantExecutor(
		directory, characters, &fakeSigner{}, &fakePinner{}, discardLogger(),
	)

	account, err := e.ResolveAccount(ctx, testGame(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "0x00000000000000000000000000000000000000c1", account)

	_, err = e.ResolveAccount(ctx, testGame(), "carol")
	assert.ErrorIs(t, err, ErrNoMemberAddress)

	_, err = e.ResolveAccount(ctx, testGame(), "bob")
	assert.ErrorIs(t, err, ErrNoCharacterAccount)
}

func TestExecuteClassTipTargetsClassesContract(t *testing.T) {
	ctx := context.Background()
	signer := &fakeSigner{}
	e := NewGrantExecutor(
		&fakeDirectory{}, &fakeCharacters{}, signer, &fakePinner{}, discardLogger(),
	)

	report, err := e.ExecuteClassTip(
		ctx, testGame(),
		"0x00000000000000000000000000000000000000c1",
		classIDJester, 50,
	)
	require.NoError(t, err)
	assert.Equal(t, TxStatusSuccess, report.Status)

	batch := signer.lastBatch()
	require.Len(t, batch, 1)
	assert.Equal(t, common.HexToAddress(testGame().ClassesAddress), batch[0].To)
}

func TestExecuteClassExpBatch(t *testing.T) {
	ctx := context.Background()
	signer := &fakeSigner{}
	e := NewGrantExecutor(
		&fakeDirectory{}, &fakeCharacters{}, signer, &fakePinner{}, discardLogger(),
	)

	grants := []ClassExpGrant{
		{
			AccountAddress: "0x00000000000000000000000000000000000000c1",
			ClassKey:       "FRONTEND_DEV",
			AmountWei:      big.NewInt(0).Mul(big.NewInt(50), weiPerXP),
		},
		{
			AccountAddress: "0x00000000000000000000000000000000000000c2",
			ClassKey:       classKeyRecordKeeper,
			AmountWei:      big.NewInt(0).Mul(big.NewInt(20), weiPerXP),
		},
	}
	txHash, err := e.ExecuteClassExpBatch(ctx, testGame(), grants)
	require.NoError(t, err)
	assert.NotEmpty(t, txHash)
	assert.Len(t, signer.lastBatch(), 2)

	_, err = e.ExecuteClassExpBatch(
		ctx, testGame(),
		[]ClassExpGrant{
			{
				AccountAddress: "0x00000000000000000000000000000000000000c1",
				ClassKey:       "NECROMANCER",
				AmountWei:      big.NewInt(1),
			},
		},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown class key")
}

func TestExecuteBadgeTipPartition(t *testing.T) {
	ctx := context.Background()
	directory := &fakeDirectory{
		addressByTag: map[string]string{
			"alice": "0x00000000000000000000000000000000000000b1",
			"bob":   "0x00000000000000000000000000000000000000b2",
		},
	}
	characters := &fakeCharacters{
		accountByAddress: map[string]string{
			"0x00000000000000000000000000000000000000b1": "0x00000000000000000000000000000000000000c1",
			"0x00000000000000000000000000000000000000b2": "0x00000000000000000000000000000000000000c2",
		},
	}
	signer := &fakeSigner{}
	e := NewGrantExecutor(directory, characters, signer, &fakePinner{}, discardLogger())

	report, err := e.ExecuteBadgeTip(
		ctx, testGame(), []string{"alice", "bob", "carol"},
	)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, report.Partition.Tipped)
	assert.ElementsMatch(t, []string{"carol"}, report.Partition.MissingAddress)
	assert.Equal(t, TxStatusSuccess, report.Status)

	// Badges go out as a single dropLoot call on the items contract.
	batch := signer.lastBatch()
	require.Len(t, batch, 1)
	assert.Equal(t, common.HexToAddress(testGame().ItemsAddress), batch[0].To)
}

func TestRollCharacterSheets(t *testing.T) {
	ctx := context.Background()
	signer := &fakeSigner{}
	pinner := &fakePinner{}
	e := NewGrantExecutor(
		&fakeDirectory{}, &fakeCharacters{}, signer, pinner, discardLogger(),
	)

	seeds := []CharacterSeed{
		{PlayerAddress: "0x00000000000000000000000000000000000000b1", DiscordTag: "alice"},
		{PlayerAddress: "0x00000000000000000000000000000000000000b2", DiscordTag: "bob"},
	}
	txHash, err := e.RollCharacterSheets(ctx, testGame(), seeds)
	require.NoError(t, err)
	assert.NotEmpty(t, txHash)

	// One pinned metadata payload and one sub-call per seed.
	assert.Len(t, pinner.pins, 2)
	batch := signer.lastBatch()
	require.Len(t, batch, 2)
	for _, tx := range batch {
		assert.Equal(t, testGame().Game(), tx.To)
	}
}

func TestRollCharacterSheetsReverted(t *testing.T) {
	ctx := context.Background()
	signer := &fakeSigner{status: TxStatusFailed}
	e := NewGrantExecutor(
		&fakeDirectory{}, &fakeCharacters{}, signer, &fakePinner{}, discardLogger(),
	)

	_, err := e.RollCharacterSheets(
		ctx, testGame(),
		[]CharacterSeed{
			{PlayerAddress: "0x00000000000000000000000000000000000000b1", DiscordTag: "alice"},
		},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reverted")
}
