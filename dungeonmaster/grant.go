package dungeonmaster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lmittmann/tint"
)

// TxStatus is the lifecycle state of a grant transaction. PENDING is only
// ever intermediate; receipts flip it to SUCCESS or FAILED, and FAILED is
// terminal and user-visible, never silently retried.
type TxStatus string

const (
	TxStatusPending TxStatus = "PENDING"
	TxStatusSuccess TxStatus = "SUCCESS"
	TxStatusFailed  TxStatus = "FAILED"
)

// classKeyToID maps DAO role/class keys to on-chain class IDs.
var classKeyToID = map[string]uint64{
	"FRONTEND_DEV":       1,
	"SMART_CONTRACTS":    2,
	"COMMUNITY":          3,
	"RECORD_KEEPER":      4,
	"LEGAL":              5,
	"BACKEND_DEV":        6,
	"PROJECT_MANAGEMENT": 7,
	"BIZ_DEV":            8,
	"OPERATIONS":         9,
	"TREASURY":           10,
	"ACCOUNT_MANAGER":    11,
	"DESIGN":             12,
}

// Class keys used by commands with a fixed target class.
const (
	classKeyRecordKeeper = "RECORD_KEEPER"
	classKeyAccountMgr   = "ACCOUNT_MANAGER"
	classKeyBizDev       = "BIZ_DEV"

	// classIDJester is not part of the generic role map; the jester tip
	// targets it directly.
	classIDJester uint64 = 14
)

// MetaTransaction is one sub-call of a batched Safe transaction.
type MetaTransaction struct {
	To    common.Address
	Value *big.Int
	Data  []byte
}

// IdentityDirectory resolves Discord identities to verified player
// addresses. Partial misses are partitioned, never fatal.
type IdentityDirectory interface {
	ResolveAddressesByTags(ctx context.Context, tags []string) (
		addressByTag map[string]string,
		missingTags []string,
		err error,
	)
}

// CharacterRegistry resolves player addresses to on-chain character
// accounts within one game scope.
type CharacterRegistry interface {
	ResolveAccountsByAddresses(
		ctx context.Context,
		game GameConfig,
		addresses []string,
	) (
		accountByAddress map[string]string,
		missingAddresses []string,
		err error,
	)
}

// InvoiceRegistry lists DAO invoices from the smart-invoice subgraph.
type InvoiceRegistry interface {
	ListInvoicesByProvider(ctx context.Context, provider string) ([]Invoice, error)
}

// SplitRegistry resolves payout-split contracts and their recipients.
type SplitRegistry interface {
	ResolveSplits(ctx context.Context, splitAddresses []string) (
		map[string]*Split,
		error,
	)
}

// SafeSigner submits batched calls through the custodial NPC Safe and
// awaits their receipts.
type SafeSigner interface {
	SubmitBatch(
		ctx context.Context,
		game GameConfig,
		txs []MetaTransaction,
	) (txHash string, err error)
	AwaitReceipt(
		ctx context.Context,
		game GameConfig,
		txHash string,
	) (TxStatus, error)
}

// MetadataPinner pins JSON payloads to IPFS, returning the CID.
type MetadataPinner interface {
	PinJSON(ctx context.Context, name string, payload any) (cid string, err error)
}

// TipPartition is the mandatory three-way recipient report for a tip
// batch: the partitions are disjoint and their union is the original
// request.
type TipPartition struct {
	// Tipped received XP, keyed back to the original Discord tags.
	Tipped []string `json:"tipped"`
	// MissingAddress have no verified address in the member directory.
	MissingAddress []string `json:"missing_address"`
	// MissingAccount resolved to an address but have no character
	// account in the target game.
	MissingAccount []string `json:"missing_account"`
}

// Total returns the size of the original recipient set.
func (p TipPartition) Total() int {
	return len(p.Tipped) + len(p.MissingAddress) + len(p.MissingAccount)
}

// TipReport is the outcome of one executed tip batch.
type TipReport struct {
	TxHash      string       `json:"tx_hash"`
	Status      TxStatus     `json:"status"`
	Partition   TipPartition `json:"partition"`
	ExplorerURL string       `json:"explorer_url,omitempty"`
	// AccountByTag maps tipped Discord tags to the character accounts
	// that received the grant.
	AccountByTag map[string]string `json:"account_by_tag,omitempty"`
}

func (r *TipReport) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("tx_hash", r.TxHash),
		slog.String("status", string(r.Status)),
		slog.Int("tipped", len(r.Partition.Tipped)),
		slog.Int("missing_address", len(r.Partition.MissingAddress)),
		slog.Int("missing_account", len(r.Partition.MissingAccount)),
	)
}

// CharacterSeed is one lazily provisioned character sheet: a player
// address plus the Discord tag used for its placeholder metadata.
type CharacterSeed struct {
	PlayerAddress string
	DiscordTag    string
}

// ClassExpGrant is one (account, class, amount) triple in a class-XP
// multicall batch. AmountWei is the wei-denominated amount; encoding
// rounds it up to whole XP.
type ClassExpGrant struct {
	AccountAddress string
	ClassKey       string
	AmountWei      *big.Int
}

// GrantExecutor resolves recipients and executes XP, item and character
// grants through the custodial Safe. All chain failures surface as
// explicit errors or FAILED statuses; nothing retries silently.
type GrantExecutor struct {
	directory  IdentityDirectory
	characters CharacterRegistry
	signer     SafeSigner
	pinner     MetadataPinner
	logger     *slog.Logger
}

func NewGrantExecutor(
	directory IdentityDirectory,
	characters CharacterRegistry,
	signer SafeSigner,
	pinner MetadataPinner,
	log *slog.Logger,
) *GrantExecutor {
	if log == nil {
		log = slog.Default()
	}
	return &GrantExecutor{
		directory:  directory,
		characters: characters,
		signer:     signer,
		pinner:     pinner,
		logger:     log.With(loggerNameKey, "grant_executor"),
	}
}

// wholeXPToWei converts a whole-XP amount to its wei representation.
func wholeXPToWei(amount int64) *big.Int {
	return big.NewInt(0).Mul(big.NewInt(amount), weiPerXP)
}

// ResolveRecipients partitions Discord tags into resolved player
// addresses and directory misses.
func (e *GrantExecutor) ResolveRecipients(
	ctx context.Context,
	tags []string,
) (map[string]string, []string, error) {
	return e.directory.ResolveAddressesByTags(ctx, dedupeStrings(tags))
}

// ExecuteFlatTip drops flat XP on every resolvable recipient in one
// batched Safe transaction. Recipients who can't be resolved to an
// address or a character account are reported in the partition, not
// treated as errors; the grant proceeds for the rest.
func (e *GrantExecutor) ExecuteFlatTip(
	ctx context.Context,
	game GameConfig,
	tags []string,
	amount int64,
) (*TipReport, error) {
	log := contextLoggerOrDefault(ctx, e.logger)

	addressByTag, missingTags, err := e.ResolveRecipients(ctx, tags)
	if err != nil {
		return nil, fmt.Errorf("resolving recipient addresses: %w", err)
	}

	addresses := make([]string, 0, len(addressByTag))
	tagByAddress := make(map[string]string, len(addressByTag))
	for tag, addr := range addressByTag {
		addresses = append(addresses, addr)
		tagByAddress[addr] = tag
	}

	report := &TipReport{
		Partition: TipPartition{MissingAddress: missingTags},
	}
	if len(addresses) == 0 {
		return report, nil
	}

	accountByAddress, missingAddresses, err := e.characters.ResolveAccountsByAddresses(
		ctx, game, addresses,
	)
	if err != nil {
		return nil, fmt.Errorf("resolving character accounts: %w", err)
	}
	for _, addr := range missingAddresses {
		report.Partition.MissingAccount = append(
			report.Partition.MissingAccount, tagByAddress[addr],
		)
	}

	if len(accountByAddress) == 0 {
		return report, nil
	}

	txs := make([]MetaTransaction, 0, len(accountByAddress))
	accountByTag := make(map[string]string, len(accountByAddress))
	for addr, account := range accountByAddress {
		data, encErr := encodeDropExp(account, wholeXPToWei(amount))
		if encErr != nil {
			return nil, fmt.Errorf("encoding XP drop: %w", encErr)
		}
		txs = append(
			txs, MetaTransaction{
				To:    common.HexToAddress(game.XPAddress),
				Value: big.NewInt(0),
				Data:  data,
			},
		)
		accountByTag[tagByAddress[addr]] = account
		report.Partition.Tipped = append(report.Partition.Tipped, tagByAddress[addr])
	}
	report.AccountByTag = accountByTag

	txHash, err := e.signer.SubmitBatch(ctx, game, txs)
	if err != nil {
		// Submission failure before broadcast: full-batch failure,
		// nothing persists as pending.
		return nil, fmt.Errorf("submitting tip batch: %w", err)
	}
	report.TxHash = txHash
	report.ExplorerURL = game.ExplorerTxURL(txHash)
	report.Status = TxStatusPending

	status, err := e.signer.AwaitReceipt(ctx, game, txHash)
	if err != nil {
		log.ErrorContext(
			ctx, "tip receipt wait failed",
			"tx_hash", txHash,
			tint.Err(err),
		)
		return report, fmt.Errorf("awaiting tip receipt: %w", err)
	}
	report.Status = status
	return report, nil
}

// Sentinel errors for single-recipient resolution.
var (
	ErrNoMemberAddress    = errors.New("recipient has no verified member address")
	ErrNoCharacterAccount = errors.New("recipient has no character in this game")
)

// ResolveAccount resolves a single Discord tag to its character account
// in the given game. Misses come back as ErrNoMemberAddress or
// ErrNoCharacterAccount so commands can tell the requester which step
// failed.
func (e *GrantExecutor) ResolveAccount(
	ctx context.Context,
	game GameConfig,
	tag string,
) (string, error) {
	addressByTag, _, err := e.directory.ResolveAddressesByTags(ctx, []string{tag})
	if err != nil {
		return "", fmt.Errorf("resolving recipient address: %w", err)
	}
	address, ok := addressByTag[tag]
	if !ok {
		return "", ErrNoMemberAddress
	}
	accountByAddress, _, err := e.characters.ResolveAccountsByAddresses(
		ctx, game, []string{address},
	)
	if err != nil {
		return "", fmt.Errorf("resolving character account: %w", err)
	}
	account, ok := accountByAddress[address]
	if !ok {
		return "", ErrNoCharacterAccount
	}
	return account, nil
}

// ExecuteXpTip drops flat XP on a single, already-resolved character
// account.
func (e *GrantExecutor) ExecuteXpTip(
	ctx context.Context,
	game GameConfig,
	accountAddress string,
	amount int64,
) (*TipReport, error) {
	data, err := encodeDropExp(accountAddress, wholeXPToWei(amount))
	if err != nil {
		return nil, fmt.Errorf("encoding XP drop: %w", err)
	}
	txs := []MetaTransaction{
		{
			To:    common.HexToAddress(game.XPAddress),
			Value: big.NewInt(0),
			Data:  data,
		},
	}
	txHash, err := e.signer.SubmitBatch(ctx, game, txs)
	if err != nil {
		return nil, fmt.Errorf("submitting XP tip: %w", err)
	}
	report := &TipReport{
		TxHash:      txHash,
		Status:      TxStatusPending,
		ExplorerURL: game.ExplorerTxURL(txHash),
	}
	status, err := e.signer.AwaitReceipt(ctx, game, txHash)
	if err != nil {
		return report, fmt.Errorf("awaiting XP tip receipt: %w", err)
	}
	report.Status = status
	return report, nil
}

// ExecuteClassTip grants class XP to a single character account.
func (e *GrantExecutor) ExecuteClassTip(
	ctx context.Context,
	game GameConfig,
	accountAddress string,
	classID uint64,
	amount int64,
) (*TipReport, error) {
	data, err := encodeGiveClassExp(accountAddress, classID, wholeXPToWei(amount))
	if err != nil {
		return nil, fmt.Errorf("encoding class XP grant: %w", err)
	}
	txs := []MetaTransaction{
		{
			To:    common.HexToAddress(game.ClassesAddress),
			Value: big.NewInt(0),
			Data:  data,
		},
	}
	txHash, err := e.signer.SubmitBatch(ctx, game, txs)
	if err != nil {
		return nil, fmt.Errorf("submitting class XP grant: %w", err)
	}
	report := &TipReport{
		TxHash:      txHash,
		Status:      TxStatusPending,
		ExplorerURL: game.ExplorerTxURL(txHash),
	}
	status, err := e.signer.AwaitReceipt(ctx, game, txHash)
	if err != nil {
		return report, fmt.Errorf("awaiting class XP receipt: %w", err)
	}
	report.Status = status
	return report, nil
}

// ExecuteClassExpBatch grants class XP to many accounts in one multicall
// batch, for the invoice pipeline. Amounts are converted from wei to
// rounded-up whole XP at encoding time.
func (e *GrantExecutor) ExecuteClassExpBatch(
	ctx context.Context,
	game GameConfig,
	grants []ClassExpGrant,
) (string, error) {
	txs := make([]MetaTransaction, 0, len(grants))
	for _, g := range grants {
		classID, ok := classKeyToID[g.ClassKey]
		if !ok {
			return "", fmt.Errorf("unknown class key %q", g.ClassKey)
		}
		data, err := encodeGiveClassExp(
			g.AccountAddress,
			classID,
			wholeXPToWei(weiToWholeXP(g.AmountWei)),
		)
		if err != nil {
			return "", fmt.Errorf("encoding class XP grant: %w", err)
		}
		txs = append(
			txs, MetaTransaction{
				To:    common.HexToAddress(game.ClassesAddress),
				Value: big.NewInt(0),
				Data:  data,
			},
		)
	}
	return e.signer.SubmitBatch(ctx, game, txs)
}

// ExecuteAttendanceBadges drops one attendance badge on each character
// account via a single dropLoot call.
func (e *GrantExecutor) ExecuteAttendanceBadges(
	ctx context.Context,
	game GameConfig,
	accountAddresses []string,
) (*TipReport, error) {
	itemIDs := make([][]*big.Int, len(accountAddresses))
	amounts := make([][]*big.Int, len(accountAddresses))
	for i := range accountAddresses {
		itemIDs[i] = []*big.Int{big.NewInt(0).SetUint64(game.AttendanceBadgeID)}
		amounts[i] = []*big.Int{big.NewInt(1)}
	}
	data, err := encodeDropLoot(accountAddresses, itemIDs, amounts)
	if err != nil {
		return nil, fmt.Errorf("encoding badge drop: %w", err)
	}
	txs := []MetaTransaction{
		{
			To:    common.HexToAddress(game.ItemsAddress),
			Value: big.NewInt(0),
			Data:  data,
		},
	}
	txHash, err := e.signer.SubmitBatch(ctx, game, txs)
	if err != nil {
		return nil, fmt.Errorf("submitting badge drop: %w", err)
	}
	report := &TipReport{
		TxHash:      txHash,
		Status:      TxStatusPending,
		ExplorerURL: game.ExplorerTxURL(txHash),
	}
	status, err := e.signer.AwaitReceipt(ctx, game, txHash)
	if err != nil {
		return report, fmt.Errorf("awaiting badge drop receipt: %w", err)
	}
	report.Status = status
	return report, nil
}

// ExecuteBadgeTip resolves the given Discord tags and drops one
// attendance badge on every resolvable recipient, with the same
// partition reporting as ExecuteFlatTip.
func (e *GrantExecutor) ExecuteBadgeTip(
	ctx context.Context,
	game GameConfig,
	tags []string,
) (*TipReport, error) {
	addressByTag, missingTags, err := e.ResolveRecipients(ctx, tags)
	if err != nil {
		return nil, fmt.Errorf("resolving recipient addresses: %w", err)
	}

	addresses := make([]string, 0, len(addressByTag))
	tagByAddress := make(map[string]string, len(addressByTag))
	for tag, addr := range addressByTag {
		addresses = append(addresses, addr)
		tagByAddress[addr] = tag
	}

	report := &TipReport{
		Partition: TipPartition{MissingAddress: missingTags},
	}
	if len(addresses) == 0 {
		return report, nil
	}

	accountByAddress, missingAddresses, err := e.characters.ResolveAccountsByAddresses(
		ctx, game, addresses,
	)
	if err != nil {
		return nil, fmt.Errorf("resolving character accounts: %w", err)
	}
	for _, addr := range missingAddresses {
		report.Partition.MissingAccount = append(
			report.Partition.MissingAccount, tagByAddress[addr],
		)
	}
	if len(accountByAddress) == 0 {
		return report, nil
	}

	accounts := make([]string, 0, len(accountByAddress))
	accountByTag := make(map[string]string, len(accountByAddress))
	for addr, account := range accountByAddress {
		accounts = append(accounts, account)
		accountByTag[tagByAddress[addr]] = account
		report.Partition.Tipped = append(report.Partition.Tipped, tagByAddress[addr])
	}
	report.AccountByTag = accountByTag

	badgeReport, err := e.ExecuteAttendanceBadges(ctx, game, accounts)
	if badgeReport != nil {
		report.TxHash = badgeReport.TxHash
		report.Status = badgeReport.Status
		report.ExplorerURL = badgeReport.ExplorerURL
	}
	if err != nil {
		return report, err
	}
	return report, nil
}

// RollCharacterSheets provisions character accounts for players who have
// none, pinning placeholder metadata per character. Blocking: the caller
// must wait for the returned transaction before re-resolving accounts.
func (e *GrantExecutor) RollCharacterSheets(
	ctx context.Context,
	game GameConfig,
	seeds []CharacterSeed,
) (string, error) {
	txs := make([]MetaTransaction, 0, len(seeds))
	for _, seed := range seeds {
		metadata := map[string]string{
			"name":        seed.DiscordTag,
			"description": "(no bio)",
			"image":       fmt.Sprintf("ipfs://%s", DefaultCharacterImageCID),
		}
		cid, err := e.pinner.PinJSON(ctx, "characterMetadata.json", metadata)
		if err != nil {
			return "", fmt.Errorf(
				"pinning character metadata for %s: %w", seed.DiscordTag, err,
			)
		}
		data, err := encodeRollCharacterSheet(seed.PlayerAddress, cid)
		if err != nil {
			return "", fmt.Errorf("encoding character roll: %w", err)
		}
		txs = append(
			txs, MetaTransaction{
				To:    game.Game(),
				Value: big.NewInt(0),
				Data:  data,
			},
		)
	}
	txHash, err := e.signer.SubmitBatch(ctx, game, txs)
	if err != nil {
		return "", fmt.Errorf("submitting character rolls: %w", err)
	}
	status, err := e.signer.AwaitReceipt(ctx, game, txHash)
	if err != nil {
		return txHash, fmt.Errorf("awaiting character roll receipt: %w", err)
	}
	if status != TxStatusSuccess {
		return txHash, fmt.Errorf("character roll transaction reverted: %s", txHash)
	}
	return txHash, nil
}

// ReceiptStatus re-checks a previously submitted transaction, for
// reconciling PENDING audit records.
func (e *GrantExecutor) ReceiptStatus(
	ctx context.Context,
	game GameConfig,
	txHash string,
) (TxStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return e.signer.AwaitReceipt(ctx, game, txHash)
}
