package dungeonmaster

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// InvoiceXpDistribution column names
const (
	columnDistributionTxHash = "transaction_hash"
	columnDistributionStatus = "transaction_status"
)

// unattributedWarning is posted (once per raid channel) when recipients
// are dropped from a payout because no class could be attributed.
const unattributedWarning = "WARNING: Some players did not receive XP " +
	"for this raid. Ensure to keep all data up-to-date in DungeonMaster, " +
	"then sync invoices again."

// InvoiceXpDistribution is the audit record for one (invoice, player) XP
// increment: written on every grant attempt regardless of outcome, and
// the input to pending-reconciliation and owed computation on the next
// sync run.
type InvoiceXpDistribution struct {
	ModelUintID
	ModelUnixTime

	InvoiceAddress string `gorm:"index" json:"invoice_address"`
	PlayerAddress  string `gorm:"index" json:"player_address"`
	AccountAddress string `json:"account_address"`
	DiscordTag     string `json:"discord_tag"`
	ClassKey       string `json:"class_key"`

	// Amount is the owed increment in wei, as a base-10 big-integer
	// string. Never floating point.
	Amount string `json:"amount"`

	TransactionHash   string   `json:"transaction_hash"`
	TransactionStatus TxStatus `gorm:"index" json:"transaction_status"`

	ChainID uint64 `json:"chain_id"`
	GameID  string `json:"game_id"`
}

// AmountWei parses the stored amount. Malformed amounts read as zero.
func (d *InvoiceXpDistribution) AmountWei() *big.Int {
	amount, ok := big.NewInt(0).SetString(d.Amount, 10)
	if !ok {
		return big.NewInt(0)
	}
	return amount
}

// InvoiceSnapshot is the legacy invoice-sync record, superseded by
// InvoiceXpDistribution. Kept readable for migration; nothing writes it.
type InvoiceSnapshot struct {
	ModelUintID
	ModelUnixTime

	Address                string `gorm:"index" json:"address"`
	Amount                 string `json:"amount"`
	ProviderReceiver       string `json:"provider_receiver"`
	PrimarySplitID         string `json:"primary_split_id"`
	SecondarySplitID       string `json:"secondary_split_id"`
	PrimarySplitRecipients string `json:"primary_split_recipients"`
}

// SyncOutcome is the terminal state of one pipeline run.
type SyncOutcome string

const (
	// SyncOutcomeNothingToSync: a discovery or filter stage produced
	// zero rows. Not an error.
	SyncOutcomeNothingToSync SyncOutcome = "nothing_to_sync"
	// SyncOutcomeCompleted: the grant landed and audit records persisted.
	SyncOutcomeCompleted SyncOutcome = "completed"
	// SyncOutcomeGrantFailed: the class-XP transaction reverted; FAILED
	// audit records persisted with the hash for manual inspection.
	SyncOutcomeGrantFailed SyncOutcome = "grant_failed"
)

// SyncResult summarizes one pipeline run for display and the status API.
type SyncResult struct {
	Outcome SyncOutcome `json:"outcome"`

	InvoicesDiscovered     int `json:"invoices_discovered"`
	InvoicesWithPrimary    int `json:"invoices_with_primary_split"`
	InvoicesWithSecondary  int `json:"invoices_with_secondary_split"`
	PendingReconciled      int `json:"pending_reconciled"`
	NewDistributions       int `json:"new_distributions"`
	UnattributedRecipients int `json:"unattributed_recipients"`
	CharactersRolled       int `json:"characters_rolled"`

	CharacterRollTxHash string   `json:"character_roll_tx_hash,omitempty"`
	GrantTxHash         string   `json:"grant_tx_hash,omitempty"`
	GrantStatus         TxStatus `json:"grant_status,omitempty"`
	ExplorerURL         string   `json:"explorer_url,omitempty"`
}

func (r *SyncResult) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("outcome", string(r.Outcome)),
		slog.Int("invoices_discovered", r.InvoicesDiscovered),
		slog.Int("invoices_with_secondary_split", r.InvoicesWithSecondary),
		slog.Int("pending_reconciled", r.PendingReconciled),
		slog.Int("new_distributions", r.NewDistributions),
		slog.String("grant_tx_hash", r.GrantTxHash),
	)
}

// RaidDirectory is the roster-lookup surface of the membership
// directory used by the pipeline.
type RaidDirectory interface {
	RaidRosters(ctx context.Context, invoiceAddresses []string) (
		map[string]*RaidRoster,
		error,
	)
}

// ChannelNotifier posts best-effort messages to Discord channels.
type ChannelNotifier interface {
	NotifyChannel(ctx context.Context, channelID string, content string) error
}

// invoiceWithSplits is the ephemeral stage-2/3 view: an invoice joined
// with its resolved primary and secondary splits. Never persisted.
type invoiceWithSplits struct {
	Invoice
	primarySplit   *Split
	secondarySplit *Split
}

// Syncer drives the invoice reconciliation pipeline: strictly ordered
// stages, each a filter/transform over the previous stage's output, each
// short-circuiting the run when its output is empty.
type Syncer struct {
	db        DBI
	invoices  InvoiceRegistry
	splits    SplitRegistry
	directory RaidDirectory
	executor  *GrantExecutor
	notifier  ChannelNotifier
	cfg       *InvoiceConfig
	games     map[GameKey]GameConfig
	logger    *slog.Logger
}

func NewSyncer(
	db DBI,
	invoices InvoiceRegistry,
	splits SplitRegistry,
	directory RaidDirectory,
	executor *GrantExecutor,
	notifier ChannelNotifier,
	cfg *InvoiceConfig,
	games map[GameKey]GameConfig,
	log *slog.Logger,
) *Syncer {
	if log == nil {
		log = slog.Default()
	}
	return &Syncer{
		db:        db,
		invoices:  invoices,
		splits:    splits,
		directory: directory,
		executor:  executor,
		notifier:  notifier,
		cfg:       cfg,
		games:     games,
		logger:    log.With(loggerNameKey, "invoice_sync"),
	}
}

// Sync runs the full pipeline for one game. Returns a SyncResult for
// every terminal state that isn't an infrastructure error; errors are
// reserved for collaborator failures that abort the run.
func (s *Syncer) Sync(
	ctx context.Context,
	gameKey GameKey,
) (*SyncResult, error) {
	game, ok := s.games[gameKey]
	if !ok {
		return nil, fmt.Errorf("unknown game %q", gameKey)
	}
	result := &SyncResult{}

	// Stage 1: discover invoices where the DAO is the provider.
	discovered, err := s.invoices.ListInvoicesByProvider(ctx, s.cfg.DAOAddress)
	if err != nil {
		return nil, fmt.Errorf("discovering invoices: %w", err)
	}
	result.InvoicesDiscovered = len(discovered)
	if len(discovered) == 0 {
		result.Outcome = SyncOutcomeNothingToSync
		return result, nil
	}

	// Stage 2: keep invoices whose payment receiver is itself a split.
	withPrimary, err := s.attachPrimarySplits(ctx, discovered)
	if err != nil {
		return nil, err
	}
	result.InvoicesWithPrimary = len(withPrimary)
	if len(withPrimary) == 0 {
		result.Outcome = SyncOutcomeNothingToSync
		return result, nil
	}

	// Stage 3: keep invoices with a nested secondary split — the actual
	// individual-contributor payout list.
	withSecondary, err := s.attachSecondarySplits(ctx, withPrimary)
	if err != nil {
		return nil, err
	}
	result.InvoicesWithSecondary = len(withSecondary)
	if len(withSecondary) == 0 {
		result.Outcome = SyncOutcomeNothingToSync
		return result, nil
	}

	invoiceAddresses := make([]string, 0, len(withSecondary))
	for _, inv := range withSecondary {
		invoiceAddresses = append(invoiceAddresses, inv.ID)
	}

	// Stage 4: reconcile previously recorded PENDING distributions
	// against the chain before computing anything new.
	existing, err := s.loadRecordedDistributions(ctx, invoiceAddresses)
	if err != nil {
		return nil, err
	}
	result.PendingReconciled, err = s.reconcilePending(ctx, game, existing)
	if err != nil {
		s.logger.WarnContext(
			ctx, "pending reconciliation incomplete", tint.Err(err),
		)
	}

	// Stage 5: owed = floor(total * ownership / denominator) minus
	// what's already recorded as SUCCESS or PENDING for the pair.
	drafts := s.computeOwed(withSecondary, existing, game, string(gameKey))
	if len(drafts) == 0 {
		result.Outcome = SyncOutcomeNothingToSync
		return result, nil
	}

	// Stage 6: attribute classes and Discord tags via the directory.
	drafts, unattributed, err := s.attributeClasses(ctx, drafts, invoiceAddresses)
	if err != nil {
		return nil, err
	}
	result.UnattributedRecipients = unattributed
	if len(drafts) == 0 {
		result.Outcome = SyncOutcomeNothingToSync
		return result, nil
	}

	// Stage 7: lazily provision character accounts, blocking on the
	// roll transaction before re-resolving.
	drafts, rolled, rollTxHash, err := s.provisionCharacters(ctx, game, drafts)
	if err != nil {
		return nil, err
	}
	result.CharactersRolled = rolled
	result.CharacterRollTxHash = rollTxHash
	if len(drafts) == 0 {
		result.Outcome = SyncOutcomeNothingToSync
		return result, nil
	}

	// Stage 8: one class-XP multicall for the whole batch.
	grants := make([]ClassExpGrant, 0, len(drafts))
	for _, draft := range drafts {
		grants = append(
			grants, ClassExpGrant{
				AccountAddress: draft.AccountAddress,
				ClassKey:       draft.ClassKey,
				AmountWei:      draft.AmountWei(),
			},
		)
	}
	txHash, err := s.executor.ExecuteClassExpBatch(ctx, game, grants)
	if err != nil {
		// Submission failure before broadcast: nothing persists as
		// pending, the whole run is retried manually.
		return nil, fmt.Errorf("submitting class XP batch: %w", err)
	}
	result.GrantTxHash = txHash
	result.ExplorerURL = game.ExplorerTxURL(txHash)

	status, err := s.executor.ReceiptStatus(ctx, game, txHash)
	if err != nil {
		s.logger.ErrorContext(
			ctx, "class XP receipt wait failed",
			"tx_hash", txHash,
			tint.Err(err),
		)
		status = TxStatusPending
	}
	result.GrantStatus = status

	// Stage 9: persist the audit trail regardless of outcome.
	for i := range drafts {
		drafts[i].TransactionHash = txHash
		drafts[i].TransactionStatus = status
	}
	if _, err = s.db.Create(ctx, &drafts); err != nil {
		return nil, fmt.Errorf("persisting distribution records: %w", err)
	}
	result.NewDistributions = len(drafts)

	if status == TxStatusFailed {
		result.Outcome = SyncOutcomeGrantFailed
	} else {
		result.Outcome = SyncOutcomeCompleted
	}
	s.logger.InfoContext(ctx, "invoice sync finished", "result", result)
	return result, nil
}

func (s *Syncer) attachPrimarySplits(
	ctx context.Context,
	invoices []Invoice,
) ([]invoiceWithSplits, error) {
	receivers := make([]string, 0, len(invoices))
	for _, inv := range invoices {
		receivers = append(receivers, inv.ProviderReceiver)
	}
	splits, err := s.splits.ResolveSplits(ctx, receivers)
	if err != nil {
		return nil, fmt.Errorf("resolving primary splits: %w", err)
	}

	var rv []invoiceWithSplits
	for _, inv := range invoices {
		split, found := splits[strings.ToLower(inv.ProviderReceiver)]
		if !found {
			continue
		}
		rv = append(rv, invoiceWithSplits{Invoice: inv, primarySplit: split})
	}
	return rv, nil
}

func (s *Syncer) attachSecondarySplits(
	ctx context.Context,
	invoices []invoiceWithSplits,
) ([]invoiceWithSplits, error) {
	var recipientAddresses []string
	for _, inv := range invoices {
		for _, recipient := range inv.primarySplit.Recipients {
			recipientAddresses = append(recipientAddresses, recipient.Address)
		}
	}
	splits, err := s.splits.ResolveSplits(ctx, recipientAddresses)
	if err != nil {
		return nil, fmt.Errorf("resolving secondary splits: %w", err)
	}

	var rv []invoiceWithSplits
	for _, inv := range invoices {
		for _, recipient := range inv.primarySplit.Recipients {
			if split, found := splits[strings.ToLower(recipient.Address)]; found {
				inv.secondarySplit = split
				rv = append(rv, inv)
				break
			}
		}
	}
	return rv, nil
}

// loadRecordedDistributions returns the SUCCESS and PENDING audit
// records for the given invoices. FAILED records are excluded: a failed
// grant never counts as distributed.
func (s *Syncer) loadRecordedDistributions(
	ctx context.Context,
	invoiceAddresses []string,
) ([]*InvoiceXpDistribution, error) {
	lowered := make([]string, 0, len(invoiceAddresses))
	for _, addr := range invoiceAddresses {
		lowered = append(lowered, strings.ToLower(addr))
	}
	var recorded []*InvoiceXpDistribution
	err := s.db.DB().WithContext(ctx).Where(
		"invoice_address IN ? AND transaction_status IN ?",
		lowered,
		[]TxStatus{TxStatusPending, TxStatusSuccess},
	).Find(&recorded).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("loading recorded distributions: %w", err)
	}
	return recorded, nil
}

// reconcilePending re-checks every PENDING distribution's transaction
// and flips it to SUCCESS or FAILED, persisting flips before any new
// owed amounts are computed. Distinct transactions are checked
// concurrently.
func (s *Syncer) reconcilePending(
	ctx context.Context,
	fallbackGame GameConfig,
	recorded []*InvoiceXpDistribution,
) (int, error) {
	type flip struct {
		distribution *InvoiceXpDistribution
		status       TxStatus
	}

	pending := make([]*InvoiceXpDistribution, 0)
	for _, dist := range recorded {
		if dist.TransactionStatus == TxStatusPending && dist.TransactionHash != "" {
			pending = append(pending, dist)
		}
	}
	if len(pending) == 0 {
		return 0, nil
	}

	flips := make([]flip, len(pending))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(4)
	for i, dist := range pending {
		i, dist := i, dist
		group.Go(
			func() error {
				game := s.gameForDistribution(dist, fallbackGame)
				status, err := s.executor.ReceiptStatus(
					groupCtx, game, dist.TransactionHash,
				)
				if err != nil {
					// Still unconfirmed; leave it PENDING.
					return nil
				}
				flips[i] = flip{distribution: dist, status: status}
				return nil
			},
		)
	}
	groupErr := group.Wait()

	reconciled := 0
	for _, f := range flips {
		if f.distribution == nil || f.status == TxStatusPending {
			continue
		}
		if _, err := s.db.Update(
			ctx, f.distribution, columnDistributionStatus, f.status,
		); err != nil {
			return reconciled, fmt.Errorf("persisting status flip: %w", err)
		}
		f.distribution.TransactionStatus = f.status
		reconciled++
	}
	return reconciled, groupErr
}

func (s *Syncer) gameForDistribution(
	dist *InvoiceXpDistribution,
	fallback GameConfig,
) GameConfig {
	if dist.GameID != "" {
		if game, ok := s.games[GameKey(dist.GameID)]; ok {
			return game
		}
	}
	for _, game := range s.games {
		if game.ChainID == dist.ChainID {
			return game
		}
	}
	return fallback
}

// computeOwed produces draft distributions for every (invoice,
// recipient) pair still owed a positive amount.
func (s *Syncer) computeOwed(
	invoices []invoiceWithSplits,
	recorded []*InvoiceXpDistribution,
	game GameConfig,
	gameID string,
) []InvoiceXpDistribution {
	distributedByPair := map[string]*big.Int{}
	for _, dist := range recorded {
		if dist.TransactionStatus == TxStatusFailed {
			continue
		}
		key := pairKey(dist.InvoiceAddress, dist.PlayerAddress)
		if distributedByPair[key] == nil {
			distributedByPair[key] = big.NewInt(0)
		}
		distributedByPair[key].Add(distributedByPair[key], dist.AmountWei())
	}

	var drafts []InvoiceXpDistribution
	for _, inv := range invoices {
		total := inv.TotalReleased()
		for _, recipient := range inv.secondarySplit.Recipients {
			owed := recipient.OwedFrom(total)
			if already := distributedByPair[pairKey(inv.ID, recipient.Address)]; already != nil {
				owed.Sub(owed, already)
			}
			if owed.Sign() <= 0 {
				continue
			}
			drafts = append(
				drafts, InvoiceXpDistribution{
					InvoiceAddress:    strings.ToLower(inv.ID),
					PlayerAddress:     strings.ToLower(recipient.Address),
					Amount:            owed.String(),
					TransactionStatus: TxStatusPending,
					ChainID:           game.ChainID,
					GameID:            gameID,
				},
			)
		}
	}
	return drafts
}

func pairKey(invoiceAddress, playerAddress string) string {
	return strings.ToLower(invoiceAddress) + ":" + strings.ToLower(playerAddress)
}

// attributeClasses joins drafts against raid rosters. Unattributable
// recipients are dropped from payout, with a one-time warning posted to
// each affected raid channel.
func (s *Syncer) attributeClasses(
	ctx context.Context,
	drafts []InvoiceXpDistribution,
	invoiceAddresses []string,
) ([]InvoiceXpDistribution, int, error) {
	rosters, err := s.directory.RaidRosters(ctx, invoiceAddresses)
	if err != nil {
		return nil, 0, fmt.Errorf("loading raid rosters: %w", err)
	}

	var attributed []InvoiceXpDistribution
	unattributed := 0
	warnChannels := map[string]struct{}{}
	for _, draft := range drafts {
		roster := rosters[draft.InvoiceAddress]
		if roster == nil {
			unattributed++
			continue
		}
		classKey := roster.ClassKeyFor(draft.PlayerAddress)
		if classKey == "" {
			unattributed++
			if roster.ChannelID != "" {
				warnChannels[roster.ChannelID] = struct{}{}
			}
			continue
		}
		draft.ClassKey = classKey
		draft.DiscordTag = roster.DiscordTagByAddress[draft.PlayerAddress]
		attributed = append(attributed, draft)
	}

	for channelID := range warnChannels {
		if notifyErr := s.notifier.NotifyChannel(
			ctx, channelID, unattributedWarning,
		); notifyErr != nil {
			s.logger.WarnContext(
				ctx, "failed to post unattributed warning",
				"channel_id", channelID,
				tint.Err(notifyErr),
			)
		}
	}
	return attributed, unattributed, nil
}

// provisionCharacters fills in account addresses, rolling new character
// sheets for players without one. The roll blocks until confirmed, then
// accounts are re-resolved; players still missing an account after that
// are dropped from this run.
func (s *Syncer) provisionCharacters(
	ctx context.Context,
	game GameConfig,
	drafts []InvoiceXpDistribution,
) ([]InvoiceXpDistribution, int, string, error) {
	players := make([]string, 0, len(drafts))
	for _, draft := range drafts {
		players = append(players, draft.PlayerAddress)
	}
	players = dedupeStrings(players)

	accountByAddress, missing, err := s.executor.characters.ResolveAccountsByAddresses(
		ctx, game, players,
	)
	if err != nil {
		return nil, 0, "", fmt.Errorf("resolving character accounts: %w", err)
	}

	rollTxHash := ""
	if len(missing) > 0 {
		tagByAddress := map[string]string{}
		for _, draft := range drafts {
			tagByAddress[draft.PlayerAddress] = draft.DiscordTag
		}
		seeds := make([]CharacterSeed, 0, len(missing))
		for _, addr := range missing {
			seeds = append(
				seeds, CharacterSeed{
					PlayerAddress: addr,
					DiscordTag:    tagByAddress[addr],
				},
			)
		}
		rollTxHash, err = s.executor.RollCharacterSheets(ctx, game, seeds)
		if err != nil {
			return nil, 0, rollTxHash, fmt.Errorf(
				"rolling character sheets: %w", err,
			)
		}

		accountByAddress, _, err = s.executor.characters.ResolveAccountsByAddresses(
			ctx, game, players,
		)
		if err != nil {
			return nil, 0, rollTxHash, fmt.Errorf(
				"re-resolving character accounts: %w", err,
			)
		}
	}

	var provisioned []InvoiceXpDistribution
	for _, draft := range drafts {
		account := accountByAddress[draft.PlayerAddress]
		if account == "" {
			continue
		}
		draft.AccountAddress = account
		provisioned = append(provisioned, draft)
	}
	return provisioned, len(missing), rollTxHash, nil
}
