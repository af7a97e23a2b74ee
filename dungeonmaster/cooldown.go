package dungeonmaster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

// TipCooldown column names
const (
	columnTipCooldownCollection  = "collection"
	columnTipCooldownSenderID    = "sender_id"
	columnTipCooldownGameAddress = "game_address"
	columnTipCooldownEnds        = "cooldown_ends"
	columnTipCooldownMessageID   = "message_id"
	columnTipCooldownChannelID   = "channel_id"
	columnTipCooldownExpires     = "proposal_expires"
	columnTipCooldownPending     = "tip_pending"
	columnTipCooldownTxHash      = "tx_hash"
)

// CooldownScope identifies the single rotating TipCooldown record for a
// command. Collection names the command family, GameAddress scopes it to
// one game instance, and SenderID is set only for per-sender cooldowns
// (props); global cooldowns leave it empty.
type CooldownScope struct {
	Collection  string
	SenderID    string
	GameAddress string
}

func (s CooldownScope) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("collection", s.Collection),
		slog.String("sender_id", s.SenderID),
		slog.String("game_address", s.GameAddress),
	)
}

// TipCooldown is the rotating cooldown/proposal record: exactly one row
// per scope, overwritten in place on each new grant or proposal rather
// than accumulating history.
//
// Proposal state is encoded by two fields: a row with an empty TxHash and
// a future ProposalExpires is an active proposal; a non-empty TxHash
// means the most recent grant resolved. TipPending marks an in-flight
// completion and is the claim flag for the quorum race.
type TipCooldown struct {
	ModelUintID
	ModelUnixTime

	Collection  string `gorm:"uniqueIndex:idx_tip_scope;not null" json:"collection"`
	SenderID    string `gorm:"uniqueIndex:idx_tip_scope" json:"sender_id"`
	GameAddress string `gorm:"uniqueIndex:idx_tip_scope" json:"game_address"`

	// CooldownEnds is the Unix-milli time at which the scope becomes
	// eligible again. Only advanced on successful grants.
	CooldownEnds int64 `json:"cooldown_ends"`

	// MessageID is the announcement message reactions are counted on.
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id"`

	// ProposalExpires is the Unix-milli end of the reaction window.
	ProposalExpires int64 `json:"proposal_expires"`

	// TipPending is set (atomically) by the completion winner before any
	// chain submission happens.
	TipPending bool `json:"tip_pending"`

	// TxHash of the resolving transaction. Empty until resolved.
	TxHash string `json:"tx_hash"`

	// Proposal payload, carried so quorum completion doesn't depend on
	// the original interaction still being around.
	RecipientID      string `json:"recipient_id"`
	RecipientAddress string `json:"recipient_address"`
	Amount           int64  `json:"amount"`
	Reason           string `json:"reason"`
}

// ActiveProposalAt reports whether the record represents a proposal still
// accepting reactions at time t.
func (tc *TipCooldown) ActiveProposalAt(t time.Time) bool {
	return tc.TxHash == "" && tc.ProposalExpires > t.UnixMilli()
}

// OnCooldownAt reports whether the scope's cooldown window covers time t.
func (tc *TipCooldown) OnCooldownAt(t time.Time) bool {
	return tc.CooldownEnds > t.UnixMilli()
}

func (tc *TipCooldown) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(tc.ID)),
		slog.String("collection", tc.Collection),
		slog.String("sender_id", tc.SenderID),
		slog.String("game_address", tc.GameAddress),
		slog.Int64("cooldown_ends", tc.CooldownEnds),
		slog.String("message_id", tc.MessageID),
		slog.Int64("proposal_expires", tc.ProposalExpires),
		slog.Bool("tip_pending", tc.TipPending),
		slog.String("tx_hash", tc.TxHash),
	)
}

// CooldownStore reads and rotates TipCooldown records.
type CooldownStore struct {
	db     DBI
	logger *slog.Logger
}

func NewCooldownStore(db DBI, log *slog.Logger) *CooldownStore {
	if log == nil {
		log = slog.Default()
	}
	return &CooldownStore{
		db:     db,
		logger: log.With(loggerNameKey, "cooldown_store"),
	}
}

// Get returns the rotating record for the scope, or nil if the scope has
// never been used.
func (s *CooldownStore) Get(
	ctx context.Context,
	scope CooldownScope,
) (*TipCooldown, error) {
	var rec TipCooldown
	err := s.db.DB().WithContext(ctx).Where(
		&TipCooldown{
			Collection:  scope.Collection,
			SenderID:    scope.SenderID,
			GameAddress: scope.GameAddress,
		},
	).Last(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading cooldown record: %w", err)
	}
	return &rec, nil
}

// StartProposal rotates the scope's record into a fresh active proposal.
// The record is persisted before the proposal is announced; AttachMessage
// fills in the announcement message ID afterward.
func (s *CooldownStore) StartProposal(
	ctx context.Context,
	scope CooldownScope,
	proposal TipCooldown,
	window time.Duration,
) (*TipCooldown, error) {
	existing, err := s.Get(ctx, scope)
	if err != nil {
		return nil, err
	}

	rec := proposal
	rec.Collection = scope.Collection
	rec.SenderID = scope.SenderID
	rec.GameAddress = scope.GameAddress
	rec.ProposalExpires = time.Now().Add(window).UnixMilli()
	rec.TipPending = false
	rec.TxHash = ""
	rec.MessageID = ""

	if existing != nil {
		rec.ModelUintID = existing.ModelUintID
		rec.ModelUnixTime = existing.ModelUnixTime
		// Keep the prior cooldown until this proposal resolves.
		rec.CooldownEnds = existing.CooldownEnds
		if _, err = s.db.Save(ctx, &rec); err != nil {
			return nil, fmt.Errorf("rotating proposal record: %w", err)
		}
		return &rec, nil
	}

	if _, err = s.db.Create(ctx, &rec); err != nil {
		return nil, fmt.Errorf("creating proposal record: %w", err)
	}
	return &rec, nil
}

// AttachMessage stores the announcement message ID on an active proposal.
func (s *CooldownStore) AttachMessage(
	ctx context.Context,
	rec *TipCooldown,
	channelID string,
	messageID string,
) error {
	rec.ChannelID = channelID
	rec.MessageID = messageID
	_, err := s.db.Updates(
		ctx, rec, map[string]any{
			columnTipCooldownChannelID: channelID,
			columnTipCooldownMessageID: messageID,
		},
	)
	if err != nil {
		return fmt.Errorf("attaching proposal message: %w", err)
	}
	return nil
}

// ClaimPending attempts to mark the proposal as in-flight. The update is
// conditional on the row still being unclaimed and unresolved, so under
// concurrent completion attempts exactly one caller sees true.
func (s *CooldownStore) ClaimPending(
	ctx context.Context,
	rec *TipCooldown,
) (bool, error) {
	rows, err := s.db.UpdatesWhere(
		ctx,
		&TipCooldown{},
		map[string]any{columnTipCooldownPending: true},
		"id = ? AND tip_pending = ? AND tx_hash = ?",
		rec.ID, false, "",
	)
	if err != nil {
		return false, fmt.Errorf("claiming proposal: %w", err)
	}
	if rows == 0 {
		return false, nil
	}
	rec.TipPending = true
	return true, nil
}

// Resolve records the grant transaction and starts the next cooldown
// window. The proposal row stays in place until the next rotation.
func (s *CooldownStore) Resolve(
	ctx context.Context,
	rec *TipCooldown,
	txHash string,
	cooldownWindow time.Duration,
) error {
	if txHash == "" {
		return errors.New("resolve requires a transaction hash")
	}
	cooldownEnds := time.Now().Add(cooldownWindow).UnixMilli()
	_, err := s.db.Updates(
		ctx, rec, map[string]any{
			columnTipCooldownTxHash:  txHash,
			columnTipCooldownEnds:    cooldownEnds,
			columnTipCooldownPending: false,
		},
	)
	if err != nil {
		return fmt.Errorf("resolving proposal: %w", err)
	}
	rec.TxHash = txHash
	rec.CooldownEnds = cooldownEnds
	rec.TipPending = false
	return nil
}

// Abort releases a claimed proposal after a failed grant, so a retry (or
// the steward) can complete it while the window is still open. The
// cooldown is not advanced.
func (s *CooldownStore) Abort(ctx context.Context, rec *TipCooldown) error {
	_, err := s.db.Update(ctx, rec, columnTipCooldownPending, false)
	if err != nil {
		return fmt.Errorf("releasing proposal claim: %w", err)
	}
	rec.TipPending = false
	return nil
}

// RecordGrant rotates the scope's record directly into a resolved state,
// for commands that grant without a proposal round (attendance tips,
// attendance records, props).
func (s *CooldownStore) RecordGrant(
	ctx context.Context,
	scope CooldownScope,
	txHash string,
	cooldownWindow time.Duration,
) (*TipCooldown, error) {
	existing, err := s.Get(ctx, scope)
	if err != nil {
		return nil, err
	}

	rec := TipCooldown{
		Collection:   scope.Collection,
		SenderID:     scope.SenderID,
		GameAddress:  scope.GameAddress,
		CooldownEnds: time.Now().Add(cooldownWindow).UnixMilli(),
		TxHash:       txHash,
	}
	if existing != nil {
		rec.ModelUintID = existing.ModelUintID
		rec.ModelUnixTime = existing.ModelUnixTime
		if _, err = s.db.Save(ctx, &rec); err != nil {
			return nil, fmt.Errorf("rotating cooldown record: %w", err)
		}
		return &rec, nil
	}
	if _, err = s.db.Create(ctx, &rec); err != nil {
		return nil, fmt.Errorf("creating cooldown record: %w", err)
	}
	return &rec, nil
}

// FindProposalByMessage returns the active-or-recent proposal announced
// with the given message, or nil when the message isn't a proposal
// announcement.
func (s *CooldownStore) FindProposalByMessage(
	ctx context.Context,
	channelID string,
	messageID string,
) (*TipCooldown, error) {
	var rec TipCooldown
	err := s.db.DB().WithContext(ctx).Where(
		"channel_id = ? AND message_id = ?", channelID, messageID,
	).Last(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading proposal by message: %w", err)
	}
	return &rec, nil
}
