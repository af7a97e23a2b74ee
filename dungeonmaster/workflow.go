package dungeonmaster

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
)

// EligibilityReason is the user-visible reason a grant request was
// rejected before any chain interaction.
type EligibilityReason string

const (
	ReasonCooldown              EligibilityReason = "COOLDOWN"
	ReasonActiveProposal        EligibilityReason = "ACTIVE_PROPOSAL"
	ReasonInsufficientAttendees EligibilityReason = "INSUFFICIENT_ATTENDEES"
	ReasonNotAMember            EligibilityReason = "NOT_A_MEMBER"
	ReasonInvalidRecipients     EligibilityReason = "INVALID_RECIPIENTS"
	ReasonNotAuthorized         EligibilityReason = "NOT_AUTHORIZED"
)

// Eligibility is the outcome of checking a grant request against the
// scope's rotating cooldown/proposal record.
type Eligibility struct {
	Eligible bool              `json:"eligible"`
	Reason   EligibilityReason `json:"reason,omitempty"`

	// CooldownEnds is set when Reason is COOLDOWN.
	CooldownEnds time.Time `json:"cooldown_ends,omitempty"`

	// Proposal is the blocking active proposal when Reason is
	// ACTIVE_PROPOSAL; its expiration is surfaced to the requester.
	Proposal *TipCooldown `json:"proposal,omitempty"`
}

// CompletionOutcome describes how a proposal completion attempt ended.
type CompletionOutcome string

const (
	// OutcomeGranted: this caller won the claim and the grant resolved.
	OutcomeGranted CompletionOutcome = "granted"
	// OutcomeLostRace: another completion attempt claimed the proposal
	// first. A normal, silent no-op.
	OutcomeLostRace CompletionOutcome = "lost_race"
	// OutcomeAlreadyResolved: the proposal already has a transaction hash.
	OutcomeAlreadyResolved CompletionOutcome = "already_resolved"
	// OutcomeExpired: the reaction window closed before completion.
	OutcomeExpired CompletionOutcome = "expired"
	// OutcomeFailed: this caller won the claim but the grant failed; the
	// claim was released for a manual retry.
	OutcomeFailed CompletionOutcome = "failed"
)

// GrantWorkflow is the parameterized proposal/cooldown engine shared by
// every tip command. Commands differ only in their CooldownScope, amount
// and quorum requirements; the lifecycle rules live here once.
type GrantWorkflow struct {
	store  *CooldownStore
	grants *GrantConfig
	logger *slog.Logger

	// nowFn is swappable in tests
	nowFn func() time.Time
}

func NewGrantWorkflow(
	store *CooldownStore,
	grants *GrantConfig,
	log *slog.Logger,
) *GrantWorkflow {
	if log == nil {
		log = slog.Default()
	}
	return &GrantWorkflow{
		store:  store,
		grants: grants,
		logger: log.With(loggerNameKey, "grant_workflow"),
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// CheckEligibility decides whether a new grant or proposal may start in
// the given scope. Order matters: an active proposal blocks before the
// cooldown is consulted, and a lapsed proposal is abandoned in place.
func (w *GrantWorkflow) CheckEligibility(
	ctx context.Context,
	scope CooldownScope,
) (Eligibility, error) {
	rec, err := w.store.Get(ctx, scope)
	if err != nil {
		return Eligibility{}, err
	}
	if rec == nil {
		return Eligibility{Eligible: true}, nil
	}

	now := w.nowFn()
	if rec.TxHash == "" && rec.ProposalExpires > 0 {
		if rec.ProposalExpires > now.UnixMilli() {
			return Eligibility{
				Reason:   ReasonActiveProposal,
				Proposal: rec,
			}, nil
		}
		// Prior proposal lapsed without quorum. Abandoned in place; the
		// next proposal rotates over it.
		return Eligibility{Eligible: true}, nil
	}

	if rec.OnCooldownAt(now) {
		return Eligibility{
			Reason:       ReasonCooldown,
			CooldownEnds: time.UnixMilli(rec.CooldownEnds).UTC(),
		}, nil
	}
	return Eligibility{Eligible: true}, nil
}

// CreateProposal starts a new tip proposal in the scope, persisting it
// before it's announced so concurrent requests immediately see it as
// active. The caller announces it and attaches the message ID via
// AttachProposalMessage.
func (w *GrantWorkflow) CreateProposal(
	ctx context.Context,
	scope CooldownScope,
	payload TipCooldown,
) (*TipCooldown, error) {
	eligibility, err := w.CheckEligibility(ctx, scope)
	if err != nil {
		return nil, err
	}
	if !eligibility.Eligible {
		return nil, &EligibilityError{Eligibility: eligibility}
	}

	rec, err := w.store.StartProposal(ctx, scope, payload, w.grants.ProposalWindow)
	if err != nil {
		return nil, err
	}
	w.logger.InfoContext(
		ctx, "created tip proposal",
		"proposal", rec,
		"window", w.grants.ProposalWindow,
	)
	return rec, nil
}

// AttachProposalMessage records the announcement message on the proposal
// so reaction events can be matched back to it.
func (w *GrantWorkflow) AttachProposalMessage(
	ctx context.Context,
	rec *TipCooldown,
	channelID string,
	messageID string,
) error {
	return w.store.AttachMessage(ctx, rec, channelID, messageID)
}

// CompleteProposal drives a proposal to resolution: it re-reads the
// record, claims it atomically, runs execute, and either resolves the
// record with the returned transaction hash or releases the claim on
// failure. Safe to call from concurrent reaction handlers; all but one
// caller ends with OutcomeLostRace or OutcomeAlreadyResolved.
func (w *GrantWorkflow) CompleteProposal(
	ctx context.Context,
	scope CooldownScope,
	execute func(context.Context, *TipCooldown) (txHash string, err error),
) (CompletionOutcome, *TipCooldown, error) {
	rec, err := w.store.Get(ctx, scope)
	if err != nil {
		return "", nil, err
	}
	if rec == nil {
		return "", nil, fmt.Errorf("no proposal record for scope %v", scope)
	}

	switch {
	case rec.TxHash != "":
		return OutcomeAlreadyResolved, rec, nil
	case rec.TipPending:
		return OutcomeLostRace, rec, nil
	case rec.ProposalExpires <= w.nowFn().UnixMilli():
		return OutcomeExpired, rec, nil
	}

	claimed, err := w.store.ClaimPending(ctx, rec)
	if err != nil {
		return "", rec, err
	}
	if !claimed {
		return OutcomeLostRace, rec, nil
	}

	txHash, execErr := execute(ctx, rec)
	if execErr != nil || txHash == "" {
		if abortErr := w.store.Abort(ctx, rec); abortErr != nil {
			w.logger.ErrorContext(
				ctx, "failed to release proposal claim",
				"proposal", rec,
				tint.Err(abortErr),
			)
		}
		if execErr == nil {
			execErr = fmt.Errorf("grant returned no transaction hash")
		}
		return OutcomeFailed, rec, execErr
	}

	if err = w.store.Resolve(ctx, rec, txHash, w.grants.CooldownWindow); err != nil {
		// The chain transaction is the source of truth; a failed cooldown
		// write must not mask a successful grant.
		w.logger.ErrorContext(
			ctx, "grant succeeded but cooldown write failed",
			"proposal", rec,
			"tx_hash", txHash,
			tint.Err(err),
		)
	}
	return OutcomeGranted, rec, nil
}

// RecordDirectGrant rotates the scope straight to a resolved state for
// commands that execute without a proposal round. Persistence errors are
// logged, not returned: the transaction already succeeded.
func (w *GrantWorkflow) RecordDirectGrant(
	ctx context.Context,
	scope CooldownScope,
	txHash string,
) {
	if _, err := w.store.RecordGrant(
		ctx, scope, txHash, w.grants.CooldownWindow,
	); err != nil {
		w.logger.ErrorContext(
			ctx, "grant succeeded but cooldown write failed",
			"scope", scope,
			"tx_hash", txHash,
			tint.Err(err),
		)
	}
}

// EligibilityError carries a rejection out of CreateProposal so callers
// can render the concrete reason and resume time.
type EligibilityError struct {
	Eligibility Eligibility
}

func (e *EligibilityError) Error() string {
	switch e.Eligibility.Reason {
	case ReasonCooldown:
		return fmt.Sprintf(
			"on cooldown until %s",
			e.Eligibility.CooldownEnds.Format(time.RFC3339),
		)
	case ReasonActiveProposal:
		return "a proposal is already active for this tip"
	default:
		return fmt.Sprintf("not eligible: %s", e.Eligibility.Reason)
	}
}
