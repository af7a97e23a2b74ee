package dungeonmaster

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// proposalEmbedColor is the embed accent used for tip proposals.
const proposalEmbedColor = 0xff3864

// proposalSeedEmoji is added to each proposal announcement so the first
// approver has something to click.
const proposalSeedEmoji = "🔥"

// allowedAnywhereCommands ignore the channel gate.
var allowedAnywhereCommands = map[string]struct{}{
	SlashCommandSyncInvoices: {},
}

// Command option names.
const (
	optionRecipient  = "recipient"
	optionRecipients = "recipients"
	optionReason     = "reason"
	optionGame       = "game"
)

func gameOptionChoices() []*discordgo.ApplicationCommandOptionChoice {
	return []*discordgo.ApplicationCommandOptionChoice{
		{Name: string(GameMain), Value: string(GameMain)},
		{Name: string(GameCohort7), Value: string(GameCohort7)},
	}
}

func (d *Discord) applicationCommands() []*discordgo.ApplicationCommand {
	gameOption := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        optionGame,
		Description: "Which game to grant in (default: main)",
		Choices:     gameOptionChoices(),
	}
	recipientOption := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionUser,
		Name:        optionRecipient,
		Description: "Who receives the tip",
		Required:    true,
	}
	return []*discordgo.ApplicationCommand{
		{
			Name:        SlashCommandProps,
			Description: "Give props (and XP) to one or more members",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        optionRecipients,
					Description: "Mention everyone who deserves props",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        optionReason,
					Description: "What they did",
					Required:    true,
				},
				gameOption,
			},
		},
		{
			Name:        SlashCommandTipAttendance,
			Description: "Tip XP to everyone in your voice channel",
			Options:     []*discordgo.ApplicationCommandOption{gameOption},
		},
		{
			Name:        SlashCommandRecordAttendance,
			Description: "Drop attendance badges on everyone in your voice channel",
			Options:     []*discordgo.ApplicationCommandOption{gameOption},
		},
		{
			Name:        SlashCommandTipJester,
			Description: "Propose a jester XP tip for this meeting's jester",
			Options: []*discordgo.ApplicationCommandOption{
				recipientOption,
				gameOption,
			},
		},
		{
			Name:        SlashCommandTipScribe,
			Description: "Tip the meeting's scribe (steward only)",
			Options: []*discordgo.ApplicationCommandOption{
				recipientOption,
				gameOption,
			},
		},
		{
			Name:        SlashCommandTipMc,
			Description: "Propose an XP tip for this meeting's MC",
			Options: []*discordgo.ApplicationCommandOption{
				recipientOption,
				gameOption,
			},
		},
		{
			Name:        SlashCommandSyncInvoices,
			Description: "Sync invoice payouts into class XP (steward only)",
			Options:     []*discordgo.ApplicationCommandOption{gameOption},
		},
	}
}

func (d *Discord) registerCommands() error {
	_, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		d.applicationCommands(),
	)
	if err != nil {
		return fmt.Errorf("registering application commands: %w", err)
	}
	return nil
}

// gameFromOptions resolves the target game from the optional game option,
// defaulting to the given key.
func (d *Discord) gameFromOptions(
	optionMap map[string]*discordgo.ApplicationCommandInteractionDataOption,
	fallback GameKey,
) (GameKey, GameConfig, error) {
	key := fallback
	if value := stringOption(optionMap, optionGame); value != "" {
		key = GameKey(value)
	}
	game, ok := d.dm.config.Games[key]
	if !ok {
		return key, GameConfig{}, fmt.Errorf("game %q is not configured", key)
	}
	return key, game, nil
}

// gameByAddress finds the configured game for a stored game address, for
// completing proposals whose interaction is long gone.
func (d *Discord) gameByAddress(address string) (GameConfig, bool) {
	for _, game := range d.dm.config.Games {
		if strings.EqualFold(game.GameAddress, address) {
			return game, true
		}
	}
	return GameConfig{}, false
}

func (d *Discord) respondEphemeral(
	i *discordgo.InteractionCreate,
	content string,
) {
	err := d.session.InteractionRespond(
		i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: content,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
	)
	if err != nil {
		d.logger.Error("error responding to interaction", tint.Err(err))
	}
}

func (d *Discord) editResponse(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	content string,
) {
	_, err := d.session.InteractionResponseEdit(
		i.Interaction, &discordgo.WebhookEdit{Content: &content},
	)
	if err != nil {
		contextLoggerOrDefault(ctx, d.logger).ErrorContext(
			ctx, "error editing interaction response", tint.Err(err),
		)
	}
}

func (d *Discord) handlerInteractionCreate() func(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	return func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		data := i.ApplicationCommandData()
		log := d.logger.With(interactionLogAttrs(*i)...).With(
			"command", data.Name,
		)

		if _, anywhere := allowedAnywhereCommands[data.Name]; !anywhere {
			if !d.channelAllowed(i.ChannelID) {
				d.respondEphemeral(
					i, "That command can't be used in this channel.",
				)
				return
			}
		}

		// Grants can block on receipt polling for minutes, so defer the
		// response and finish from a goroutine.
		err := d.session.InteractionRespond(
			i.Interaction, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			},
		)
		if err != nil {
			log.Error("error deferring interaction response", tint.Err(err))
			return
		}

		go func() {
			ctx := WithLogger(context.Background(), log)
			switch data.Name {
			case SlashCommandProps:
				d.handleProps(ctx, i)
			case SlashCommandTipAttendance:
				d.handleTipAttendance(ctx, s, i)
			case SlashCommandRecordAttendance:
				d.handleRecordAttendance(ctx, s, i)
			case SlashCommandTipJester:
				d.handleProposalTip(
					ctx, i, collectionJesterTips, d.dm.config.Grants.JesterAmount,
				)
			case SlashCommandTipMc:
				d.handleProposalTip(
					ctx, i, collectionMcTips, d.dm.config.Grants.McAmount,
				)
			case SlashCommandTipScribe:
				d.handleTipScribe(ctx, i)
			case SlashCommandSyncInvoices:
				d.handleSyncInvoices(ctx, i)
			default:
				d.editResponse(ctx, i, "Unknown command.")
			}
		}()
	}
}

// recipientFromOptions returns the full recipient user for a command's
// user option. The interaction's resolved-user map usually has it; the
// guild member fetch is the fallback.
func (d *Discord) recipientFromOptions(
	i *discordgo.InteractionCreate,
	optionMap map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (*discordgo.User, error) {
	opt, ok := optionMap[optionRecipient]
	if !ok {
		return nil, errors.New("missing recipient option")
	}
	user := opt.UserValue(nil)
	if resolved := i.ApplicationCommandData().Resolved; resolved != nil {
		if full, found := resolved.Users[user.ID]; found && full != nil {
			return full, nil
		}
	}
	member, err := d.session.GuildMember(i.GuildID, user.ID)
	if err != nil {
		return nil, fmt.Errorf("fetching recipient member: %w", err)
	}
	if member == nil || member.User == nil {
		return nil, errors.New("recipient is not a guild member")
	}
	return member.User, nil
}

// renderEligibility produces the user-facing rejection message for a
// blocked grant.
func renderEligibility(e Eligibility) string {
	switch e.Reason {
	case ReasonCooldown:
		return fmt.Sprintf(
			"This tip is on cooldown until <t:%d:f> (<t:%d:R>).",
			e.CooldownEnds.Unix(), e.CooldownEnds.Unix(),
		)
	case ReasonActiveProposal:
		expires := e.Proposal.ProposalExpires / 1000
		return fmt.Sprintf(
			"A proposal for this tip is already active; it expires <t:%d:R>.",
			expires,
		)
	default:
		return fmt.Sprintf("This tip isn't possible right now: %s", e.Reason)
	}
}

// renderPartition summarizes a tip's recipient partition.
func renderPartition(p TipPartition) string {
	var sb strings.Builder
	if len(p.Tipped) > 0 {
		sb.WriteString(
			fmt.Sprintf("Tipped: %s.", strings.Join(p.Tipped, ", ")),
		)
	}
	if len(p.MissingAddress) > 0 {
		sb.WriteString(
			fmt.Sprintf(
				"\nNot in the member directory: %s.",
				strings.Join(p.MissingAddress, ", "),
			),
		)
	}
	if len(p.MissingAccount) > 0 {
		sb.WriteString(
			fmt.Sprintf(
				"\nNo character sheet yet: %s.",
				strings.Join(p.MissingAccount, ", "),
			),
		)
	}
	return sb.String()
}

func renderTipReport(report *TipReport, amount int64) string {
	var sb strings.Builder
	switch report.Status {
	case TxStatusSuccess:
		sb.WriteString(fmt.Sprintf("%d XP granted! ", amount))
	case TxStatusFailed:
		sb.WriteString("The tip transaction reverted. ")
	case TxStatusPending:
		sb.WriteString(
			"The tip was submitted but hasn't confirmed yet. ",
		)
	}
	if report.ExplorerURL != "" {
		sb.WriteString(report.ExplorerURL)
	} else if report.TxHash != "" {
		sb.WriteString(fmt.Sprintf("`%s`", report.TxHash))
	}
	partition := renderPartition(report.Partition)
	if partition != "" {
		sb.WriteString("\n")
		sb.WriteString(partition)
	}
	return sb.String()
}

// memberTags resolves guild user IDs to their Discord tags, skipping
// users who can't be fetched.
func (d *Discord) memberTags(
	ctx context.Context,
	guildID string,
	userIDs []string,
) []string {
	log := contextLoggerOrDefault(ctx, d.logger)
	tags := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		member, err := d.session.GuildMember(guildID, id)
		if err != nil || member == nil || member.User == nil {
			log.WarnContext(
				ctx, "unable to fetch guild member",
				"user_id", id,
				tint.Err(err),
			)
			continue
		}
		if member.User.Bot {
			continue
		}
		tags = append(tags, member.User.Username)
	}
	return tags
}

func (d *Discord) handleProps(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	log := contextLoggerOrDefault(ctx, d.logger)
	optionMap := discordInteractionOptions(i)
	sender := interactionUser(i)

	_, game, err := d.gameFromOptions(optionMap, GameMain)
	if err != nil {
		d.editResponse(ctx, i, err.Error())
		return
	}

	recipientIDs := parseMentionedUserIDs(stringOption(optionMap, optionRecipients))
	filtered := make([]string, 0, len(recipientIDs))
	for _, id := range recipientIDs {
		if id != sender.ID {
			filtered = append(filtered, id)
		}
	}
	if len(filtered) == 0 {
		d.editResponse(
			ctx, i, "Mention at least one member (other than yourself) to props.",
		)
		return
	}
	reason := stringOption(optionMap, optionReason)
	if reason == "" {
		d.editResponse(ctx, i, "Give a reason for the props.")
		return
	}

	scope := CooldownScope{
		Collection:  collectionProps,
		SenderID:    sender.ID,
		GameAddress: game.GameAddress,
	}
	eligibility, err := d.dm.workflow.CheckEligibility(ctx, scope)
	if err != nil {
		d.grantError(ctx, i, "checking props cooldown", err)
		return
	}
	if !eligibility.Eligible {
		d.editResponse(ctx, i, renderEligibility(eligibility))
		return
	}

	tags := d.memberTags(ctx, i.GuildID, filtered)
	if len(tags) == 0 {
		d.editResponse(ctx, i, "None of those mentions resolved to members.")
		return
	}

	report, err := d.dm.executor.ExecuteFlatTip(
		ctx, game, tags, d.dm.config.Grants.PropsAmount,
	)
	if err != nil {
		d.grantError(ctx, i, "executing props tip", err)
		return
	}
	if report.TxHash != "" {
		d.dm.workflow.RecordDirectGrant(ctx, scope, report.TxHash)
	}
	log.InfoContext(ctx, "props tip executed", "report", report)
	d.editResponse(
		ctx, i, fmt.Sprintf(
			"Props from <@%s>: %s\n%s",
			sender.ID, reason, renderTipReport(report, d.dm.config.Grants.PropsAmount),
		),
	)
}

func (d *Discord) handleTipAttendance(
	ctx context.Context,
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	log := contextLoggerOrDefault(ctx, d.logger)
	optionMap := discordInteractionOptions(i)
	sender := interactionUser(i)

	_, game, err := d.gameFromOptions(optionMap, GameMain)
	if err != nil {
		d.editResponse(ctx, i, err.Error())
		return
	}

	attendeeIDs, err := voiceChannelMemberIDs(s, i.GuildID, sender.ID)
	if err != nil {
		d.grantError(ctx, i, "reading voice channel state", err)
		return
	}
	if len(attendeeIDs) == 0 {
		d.editResponse(ctx, i, "Join a voice channel first.")
		return
	}
	if len(attendeeIDs) < d.dm.config.Grants.MinimumAttendees {
		d.editResponse(
			ctx, i, fmt.Sprintf(
				"Attendance tips need at least %d people in the voice channel (found %d).",
				d.dm.config.Grants.MinimumAttendees, len(attendeeIDs),
			),
		)
		return
	}

	scope := CooldownScope{
		Collection:  collectionAttendanceTips,
		GameAddress: game.GameAddress,
	}
	eligibility, err := d.dm.workflow.CheckEligibility(ctx, scope)
	if err != nil {
		d.grantError(ctx, i, "checking attendance cooldown", err)
		return
	}
	if !eligibility.Eligible {
		d.editResponse(ctx, i, renderEligibility(eligibility))
		return
	}

	tags := d.memberTags(ctx, i.GuildID, attendeeIDs)
	report, err := d.dm.executor.ExecuteFlatTip(
		ctx, game, tags, d.dm.config.Grants.AttendanceAmount,
	)
	if err != nil {
		d.grantError(ctx, i, "executing attendance tip", err)
		return
	}
	if report.TxHash != "" {
		d.dm.workflow.RecordDirectGrant(ctx, scope, report.TxHash)
	}
	log.InfoContext(ctx, "attendance tip executed", "report", report)
	d.editResponse(
		ctx, i,
		renderTipReport(report, d.dm.config.Grants.AttendanceAmount),
	)
}

func (d *Discord) handleRecordAttendance(
	ctx context.Context,
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	log := contextLoggerOrDefault(ctx, d.logger)
	optionMap := discordInteractionOptions(i)
	sender := interactionUser(i)

	// Attendance badges default to the cohort game when one is
	// configured.
	fallback := GameMain
	if _, ok := d.dm.config.Games[GameCohort7]; ok {
		fallback = GameCohort7
	}
	_, game, err := d.gameFromOptions(optionMap, fallback)
	if err != nil {
		d.editResponse(ctx, i, err.Error())
		return
	}

	attendeeIDs, err := voiceChannelMemberIDs(s, i.GuildID, sender.ID)
	if err != nil {
		d.grantError(ctx, i, "reading voice channel state", err)
		return
	}
	if len(attendeeIDs) == 0 {
		d.editResponse(ctx, i, "Join a voice channel first.")
		return
	}
	if len(attendeeIDs) < d.dm.config.Grants.MinimumAttendees {
		d.editResponse(
			ctx, i, fmt.Sprintf(
				"Attendance records need at least %d people in the voice channel (found %d).",
				d.dm.config.Grants.MinimumAttendees, len(attendeeIDs),
			),
		)
		return
	}

	scope := CooldownScope{
		Collection:  collectionAttendanceRecord,
		GameAddress: game.GameAddress,
	}
	eligibility, err := d.dm.workflow.CheckEligibility(ctx, scope)
	if err != nil {
		d.grantError(ctx, i, "checking attendance-record cooldown", err)
		return
	}
	if !eligibility.Eligible {
		d.editResponse(ctx, i, renderEligibility(eligibility))
		return
	}

	tags := d.memberTags(ctx, i.GuildID, attendeeIDs)
	report, err := d.dm.executor.ExecuteBadgeTip(ctx, game, tags)
	if err != nil {
		d.grantError(ctx, i, "executing attendance record", err)
		return
	}
	if report.TxHash != "" {
		d.dm.workflow.RecordDirectGrant(ctx, scope, report.TxHash)
	}
	log.InfoContext(ctx, "attendance badges dropped", "report", report)

	var sb strings.Builder
	sb.WriteString("Attendance recorded! ")
	if report.ExplorerURL != "" {
		sb.WriteString(report.ExplorerURL)
	}
	if partition := renderPartition(report.Partition); partition != "" {
		sb.WriteString("\n")
		sb.WriteString(partition)
	}
	d.editResponse(ctx, i, sb.String())
}

// handleProposalTip starts (or, for the steward, immediately executes) a
// socially-gated tip in the given collection.
func (d *Discord) handleProposalTip(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	collection string,
	amount int64,
) {
	log := contextLoggerOrDefault(ctx, d.logger)
	optionMap := discordInteractionOptions(i)
	sender := interactionUser(i)

	_, game, err := d.gameFromOptions(optionMap, GameMain)
	if err != nil {
		d.editResponse(ctx, i, err.Error())
		return
	}
	recipient, err := d.recipientFromOptions(i, optionMap)
	if err != nil {
		d.editResponse(ctx, i, "Couldn't read the recipient.")
		return
	}

	account, err := d.dm.executor.ResolveAccount(ctx, game, recipient.Username)
	if err != nil {
		d.respondRecipientMiss(ctx, i, recipient.ID, err)
		return
	}

	scope := CooldownScope{
		Collection:  collection,
		GameAddress: game.GameAddress,
	}

	// The steward completes the tip without a proposal round.
	if d.config.StewardID != "" && sender.ID == d.config.StewardID {
		d.executeDirectTip(ctx, i, scope, game, recipient.ID, account, amount)
		return
	}

	payload := TipCooldown{
		RecipientID:      recipient.ID,
		RecipientAddress: account,
		Amount:           amount,
	}
	rec, err := d.dm.workflow.CreateProposal(ctx, scope, payload)
	if err != nil {
		var eligErr *EligibilityError
		if errors.As(err, &eligErr) {
			d.editResponse(ctx, i, renderEligibility(eligErr.Eligibility))
			return
		}
		d.grantError(ctx, i, "creating tip proposal", err)
		return
	}

	expires := rec.ProposalExpires / 1000
	embed := &discordgo.MessageEmbed{
		Title: "Tip proposal",
		Description: fmt.Sprintf(
			"<@%s> proposes a %d XP tip for <@%s>!\n\n"+
				"React with any emoji to approve. "+
				"%d unique reactions before <t:%d:t> (<t:%d:R>) complete the tip.",
			sender.ID, amount, recipient.ID,
			d.dm.config.Grants.QuorumThreshold, expires, expires,
		),
		Color: proposalEmbedColor,
	}
	msg, err := d.session.ChannelMessageSendEmbed(i.ChannelID, embed)
	if err != nil {
		d.grantError(ctx, i, "announcing tip proposal", err)
		return
	}
	if err = d.dm.workflow.AttachProposalMessage(
		ctx, rec, msg.ChannelID, msg.ID,
	); err != nil {
		d.grantError(ctx, i, "attaching proposal message", err)
		return
	}
	if err = d.session.MessageReactionAdd(
		msg.ChannelID, msg.ID, proposalSeedEmoji,
	); err != nil {
		log.WarnContext(ctx, "unable to seed proposal reaction", tint.Err(err))
	}
	log.InfoContext(ctx, "tip proposal announced", "proposal", rec)
	d.editResponse(ctx, i, "Proposal created — rally some reactions!")
}

// executeDirectTip runs a collection's grant immediately, for steward
// invocations.
func (d *Discord) executeDirectTip(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	scope CooldownScope,
	game GameConfig,
	recipientID string,
	account string,
	amount int64,
) {
	eligibility, err := d.dm.workflow.CheckEligibility(ctx, scope)
	if err != nil {
		d.grantError(ctx, i, "checking tip cooldown", err)
		return
	}
	if !eligibility.Eligible {
		d.editResponse(ctx, i, renderEligibility(eligibility))
		return
	}

	report, err := d.executeCollectionGrant(ctx, scope.Collection, game, account, amount)
	if err != nil {
		d.grantError(ctx, i, "executing tip", err)
		return
	}
	if report.TxHash != "" {
		d.dm.workflow.RecordDirectGrant(ctx, scope, report.TxHash)
	}
	d.editResponse(
		ctx, i, fmt.Sprintf(
			"<@%s> tipped! %s", recipientID, renderTipReport(report, amount),
		),
	)
}

// executeCollectionGrant maps a collection to its on-chain grant: jester
// and scribe tips are class XP, MC tips are flat XP.
func (d *Discord) executeCollectionGrant(
	ctx context.Context,
	collection string,
	game GameConfig,
	account string,
	amount int64,
) (*TipReport, error) {
	switch collection {
	case collectionJesterTips:
		return d.dm.executor.ExecuteClassTip(ctx, game, account, classIDJester, amount)
	case collectionScribeTips:
		return d.dm.executor.ExecuteClassTip(
			ctx, game, account, classKeyToID[classKeyRecordKeeper], amount,
		)
	case collectionMcTips:
		return d.dm.executor.ExecuteXpTip(ctx, game, account, amount)
	default:
		return nil, fmt.Errorf("collection %q has no grant mapping", collection)
	}
}

// handleTipScribe is steward-only and grants RECORD_KEEPER class XP
// directly, without a proposal round.
func (d *Discord) handleTipScribe(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	optionMap := discordInteractionOptions(i)
	sender := interactionUser(i)

	if d.config.StewardID == "" || sender.ID != d.config.StewardID {
		d.editResponse(ctx, i, "Only the steward can tip the scribe.")
		return
	}

	_, game, err := d.gameFromOptions(optionMap, GameMain)
	if err != nil {
		d.editResponse(ctx, i, err.Error())
		return
	}
	recipient, err := d.recipientFromOptions(i, optionMap)
	if err != nil {
		d.editResponse(ctx, i, "Couldn't read the recipient.")
		return
	}

	account, err := d.dm.executor.ResolveAccount(ctx, game, recipient.Username)
	if err != nil {
		d.respondRecipientMiss(ctx, i, recipient.ID, err)
		return
	}

	scope := CooldownScope{
		Collection:  collectionScribeTips,
		GameAddress: game.GameAddress,
	}
	d.executeDirectTip(
		ctx, i, scope, game, recipient.ID, account,
		d.dm.config.Grants.ScribeAmount,
	)
}

func (d *Discord) handleSyncInvoices(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	log := contextLoggerOrDefault(ctx, d.logger)
	optionMap := discordInteractionOptions(i)
	sender := interactionUser(i)

	if d.config.StewardID == "" || sender.ID != d.config.StewardID {
		d.editResponse(ctx, i, "Only the steward can sync invoices.")
		return
	}
	gameKey, _, err := d.gameFromOptions(optionMap, GameMain)
	if err != nil {
		d.editResponse(ctx, i, err.Error())
		return
	}

	if !d.dm.syncRunning.CompareAndSwap(false, true) {
		d.editResponse(ctx, i, "A sync is already running.")
		return
	}
	defer d.dm.syncRunning.Store(false)

	result, err := d.dm.syncer.Sync(ctx, gameKey)
	if err != nil {
		d.grantError(ctx, i, "syncing invoices", err)
		return
	}
	log.InfoContext(ctx, "invoice sync triggered via command", "result", result)
	d.editResponse(ctx, i, renderSyncResult(result))
}

func renderSyncResult(result *SyncResult) string {
	switch result.Outcome {
	case SyncOutcomeNothingToSync:
		return "Nothing to sync — all invoice payouts are already distributed."
	case SyncOutcomeGrantFailed:
		return fmt.Sprintf(
			"The class XP transaction reverted: %s",
			result.ExplorerURL,
		)
	}
	var sb strings.Builder
	sb.WriteString(
		fmt.Sprintf(
			"Synced %d new distributions across %d invoices.",
			result.NewDistributions, result.InvoicesWithSecondary,
		),
	)
	if result.CharactersRolled > 0 {
		sb.WriteString(
			fmt.Sprintf("\nRolled %d new character sheets.", result.CharactersRolled),
		)
	}
	if result.UnattributedRecipients > 0 {
		sb.WriteString(
			fmt.Sprintf(
				"\n%d recipients couldn't be attributed to a class (warnings posted).",
				result.UnattributedRecipients,
			),
		)
	}
	if result.ExplorerURL != "" {
		sb.WriteString("\n")
		sb.WriteString(result.ExplorerURL)
	}
	return sb.String()
}

// respondRecipientMiss renders the user-facing message for a failed
// single-recipient resolution.
func (d *Discord) respondRecipientMiss(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	recipientID string,
	err error,
) {
	switch {
	case errors.Is(err, ErrNoMemberAddress):
		d.editResponse(
			ctx, i, fmt.Sprintf(
				"<@%s> isn't in the member directory.", recipientID,
			),
		)
	case errors.Is(err, ErrNoCharacterAccount):
		d.editResponse(
			ctx, i, fmt.Sprintf(
				"<@%s> doesn't have a character sheet in this game yet.",
				recipientID,
			),
		)
	default:
		d.grantError(ctx, i, "resolving tip recipient", err)
	}
}

// grantError reports a command failure to the requester, the ops channel
// and the log.
func (d *Discord) grantError(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	action string,
	err error,
) {
	contextLoggerOrDefault(ctx, d.logger).ErrorContext(
		ctx, action+" failed", tint.Err(err),
	)
	d.opsLog(ctx, fmt.Sprintf("Error %s", action), err)
	d.editResponse(
		ctx, i, fmt.Sprintf("Something went wrong %s. The crew has been paged.", action),
	)
}

func (d *Discord) handlerReactionAdd() func(
	s *discordgo.Session,
	r *discordgo.MessageReactionAdd,
) {
	return func(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
		if s.State != nil && s.State.User != nil && r.UserID == s.State.User.ID {
			return
		}
		go d.completeOnQuorum(context.Background(), s, r)
	}
}

// completeOnQuorum checks whether a reaction pushed a tip proposal over
// quorum and, if so, races to complete it. Reactions on non-proposal
// messages and sub-quorum counts are silent no-ops.
func (d *Discord) completeOnQuorum(
	ctx context.Context,
	s *discordgo.Session,
	r *discordgo.MessageReactionAdd,
) {
	log := d.logger.With(
		"channel_id", r.ChannelID,
		"message_id", r.MessageID,
	)
	ctx = WithLogger(ctx, log)

	rec, err := d.dm.cooldowns.FindProposalByMessage(ctx, r.ChannelID, r.MessageID)
	if err != nil {
		log.ErrorContext(ctx, "unable to match reaction to proposal", tint.Err(err))
		return
	}
	if rec == nil || rec.TxHash != "" || rec.TipPending {
		return
	}

	reactorIDs, err := d.uniqueReactorIDs(r.ChannelID, r.MessageID)
	if err != nil {
		log.ErrorContext(ctx, "unable to count proposal reactions", tint.Err(err))
		return
	}
	var botID string
	if s.State != nil && s.State.User != nil {
		botID = s.State.User.ID
	}
	count := 0
	for _, id := range reactorIDs {
		if id != botID {
			count++
		}
	}
	if count < d.dm.config.Grants.QuorumThreshold {
		return
	}

	// Expiration wins over quorum: a late reaction never completes the
	// tip, it announces the lapse instead.
	if rec.ProposalExpires <= time.Now().UnixMilli() {
		if _, sendErr := d.session.ChannelMessageSend(
			r.ChannelID,
			fmt.Sprintf(
				"The tip proposal for <@%s> expired before reaching quorum.",
				rec.RecipientID,
			),
		); sendErr != nil {
			log.WarnContext(ctx, "unable to announce lapsed proposal", tint.Err(sendErr))
		}
		return
	}

	game, ok := d.gameByAddress(rec.GameAddress)
	if !ok {
		log.ErrorContext(
			ctx, "proposal references an unconfigured game",
			"game_address", rec.GameAddress,
		)
		return
	}
	scope := CooldownScope{
		Collection:  rec.Collection,
		SenderID:    rec.SenderID,
		GameAddress: rec.GameAddress,
	}

	var report *TipReport
	outcome, rec, err := d.dm.workflow.CompleteProposal(
		ctx, scope,
		func(ctx context.Context, p *TipCooldown) (string, error) {
			var execErr error
			report, execErr = d.executeCollectionGrant(
				ctx, p.Collection, game, p.RecipientAddress, p.Amount,
			)
			if execErr != nil {
				return "", execErr
			}
			return report.TxHash, nil
		},
	)

	switch outcome {
	case OutcomeGranted:
		log.InfoContext(ctx, "proposal completed", "proposal", rec, "report", report)
		if _, sendErr := d.session.ChannelMessageSend(
			r.ChannelID,
			fmt.Sprintf(
				"Quorum reached! <@%s> %s",
				rec.RecipientID, renderTipReport(report, rec.Amount),
			),
		); sendErr != nil {
			log.WarnContext(ctx, "unable to announce completed tip", tint.Err(sendErr))
		}
	case OutcomeFailed:
		log.ErrorContext(ctx, "proposal grant failed", "proposal", rec, tint.Err(err))
		d.opsLog(ctx, "Tip proposal grant failed", err)
		if _, sendErr := d.session.ChannelMessageSend(
			r.ChannelID,
			"The tip transaction failed — react again to retry while the proposal is open.",
		); sendErr != nil {
			log.WarnContext(ctx, "unable to announce failed tip", tint.Err(sendErr))
		}
	case OutcomeExpired:
		if _, sendErr := d.session.ChannelMessageSend(
			r.ChannelID,
			fmt.Sprintf(
				"The tip proposal for <@%s> expired before reaching quorum.",
				rec.RecipientID,
			),
		); sendErr != nil {
			log.WarnContext(ctx, "unable to announce lapsed proposal", tint.Err(sendErr))
		}
	case OutcomeLostRace, OutcomeAlreadyResolved:
		// Another reaction got there first.
	default:
		if err != nil {
			log.ErrorContext(ctx, "proposal completion error", tint.Err(err))
		}
	}
}
