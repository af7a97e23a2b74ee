package dungeonmaster

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSession implements DiscordSessionHandler against in-memory state.
type fakeSession struct {
	mu sync.Mutex

	// sent plain messages, keyed by channel ID
	channelMessages map[string][]string
	embeds          []*discordgo.MessageEmbed

	// message returned by ChannelMessage
	message          *discordgo.Message
	reactionsByEmoji map[string][]*discordgo.User
	reactionsAdded   []string

	channels map[string]*discordgo.Channel
	members  map[string]*discordgo.Member

	responses      []*discordgo.InteractionResponse
	edits          []string
	bulkOverwrites [][]*discordgo.ApplicationCommand

	nextMessageID int
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		channelMessages:  map[string][]string{},
		reactionsByEmoji: map[string][]*discordgo.User{},
		channels:         map[string]*discordgo.Channel{},
		members:          map[string]*discordgo.Member{},
	}
}

func (f *fakeSession) Open() error  { return nil }
func (f *fakeSession) Close() error { return nil }

func (f *fakeSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channelMessages[channelID] = append(f.channelMessages[channelID], message)
	f.nextMessageID++
	return &discordgo.Message{
		ID:        fmt.Sprintf("msg-%d", f.nextMessageID),
		ChannelID: channelID,
	}, nil
}

func (f *fakeSession) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embeds = append(f.embeds, embed)
	f.nextMessageID++
	return &discordgo.Message{
		ID:        fmt.Sprintf("msg-%d", f.nextMessageID),
		ChannelID: channelID,
	}, nil
}

func (f *fakeSession) ChannelMessage(
	_ string,
	_ string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.message == nil {
		return nil, fmt.Errorf("message not found")
	}
	return f.message, nil
}

func (f *fakeSession) MessageReactions(
	_ string,
	_ string,
	emojiID string,
	_ int,
	_ string,
	_ string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reactionsByEmoji[emojiID], nil
}

func (f *fakeSession) MessageReactionAdd(
	channelID string,
	messageID string,
	emojiID string,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactionsAdded = append(
		f.reactionsAdded,
		fmt.Sprintf("%s/%s/%s", channelID, messageID, emojiID),
	)
	return nil
}

func (f *fakeSession) Channel(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	channel, ok := f.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("channel not found")
	}
	return channel, nil
}

func (f *fakeSession) GuildMember(
	_ string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	member, ok := f.members[userID]
	if !ok {
		return nil, fmt.Errorf("member not found")
	}
	return member, nil
}

func (f *fakeSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulkOverwrites = append(f.bulkOverwrites, commands)
	return commands, nil
}

func (f *fakeSession) AddHandler(_ any) func() { return func() {} }

func (f *fakeSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, resp)
	return nil
}

func (f *fakeSession) InteractionResponseEdit(
	_ *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if newresp.Content != nil {
		f.edits = append(f.edits, *newresp.Content)
	}
	return &discordgo.Message{}, nil
}

func (f *fakeSession) FollowupMessageCreate(
	_ *discordgo.Interaction,
	_ bool,
	_ *discordgo.WebhookParams,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return &discordgo.Message{}, nil
}

func (f *fakeSession) SetHTTPClient(_ *http.Client) {}

func (f *fakeSession) SetLogLevel(_ slog.Level) error { return nil }

var _ DiscordSessionHandler = (*fakeSession)(nil)

// discordFixture wires a Discord handler set around fakes and a real
// cooldown store.
type discordFixture struct {
	session    *fakeSession
	discord    *Discord
	dm         *DungeonMaster
	signer     *fakeSigner
	directory  *fakeDirectory
	characters *fakeCharacters
}

func newDiscordFixture(t testing.TB) *discordFixture {
	t.Helper()

	db := newTestDB(t)
	cooldowns := NewCooldownStore(db, discardLogger())
	grants := testGrantConfig()

	f := &discordFixture{
		session: newFakeSession(),
		signer:  &fakeSigner{},
		directory: &fakeDirectory{
			addressByTag: map[string]string{
				"alice": "0x00000000000000000000000000000000000000b1",
			},
		},
		characters: &fakeCharacters{
			accountByAddress: map[string]string{
				"0x00000000000000000000000000000000000000b1": "0x00000000000000000000000000000000000000c1",
			},
		},
	}

	config := &Config{
		Discord: &DiscordConfig{
			ApplicationID: "app-1",
			StewardID:     "steward-1",
			OpsChannelID:  "ops-1",
		},
		Games:  map[GameKey]GameConfig{GameMain: testGame()},
		Grants: grants,
	}
	f.dm = &DungeonMaster{
		config:    config,
		db:        db,
		logger:    discardLogger(),
		cooldowns: cooldowns,
		workflow:  NewGrantWorkflow(cooldowns, grants, discardLogger()),
		executor: NewGrantExecutor(
			f.directory, f.characters, f.signer, &fakePinner{}, discardLogger(),
		),
	}
	f.discord = newDiscord(config.Discord)
	f.discord.logger = discardLogger()
	f.discord.session = f.session
	f.discord.dm = f.dm
	f.dm.discord = f.discord
	return f
}

// activeProposal creates an announced jester-tip proposal with an
// attached message.
func (f *discordFixture) activeProposal(
	t testing.TB,
	channelID string,
	messageID string,
) *TipCooldown {
	t.Helper()
	ctx := context.Background()
	game := f.dm.config.Games[GameMain]
	rec, err := f.dm.workflow.CreateProposal(
		ctx,
		CooldownScope{
			Collection:  collectionJesterTips,
			GameAddress: game.GameAddress,
		},
		TipCooldown{
			RecipientID:      "user-1",
			RecipientAddress: "0x00000000000000000000000000000000000000c1",
			Amount:           f.dm.config.Grants.JesterAmount,
		},
	)
	require.NoError(t, err)
	require.NoError(
		t, f.dm.workflow.AttachProposalMessage(ctx, rec, channelID, messageID),
	)
	return rec
}

// reactors sets the announced message's reactions to one 🔥 reaction from
// the given users.
func (f *fakeSession) reactors(userIDs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	users := make([]*discordgo.User, 0, len(userIDs))
	for _, id := range userIDs {
		users = append(users, &discordgo.User{ID: id})
	}
	f.message = &discordgo.Message{
		Reactions: []*discordgo.MessageReactions{
			{Emoji: &discordgo.Emoji{Name: "🔥"}},
		},
	}
	f.reactionsByEmoji = map[string][]*discordgo.User{"🔥": users}
}

func botSession(botID string) *discordgo.Session {
	state := discordgo.NewState()
	state.User = &discordgo.User{ID: botID}
	return &discordgo.Session{State: state}
}

func reactionEvent(channelID, messageID, userID string) *discordgo.MessageReactionAdd {
	return &discordgo.MessageReactionAdd{
		MessageReaction: &discordgo.MessageReaction{
			ChannelID: channelID,
			MessageID: messageID,
			UserID:    userID,
		},
	}
}

func commandInteraction(
	name string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:      discordgo.InteractionApplicationCommand,
			ChannelID: "chan-1",
			GuildID:   "guild-1",
			Member: &discordgo.Member{
				User: &discordgo.User{ID: "user-1", Username: "alice"},
			},
			Data: discordgo.ApplicationCommandInteractionData{
				Name:    name,
				Options: options,
			},
		},
	}
}

// A payload missing its required options must get a usage reply, not a
// panic: the gateway enforces Required but the handlers shouldn't depend
// on it.
func TestHandlePropsMalformedOptions(t *testing.T) {
	ctx := context.Background()
	f := newDiscordFixture(t)

	f.discord.handleProps(ctx, commandInteraction(SlashCommandProps))
	require.Len(t, f.session.edits, 1)
	assert.Contains(t, f.session.edits[0], "Mention at least one member")

	f.discord.handleProps(
		ctx,
		commandInteraction(
			SlashCommandProps,
			&discordgo.ApplicationCommandInteractionDataOption{
				Name:  optionRecipients,
				Type:  discordgo.ApplicationCommandOptionString,
				Value: "<@222>",
			},
		),
	)
	require.Len(t, f.session.edits, 2)
	assert.Contains(t, f.session.edits[1], "reason")

	assert.Empty(t, f.signer.batches)
}

func TestChannelAllowed(t *testing.T) {
	f := newDiscordFixture(t)

	// No configured list means every channel is allowed.
	assert.True(t, f.discord.channelAllowed("anywhere"))

	f.discord.config.AllowedParentChannelIDs = []string{"chan-a"}
	f.session.channels["thread-1"] = &discordgo.Channel{
		ID:       "thread-1",
		ParentID: "chan-a",
	}
	f.session.channels["chan-b"] = &discordgo.Channel{ID: "chan-b"}

	assert.True(t, f.discord.channelAllowed("chan-a"))
	assert.True(t, f.discord.channelAllowed("thread-1"))
	assert.False(t, f.discord.channelAllowed("chan-b"))
	assert.False(t, f.discord.channelAllowed("unknown-channel"))
}

func TestUniqueReactorIDsUnionsEmojis(t *testing.T) {
	f := newDiscordFixture(t)
	f.session.message = &discordgo.Message{
		Reactions: []*discordgo.MessageReactions{
			{Emoji: &discordgo.Emoji{Name: "🔥"}},
			{Emoji: &discordgo.Emoji{Name: "🚀"}},
		},
	}
	f.session.reactionsByEmoji = map[string][]*discordgo.User{
		"🔥": {{ID: "user-1"}, {ID: "user-2"}},
		"🚀": {{ID: "user-2"}, {ID: "user-3"}},
	}

	ids, err := f.discord.uniqueReactorIDs("chan-1", "msg-1")
	require.NoError(t, err)

	// The same user reacting with two emojis counts once.
	assert.ElementsMatch(t, []string{"user-1", "user-2", "user-3"}, ids)
}

func TestRegisterCommands(t *testing.T) {
	f := newDiscordFixture(t)
	require.NoError(t, f.discord.registerCommands())

	require.Len(t, f.session.bulkOverwrites, 1)
	names := make([]string, 0)
	for _, cmd := range f.session.bulkOverwrites[0] {
		names = append(names, cmd.Name)
	}
	assert.ElementsMatch(
		t,
		[]string{
			SlashCommandProps,
			SlashCommandTipAttendance,
			SlashCommandRecordAttendance,
			SlashCommandTipJester,
			SlashCommandTipScribe,
			SlashCommandTipMc,
			SlashCommandSyncInvoices,
		},
		names,
	)
}

func TestCompleteOnQuorumGrants(t *testing.T) {
	ctx := context.Background()
	f := newDiscordFixture(t)
	f.activeProposal(t, "chan-1", "msg-1")

	// Five human reactions plus the bot's own seed reaction.
	f.session.reactors("user-2", "user-3", "user-4", "user-5", "user-6", "bot-1")

	f.discord.completeOnQuorum(
		ctx, botSession("bot-1"), reactionEvent("chan-1", "msg-1", "user-6"),
	)

	// The jester grant is class XP on the classes contract.
	batch := f.signer.lastBatch()
	require.Len(t, batch, 1)
	assert.Equal(t, testGame().ClassesAddress,
		"0x"+fmt.Sprintf("%x", batch[0].To.Bytes()))

	rec, err := f.dm.cooldowns.FindProposalByMessage(ctx, "chan-1", "msg-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.NotEmpty(t, rec.TxHash)
	assert.True(t, rec.OnCooldownAt(time.Now()))

	require.Len(t, f.session.channelMessages["chan-1"], 1)
	assert.Contains(t, f.session.channelMessages["chan-1"][0], "Quorum reached!")
	assert.Contains(t, f.session.channelMessages["chan-1"][0], "user-1")
}

func TestCompleteOnQuorumBotReactionExcluded(t *testing.T) {
	ctx := context.Background()
	f := newDiscordFixture(t)
	f.activeProposal(t, "chan-1", "msg-1")

	// Four humans plus the bot: one short of quorum.
	f.session.reactors("user-2", "user-3", "user-4", "user-5", "bot-1")

	f.discord.completeOnQuorum(
		ctx, botSession("bot-1"), reactionEvent("chan-1", "msg-1", "user-5"),
	)

	assert.Empty(t, f.signer.batches)
	assert.Empty(t, f.session.channelMessages["chan-1"])

	rec, err := f.dm.cooldowns.FindProposalByMessage(ctx, "chan-1", "msg-1")
	require.NoError(t, err)
	assert.Empty(t, rec.TxHash)
}

func TestCompleteOnQuorumExpiredProposal(t *testing.T) {
	ctx := context.Background()
	f := newDiscordFixture(t)
	rec := f.activeProposal(t, "chan-1", "msg-1")

	// Force the reaction window closed before quorum arrives.
	_, err := f.dm.db.Updates(
		ctx, rec, map[string]any{
			columnTipCooldownExpires: time.Now().Add(-time.Minute).UnixMilli(),
		},
	)
	require.NoError(t, err)

	f.session.reactors("user-2", "user-3", "user-4", "user-5", "user-6")
	f.discord.completeOnQuorum(
		ctx, botSession("bot-1"), reactionEvent("chan-1", "msg-1", "user-6"),
	)

	// Expiration wins over quorum: no grant, a lapse announcement.
	assert.Empty(t, f.signer.batches)
	require.Len(t, f.session.channelMessages["chan-1"], 1)
	assert.Contains(t, f.session.channelMessages["chan-1"][0], "expired")
}

func TestCompleteOnQuorumFailedGrantAnnouncesRetry(t *testing.T) {
	ctx := context.Background()
	f := newDiscordFixture(t)
	f.activeProposal(t, "chan-1", "msg-1")
	f.signer.submitErr = fmt.Errorf("rpc unavailable")

	f.session.reactors("user-2", "user-3", "user-4", "user-5", "user-6")
	f.discord.completeOnQuorum(
		ctx, botSession("bot-1"), reactionEvent("chan-1", "msg-1", "user-6"),
	)

	require.NotEmpty(t, f.session.channelMessages["chan-1"])
	assert.Contains(
		t, f.session.channelMessages["chan-1"][0], "react again to retry",
	)

	// The failure was mirrored to the ops channel.
	assert.NotEmpty(t, f.session.channelMessages["ops-1"])

	// The claim was released, so the proposal can still complete.
	rec, err := f.dm.cooldowns.FindProposalByMessage(ctx, "chan-1", "msg-1")
	require.NoError(t, err)
	assert.False(t, rec.TipPending)
	assert.Empty(t, rec.TxHash)
}

func TestCompleteOnQuorumIgnoresNonProposalMessages(t *testing.T) {
	ctx := context.Background()
	f := newDiscordFixture(t)

	f.discord.completeOnQuorum(
		ctx, botSession("bot-1"), reactionEvent("chan-1", "not-a-proposal", "user-2"),
	)

	assert.Empty(t, f.signer.batches)
	assert.Empty(t, f.session.channelMessages)
}

func TestRenderEligibility(t *testing.T) {
	cooldownEnds := time.Now().Add(time.Hour).UTC()
	msg := renderEligibility(
		Eligibility{Reason: ReasonCooldown, CooldownEnds: cooldownEnds},
	)
	assert.Contains(t, msg, fmt.Sprintf("<t:%d:f>", cooldownEnds.Unix()))

	expires := time.Now().Add(time.Minute).UnixMilli()
	msg = renderEligibility(
		Eligibility{
			Reason:   ReasonActiveProposal,
			Proposal: &TipCooldown{ProposalExpires: expires},
		},
	)
	assert.Contains(t, msg, "already active")
}

func TestRenderPartition(t *testing.T) {
	msg := renderPartition(
		TipPartition{
			Tipped:         []string{"alice"},
			MissingAddress: []string{"bob"},
			MissingAccount: []string{"carol"},
		},
	)
	assert.Contains(t, msg, "Tipped: alice.")
	assert.Contains(t, msg, "Not in the member directory: bob.")
	assert.Contains(t, msg, "No character sheet yet: carol.")

	assert.Empty(t, renderPartition(TipPartition{}))
}

func TestRenderTipReport(t *testing.T) {
	report := &TipReport{
		TxHash:      "0xhash1",
		Status:      TxStatusSuccess,
		ExplorerURL: "https://gnosisscan.io/tx/0xhash1",
		Partition:   TipPartition{Tipped: []string{"alice"}},
	}
	msg := renderTipReport(report, 50)
	assert.Contains(t, msg, "50 XP granted!")
	assert.Contains(t, msg, report.ExplorerURL)
	assert.Contains(t, msg, "Tipped: alice.")

	report.Status = TxStatusFailed
	assert.Contains(t, renderTipReport(report, 50), "reverted")

	report.Status = TxStatusPending
	assert.Contains(t, renderTipReport(report, 50), "hasn't confirmed")
}

func TestRenderSyncResult(t *testing.T) {
	assert.Contains(
		t,
		renderSyncResult(&SyncResult{Outcome: SyncOutcomeNothingToSync}),
		"Nothing to sync",
	)
	assert.Contains(
		t,
		renderSyncResult(
			&SyncResult{
				Outcome:     SyncOutcomeGrantFailed,
				ExplorerURL: "https://gnosisscan.io/tx/0xhash1",
			},
		),
		"reverted",
	)

	msg := renderSyncResult(
		&SyncResult{
			Outcome:                SyncOutcomeCompleted,
			NewDistributions:       3,
			InvoicesWithSecondary:  2,
			CharactersRolled:       1,
			UnattributedRecipients: 1,
		},
	)
	assert.Contains(t, msg, "3 new distributions")
	assert.Contains(t, msg, "Rolled 1 new character sheets")
	assert.Contains(t, msg, "1 recipients couldn't be attributed")
}
