package dungeonmaster

import (
	"math/big"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
)

func TestParseMentionedUserIDs(t *testing.T) {
	content := "props to <@123> and <@!456> for the ship, also <@123> again"
	assert.Equal(t, []string{"123", "456"}, parseMentionedUserIDs(content))

	assert.Empty(t, parseMentionedUserIDs("no mentions here"))
	assert.Empty(t, parseMentionedUserIDs("<@notanid>"))
}

func TestStringOption(t *testing.T) {
	optionMap := map[string]*discordgo.ApplicationCommandInteractionDataOption{
		optionReason: {
			Name:  optionReason,
			Type:  discordgo.ApplicationCommandOptionString,
			Value: "shipped the thing",
		},
		optionRecipients: nil,
	}

	assert.Equal(t, "shipped the thing", stringOption(optionMap, optionReason))

	// Missing or nil entries must not panic.
	assert.Empty(t, stringOption(optionMap, optionRecipients))
	assert.Empty(t, stringOption(optionMap, optionGame))
}

func TestDedupeStrings(t *testing.T) {
	assert.Equal(
		t,
		[]string{"a", "b", "c"},
		dedupeStrings([]string{"a", "b", "a", "c", "b"}),
	)
	assert.Empty(t, dedupeStrings(nil))
}

func TestWeiToWholeXP(t *testing.T) {
	oneXP := big.NewInt(0).Set(weiPerXP)

	assert.Equal(t, int64(1), weiToWholeXP(oneXP))
	assert.Equal(t, int64(0), weiToWholeXP(nil))
	assert.Equal(t, int64(0), weiToWholeXP(big.NewInt(0)))
	assert.Equal(t, int64(0), weiToWholeXP(big.NewInt(-1)))

	// Fractional amounts round up, so 10.2 XP owed grants 11.
	fractional := big.NewInt(0).Mul(big.NewInt(10), weiPerXP)
	fractional.Add(fractional, big.NewInt(1))
	assert.Equal(t, int64(11), weiToWholeXP(fractional))

	// One wei short of a whole amount still rounds up.
	almost := big.NewInt(0).Sub(oneXP, big.NewInt(1))
	assert.Equal(t, int64(1), weiToWholeXP(almost))
}

func TestWholeXPToWei(t *testing.T) {
	assert.Equal(t, big.NewInt(0), wholeXPToWei(0))
	assert.Equal(
		t,
		big.NewInt(0).Mul(big.NewInt(50), weiPerXP),
		wholeXPToWei(50),
	)
}

func TestChunkItems(t *testing.T) {
	chunks := chunkItems(2, "a", "b", "c", "d", "e")
	assert.Equal(
		t,
		[][]string{{"a", "b"}, {"c", "d"}, {"e"}},
		chunks,
	)

	assert.Nil(t, chunkItems[string](3))
	assert.Equal(t, [][]int{{1, 2, 3}}, chunkItems(5, 1, 2, 3))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", truncate("hello", 10))
	assert.Equal(t, "hel", truncate("hello", 3))
	assert.Equal(t, "hél", truncate("héllo", 3))
}
