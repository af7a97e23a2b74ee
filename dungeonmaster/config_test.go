package dungeonmaster

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, DefaultDatabaseType, cfg.DatabaseType)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel.Level())
	assert.Equal(t, DefaultPinataEndpoint, cfg.Pinata.Endpoint)
	assert.Equal(t, DefaultAPIListen, cfg.API.Listen)

	require.NotNil(t, cfg.Grants)
	assert.Equal(t, DefaultQuorumThreshold, cfg.Grants.QuorumThreshold)
	assert.Equal(t, DefaultCooldownWindow, cfg.Grants.CooldownWindow)

	// Contract addresses have no defaults; games must come from config.
	assert.Empty(t, cfg.Games)
}

func TestGameConfigGame(t *testing.T) {
	game := testGame()
	assert.Equal(t, common.HexToAddress(game.GameAddress), game.Game())
}

func TestGameConfigExplorerTxURL(t *testing.T) {
	game := testGame()
	assert.Equal(
		t, "https://gnosisscan.io/tx/0xhash1", game.ExplorerTxURL("0xhash1"),
	)
	assert.Empty(t, game.ExplorerTxURL(""))

	game.ExplorerURL = ""
	assert.Empty(t, game.ExplorerTxURL("0xhash1"))
}
