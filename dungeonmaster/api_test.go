package dungeonmaster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAPIConfig() *APIConfig {
	logLevel := &slog.LevelVar{}
	logLevel.Set(slog.LevelError)
	return &APIConfig{
		Listen:            "127.0.0.1:0",
		ListenNetwork:     "tcp",
		LogLevel:          logLevel,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}
}

// apiFixture serves the status API against the invoice sync fixture's
// database and fakes.
type apiFixture struct {
	api  *API
	dm   *DungeonMaster
	sync *syncFixture
}

func newAPIFixture(t testing.TB) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	sf := newSyncFixture(t)
	dm := &DungeonMaster{
		config: &Config{
			Games: map[GameKey]GameConfig{GameMain: testGame()},
		},
		db:        sf.db,
		logger:    discardLogger(),
		discord:   newDiscord(&DiscordConfig{}),
		cooldowns: NewCooldownStore(sf.db, discardLogger()),
		syncer:    sf.syncer,
		startedAt: time.Now(),
	}
	dm.discord.logger = discardLogger()

	api, err := newAPI(dm, testAPIConfig())
	require.NoError(t, err)
	api.logger = discardLogger()
	api.handlers.logger = discardLogger()
	return &apiFixture{api: api, dm: dm, sync: sf}
}

func (f *apiFixture) request(
	t testing.TB,
	method string,
	target string,
) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, nil)
	f.api.engine.ServeHTTP(w, req)
	return w
}

func decodeJSON[T any](t testing.TB, w *httptest.ResponseRecorder) T {
	t.Helper()
	var rv T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rv))
	return rv
}

func TestAPIHealthCheck(t *testing.T) {
	f := newAPIFixture(t)

	w := f.request(t, http.MethodGet, apiPathHealth)
	require.Equal(t, http.StatusOK, w.Code)
	rv := decodeJSON[healthCheckResponse](t, w)
	assert.Equal(t, "degraded", rv.Status)
	assert.False(t, rv.DiscordConnected)

	f.dm.discord.connected.Store(true)
	w = f.request(t, http.MethodGet, apiPathHealth)
	require.Equal(t, http.StatusOK, w.Code)
	rv = decodeJSON[healthCheckResponse](t, w)
	assert.Equal(t, "ok", rv.Status)
	assert.True(t, rv.DiscordConnected)
	assert.NotEmpty(t, rv.Uptime)
}

func TestAPIRequestIDHeader(t *testing.T) {
	f := newAPIFixture(t)
	w := f.request(t, http.MethodGet, apiPathHealth)
	assert.Len(t, w.Header().Get(xRequestIDHeader), 32)
}

func TestAPIGetProposals(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture(t)
	game := testGame()

	open, err := f.dm.cooldowns.StartProposal(
		ctx,
		CooldownScope{
			Collection:  collectionJesterTips,
			GameAddress: game.GameAddress,
		},
		TipCooldown{RecipientID: "user-1"},
		5*time.Minute,
	)
	require.NoError(t, err)

	// Resolved proposals are cooldown records, not open proposals.
	resolved, err := f.dm.cooldowns.StartProposal(
		ctx,
		CooldownScope{
			Collection:  collectionMcTips,
			GameAddress: game.GameAddress,
		},
		TipCooldown{RecipientID: "user-2"},
		5*time.Minute,
	)
	require.NoError(t, err)
	claimed, err := f.dm.cooldowns.ClaimPending(ctx, resolved)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(
		t, f.dm.cooldowns.Resolve(ctx, resolved, "0xhash1", 24*time.Hour),
	)

	w := f.request(t, http.MethodGet, apiPathProposals)
	require.Equal(t, http.StatusOK, w.Code)
	records := decodeJSON[[]TipCooldown](t, w)
	require.Len(t, records, 1)
	assert.Equal(t, open.ID, records[0].ID)
	assert.Equal(t, collectionJesterTips, records[0].Collection)
}

func TestAPIGetCooldowns(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture(t)
	game := testGame()

	_, err := f.dm.cooldowns.RecordGrant(
		ctx,
		CooldownScope{
			Collection:  collectionScribeTips,
			GameAddress: game.GameAddress,
		},
		"0xhash1", 24*time.Hour,
	)
	require.NoError(t, err)
	_, err = f.dm.cooldowns.RecordGrant(
		ctx,
		CooldownScope{
			Collection:  collectionMcTips,
			GameAddress: game.GameAddress,
		},
		"0xhash2", 24*time.Hour,
	)
	require.NoError(t, err)

	w := f.request(t, http.MethodGet, apiPathCooldowns)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeJSON[[]TipCooldown](t, w), 2)

	w = f.request(
		t, http.MethodGet,
		apiPathCooldowns+"?collection="+collectionScribeTips,
	)
	require.Equal(t, http.StatusOK, w.Code)
	records := decodeJSON[[]TipCooldown](t, w)
	require.Len(t, records, 1)
	assert.Equal(t, "0xhash1", records[0].TxHash)
}

type distributionsPage struct {
	Total         int64                   `json:"total"`
	Limit         int                     `json:"limit"`
	Offset        int                     `json:"offset"`
	Distributions []InvoiceXpDistribution `json:"distributions"`
}

func TestAPIGetDistributions(t *testing.T) {
	f := newAPIFixture(t)

	// A completed sync run leaves two SUCCESS audit rows.
	result, err := f.sync.syncer.Sync(context.Background(), GameMain)
	require.NoError(t, err)
	require.Equal(t, SyncOutcomeCompleted, result.Outcome)

	w := f.request(t, http.MethodGet, apiPathDistributions)
	require.Equal(t, http.StatusOK, w.Code)
	page := decodeJSON[distributionsPage](t, w)
	assert.Equal(t, int64(2), page.Total)
	assert.Len(t, page.Distributions, 2)
	assert.Equal(t, defaultPageLimit, page.Limit)

	w = f.request(t, http.MethodGet, apiPathDistributions+"?limit=1&offset=1")
	require.Equal(t, http.StatusOK, w.Code)
	page = decodeJSON[distributionsPage](t, w)
	assert.Equal(t, int64(2), page.Total)
	assert.Len(t, page.Distributions, 1)
	assert.Equal(t, 1, page.Offset)

	// The status filter is case-insensitive on input.
	w = f.request(t, http.MethodGet, apiPathDistributions+"?status=success")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(2), decodeJSON[distributionsPage](t, w).Total)

	w = f.request(t, http.MethodGet, apiPathDistributions+"?status=failed")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(0), decodeJSON[distributionsPage](t, w).Total)

	w = f.request(t, http.MethodGet, apiPathDistributions+"?limit=banana")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.request(t, http.MethodGet, apiPathDistributions+"?offset=-1")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPITriggerSync(t *testing.T) {
	f := newAPIFixture(t)
	f.sync.invoices.invoices = nil

	w := f.request(t, http.MethodPost, apiPathSync)
	require.Equal(t, http.StatusOK, w.Code)
	result := decodeJSON[SyncResult](t, w)
	assert.Equal(t, SyncOutcomeNothingToSync, result.Outcome)
}

func TestAPITriggerSyncUnknownGame(t *testing.T) {
	f := newAPIFixture(t)
	w := f.request(t, http.MethodPost, apiPathSync+"?game=atlantis")
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeJSON[httpError](t, w).Error, "not configured")
}

func TestAPITriggerSyncAlreadyRunning(t *testing.T) {
	f := newAPIFixture(t)
	f.dm.syncRunning.Store(true)

	w := f.request(t, http.MethodPost, apiPathSync)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, decodeJSON[httpError](t, w).Error, "already running")
}

func TestAPIRequestMetrics(t *testing.T) {
	f := newAPIFixture(t)
	f.request(t, http.MethodGet, apiPathHealth)
	f.request(t, http.MethodGet, apiPathHealth)

	w := f.request(t, http.MethodGet, apiPathMetrics)
	require.Equal(t, http.StatusOK, w.Code)
	metrics := decodeJSON[map[string]int](t, w)
	assert.Equal(
		t, 2, metrics[fmt.Sprintf("%s %s", http.MethodGet, apiPathHealth)],
	)
}
