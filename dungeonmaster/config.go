//nolint:lll // struct tags can't be split
package dungeonmaster

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-contrib/cors"
)

const (
	EnvvarSetEnvPrefix = "DUNGEONMASTER_ENV_PREFIX"
	DefaultEnvPrefix   = "DM"

	DefaultDatabaseType = "sqlite"
	DefaultDatabase     = "dungeonmaster.sqlite3"
	DefaultLogLevel     = slog.LevelInfo

	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	// DefaultCooldownWindow is the minimum elapsed time between two
	// successful grants in the same scope.
	DefaultCooldownWindow = 24 * time.Hour

	// DefaultProposalWindow is how long a tip proposal accepts reactions
	// before it lapses.
	DefaultProposalWindow = 5 * time.Minute

	// DefaultQuorumThreshold is the number of distinct reacting users
	// required to complete a socially-gated tip.
	DefaultQuorumThreshold = 5

	// DefaultMinimumAttendees is the voice-channel headcount required for
	// meeting-scoped tips.
	DefaultMinimumAttendees = 6

	DefaultPropsTipAmount      int64 = 10
	DefaultAttendanceTipAmount int64 = 20
	DefaultMcTipAmount         int64 = 50
	DefaultJesterTipAmount     int64 = 50
	DefaultScribeTipAmount     int64 = 50

	DefaultReceiptTimeout      = 120 * time.Second
	DefaultReceiptPollInterval = 3 * time.Second
	DefaultChainRatePerSecond  = 1

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultAPIListen      = "127.0.0.1:5000"
	defaultListenNetwork  = "tcp"
	DefaultDiscordgoLevel = slog.LevelWarn

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo
	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultAPILogLevel           = slog.LevelInfo
	DefaultChainLogLevel         = slog.LevelInfo

	DefaultDiscordStartupMessage = "DungeonMaster reporting for duty!"
	DefaultDiscordGatewayIntent  = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions

	DefaultPinataEndpoint = "https://api.pinata.cloud/pinning/pinJSONToIPFS"

	// DefaultCharacterImageCID is the IPFS CID of the placeholder avatar
	// attached to lazily provisioned character sheets.
	DefaultCharacterImageCID = "QmWxR5ghwhE9dF62Q1QwgQZqJSncmfE6XrDLetXwiFq6Wz"
)

// Discord slash command names.
const (
	SlashCommandProps            = "props"
	SlashCommandTipAttendance    = "tip-attendance"
	SlashCommandRecordAttendance = "record-attendance"
	SlashCommandTipJester        = "tip-jester"
	SlashCommandTipScribe        = "tip-scribe"
	SlashCommandTipMc            = "tip-mc"
	SlashCommandSyncInvoices     = "sync-invoices"
)

// Cooldown collection names. One rotating TipCooldown record lives per
// (collection, game) scope; props additionally scopes per sender.
const (
	collectionProps            = "latestProps"
	collectionAttendanceTips   = "latestAttendanceXpTips"
	collectionAttendanceRecord = "latestAttendanceRecord"
	collectionJesterTips       = "latestJesterTips"
	collectionScribeTips       = "latestScribeTips"
	collectionMcTips           = "latestXpMcTips"
)

// GameKey identifies one CharacterSheets game instance. A DAO may run a
// "main" game and per-cohort games in parallel, each with its own contract
// addresses and subgraph.
type GameKey string

const (
	GameMain    GameKey = "main"
	GameCohort7 GameKey = "cohort7"
)

// GameConfig holds the per-game contract addresses and endpoints. Resolved
// once at startup; every resolver takes the resolved config explicitly.
type GameConfig struct {
	ChainID           uint64 `yaml:"chain_id" mapstructure:"chain_id" json:"chain_id" binding:"required"`
	GameAddress       string `yaml:"game_address" mapstructure:"game_address" json:"game_address" binding:"required"`
	XPAddress         string `yaml:"xp_address" mapstructure:"xp_address" json:"xp_address" binding:"required"`
	ClassesAddress    string `yaml:"classes_address" mapstructure:"classes_address" json:"classes_address" binding:"required"`
	ItemsAddress      string `yaml:"items_address" mapstructure:"items_address" json:"items_address" binding:"required"`
	SafeAddress       string `yaml:"safe_address" mapstructure:"safe_address" json:"safe_address" binding:"required"`
	AttendanceBadgeID uint64 `yaml:"attendance_badge_id" mapstructure:"attendance_badge_id" json:"attendance_badge_id"`
	RPCURL            string `yaml:"rpc_url" mapstructure:"rpc_url" json:"rpc_url" binding:"required"`
	SubgraphURL       string `yaml:"subgraph_url" mapstructure:"subgraph_url" json:"subgraph_url" binding:"required"`
	ExplorerURL       string `yaml:"explorer_url" mapstructure:"explorer_url" json:"explorer_url"`
}

// Game returns the checksummed game contract address.
func (g GameConfig) Game() common.Address {
	return common.HexToAddress(g.GameAddress)
}

// ExplorerTxURL returns a block explorer link for the given transaction hash.
func (g GameConfig) ExplorerTxURL(txHash string) string {
	if g.ExplorerURL == "" || txHash == "" {
		return ""
	}
	return fmt.Sprintf("%s/tx/%s", g.ExplorerURL, txHash)
}

type Config struct {
	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Discord configures the bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// Chain configures the custodial Safe signer and receipt polling
	Chain *ChainConfig `yaml:"chain" mapstructure:"chain" json:"chain"`

	// Games maps each game instance key to its contract addresses
	Games map[GameKey]GameConfig `yaml:"games" mapstructure:"games" json:"games" binding:"required"`

	// Directory configures the DungeonMaster membership directory (Hasura)
	Directory *DirectoryConfig `yaml:"directory" mapstructure:"directory" json:"directory"`

	// Invoices configures the smart-invoice and 0xSplits subgraphs
	Invoices *InvoiceConfig `yaml:"invoices" mapstructure:"invoices" json:"invoices"`

	// Pinata configures IPFS pinning for character metadata
	Pinata *PinataConfig `yaml:"pinata" mapstructure:"pinata" json:"pinata"`

	// Grants configures the tip workflows (amounts, windows, quorum)
	Grants *GrantConfig `yaml:"grants" mapstructure:"grants" json:"grants"`

	// API configures the operational status API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// StewardID is the Discord user ID of the sync steward, who may bypass
	// proposal quorum and execute steward-only commands.
	StewardID string `yaml:"steward_id" mapstructure:"steward_id" json:"steward_id"`

	// OpsChannelID receives mirrored operational errors.
	OpsChannelID string `yaml:"ops_channel_id" mapstructure:"ops_channel_id" json:"ops_channel_id"`

	// NotificationChannelID receives the startup message, when set.
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	// AllowedParentChannelIDs restricts where channel-gated commands may run.
	// Commands in allowedAnywhereCommands ignore this.
	AllowedParentChannelIDs []string `yaml:"allowed_parent_channel_ids" mapstructure:"allowed_parent_channel_ids" json:"allowed_parent_channel_ids"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// StartupMessage is sent to NotificationChannelID on gateway connect.
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// ChainConfig configures the custodial Safe owner key and transaction
// confirmation behavior.
type ChainConfig struct {
	// SafeOwnerKey is the hex private key of the NPC Safe owner.
	SafeOwnerKey string `yaml:"safe_owner_key" mapstructure:"safe_owner_key" json:"safe_owner_key" log:"[redacted]" binding:"required"`

	// ReceiptTimeout bounds how long a grant waits for its transaction
	// receipt before reporting a timeout for manual inspection.
	ReceiptTimeout time.Duration `yaml:"receipt_timeout" mapstructure:"receipt_timeout" json:"receipt_timeout"`

	// ReceiptPollInterval is the delay between receipt polls.
	ReceiptPollInterval time.Duration `yaml:"receipt_poll_interval" mapstructure:"receipt_poll_interval" json:"receipt_poll_interval"`

	// RatePerSecond limits RPC submissions and receipt polls.
	RatePerSecond int `yaml:"rate_per_second" mapstructure:"rate_per_second" json:"rate_per_second"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// DirectoryConfig configures the membership directory (Hasura GraphQL).
type DirectoryConfig struct {
	Endpoint    string `yaml:"endpoint" mapstructure:"endpoint" json:"endpoint" binding:"required"`
	AdminSecret string `yaml:"admin_secret" mapstructure:"admin_secret" json:"admin_secret" log:"[redacted]" binding:"required"`
}

// InvoiceConfig configures invoice discovery and payout-split resolution.
type InvoiceConfig struct {
	// SubgraphURL is the smart-invoice subgraph endpoint.
	SubgraphURL string `yaml:"subgraph_url" mapstructure:"subgraph_url" json:"subgraph_url" binding:"required"`

	// SplitSubgraphURL is the 0xSplits subgraph endpoint.
	SplitSubgraphURL string `yaml:"split_subgraph_url" mapstructure:"split_subgraph_url" json:"split_subgraph_url" binding:"required"`

	// DAOAddress is the provider address invoices are discovered by.
	DAOAddress string `yaml:"dao_address" mapstructure:"dao_address" json:"dao_address" binding:"required"`
}

// PinataConfig configures IPFS pinning of character metadata.
type PinataConfig struct {
	JWT      string `yaml:"jwt" mapstructure:"jwt" json:"jwt" log:"[redacted]"`
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint" json:"endpoint"`
}

// GrantConfig configures the shared grant-workflow parameters. Amounts are
// whole XP and always explicit; nothing is hardcoded per command.
type GrantConfig struct {
	CooldownWindow   time.Duration `yaml:"cooldown_window" mapstructure:"cooldown_window" json:"cooldown_window"`
	ProposalWindow   time.Duration `yaml:"proposal_window" mapstructure:"proposal_window" json:"proposal_window"`
	QuorumThreshold  int           `yaml:"quorum_threshold" mapstructure:"quorum_threshold" json:"quorum_threshold"`
	MinimumAttendees int           `yaml:"minimum_attendees" mapstructure:"minimum_attendees" json:"minimum_attendees"`

	PropsAmount      int64 `yaml:"props_amount" mapstructure:"props_amount" json:"props_amount"`
	AttendanceAmount int64 `yaml:"attendance_amount" mapstructure:"attendance_amount" json:"attendance_amount"`
	McAmount         int64 `yaml:"mc_amount" mapstructure:"mc_amount" json:"mc_amount"`
	JesterAmount     int64 `yaml:"jester_amount" mapstructure:"jester_amount" json:"jester_amount"`
	ScribeAmount     int64 `yaml:"scribe_amount" mapstructure:"scribe_amount" json:"scribe_amount"`
}

// APIConfig configures the operational status API server
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"hostname|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"oneof=tcp tcp4 tcp6 unix"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	return CORSConfig{
		AllowOrigins: []string{},
		AllowMethods: defaultMethods,
		AllowHeaders: defaultHeaders,
		MaxAge:       DefaultCORSMaxAge,
	}
}

// DefaultConfig returns a Config with all default settings populated.
// Game contract addresses, tokens and endpoints have no defaults and must
// be provided via config file or environment.
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}
	chainLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)
	chainLogLevel.Set(DefaultChainLogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			GatewayIntents:    DefaultDiscordGatewayIntent,
			StartupMessage:    DefaultDiscordStartupMessage,
		},
		Chain: &ChainConfig{
			ReceiptTimeout:      DefaultReceiptTimeout,
			ReceiptPollInterval: DefaultReceiptPollInterval,
			RatePerSecond:       DefaultChainRatePerSecond,
			LogLevel:            chainLogLevel,
		},
		Games:     map[GameKey]GameConfig{},
		Directory: &DirectoryConfig{},
		Invoices:  &InvoiceConfig{},
		Pinata: &PinataConfig{
			Endpoint: DefaultPinataEndpoint,
		},
		Grants: &GrantConfig{
			CooldownWindow:   DefaultCooldownWindow,
			ProposalWindow:   DefaultProposalWindow,
			QuorumThreshold:  DefaultQuorumThreshold,
			MinimumAttendees: DefaultMinimumAttendees,
			PropsAmount:      DefaultPropsTipAmount,
			AttendanceAmount: DefaultAttendanceTipAmount,
			McAmount:         DefaultMcTipAmount,
			JesterAmount:     DefaultJesterTipAmount,
			ScribeAmount:     DefaultScribeTipAmount,
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}
