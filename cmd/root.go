package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/raid-guild/dungeon-master-worker/dungeonmaster"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = dungeonmaster.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "dungeonmaster [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", dungeonmaster.DefaultDatabase)
	viper.SetDefault("database_type", dungeonmaster.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		dungeonmaster.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		dungeonmaster.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", dungeonmaster.DefaultLogLevel.String())
	viper.SetDefault("api.log_level", dungeonmaster.DefaultAPILogLevel.String())

	viper.SetDefault("startup_timeout", dungeonmaster.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", dungeonmaster.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.steward_id", "")
	viper.SetDefault("discord.ops_channel_id", "")
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault(
		"discord.log_level",
		dungeonmaster.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		dungeonmaster.DefaultDiscordgoLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		dungeonmaster.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault(
		"discord.startup_message",
		dungeonmaster.DefaultDiscordStartupMessage,
	)

	// Chain / Safe signer config
	viper.SetDefault("chain.safe_owner_key", "")
	viper.SetDefault("chain.receipt_timeout", dungeonmaster.DefaultReceiptTimeout)
	viper.SetDefault(
		"chain.receipt_poll_interval",
		dungeonmaster.DefaultReceiptPollInterval,
	)
	viper.SetDefault(
		"chain.rate_per_second",
		dungeonmaster.DefaultChainRatePerSecond,
	)
	viper.SetDefault(
		"chain.log_level",
		dungeonmaster.DefaultChainLogLevel.String(),
	)

	// Membership directory
	viper.SetDefault("directory.endpoint", "")
	viper.SetDefault("directory.admin_secret", "")

	// Invoice discovery
	viper.SetDefault("invoices.subgraph_url", "")
	viper.SetDefault("invoices.split_subgraph_url", "")
	viper.SetDefault("invoices.dao_address", "")

	// IPFS pinning
	viper.SetDefault("pinata.jwt", "")
	viper.SetDefault("pinata.endpoint", dungeonmaster.DefaultPinataEndpoint)

	// Grant workflows
	viper.SetDefault("grants.cooldown_window", dungeonmaster.DefaultCooldownWindow)
	viper.SetDefault("grants.proposal_window", dungeonmaster.DefaultProposalWindow)
	viper.SetDefault(
		"grants.quorum_threshold",
		dungeonmaster.DefaultQuorumThreshold,
	)
	viper.SetDefault(
		"grants.minimum_attendees",
		dungeonmaster.DefaultMinimumAttendees,
	)
	viper.SetDefault("grants.props_amount", dungeonmaster.DefaultPropsTipAmount)
	viper.SetDefault(
		"grants.attendance_amount",
		dungeonmaster.DefaultAttendanceTipAmount,
	)
	viper.SetDefault("grants.mc_amount", dungeonmaster.DefaultMcTipAmount)
	viper.SetDefault("grants.jester_amount", dungeonmaster.DefaultJesterTipAmount)
	viper.SetDefault("grants.scribe_amount", dungeonmaster.DefaultScribeTipAmount)

	// API config
	viper.SetDefault("api.listen", dungeonmaster.DefaultAPIListen)
	viper.SetDefault("api.read_timeout", dungeonmaster.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		dungeonmaster.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", dungeonmaster.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", dungeonmaster.DefaultIdleTimeout)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		dungeonmaster.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		dungeonmaster.DefaultCORSAllowMethods,
	)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", dungeonmaster.DefaultCORSMaxAge)

	envPrefix := os.Getenv(dungeonmaster.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = dungeonmaster.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)
	viper.Set(
		"discord.allowed_parent_channel_ids",
		viper.GetStringSlice("discord.allowed_parent_channel_ids"),
	)

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"chain.log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
