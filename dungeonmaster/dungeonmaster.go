package dungeonmaster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/raid-guild/dungeon-master-worker/dungeonmaster.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var defaultLogWriter io.Writer = os.Stdout

var structValidator = validator.New()

// DungeonMaster is the main application struct: the Discord bot, the
// custodial Safe signer, the grant workflows, the invoice sync pipeline
// and the status API, wired around one database.
type DungeonMaster struct {
	config *Config

	// gorm.DB wrapper that serializes writes when using sqlite.
	db DBI

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	discord *Discord
	safe    *NPCSafe

	cooldowns *CooldownStore
	workflow  *GrantWorkflow
	executor  *GrantExecutor
	syncer    *Syncer

	api *API

	startedAt   time.Time
	syncRunning atomic.Bool

	runMu      sync.Mutex
	signalStop chan struct{}

	// signalReady receives a signal when startup completes; tests use it
	// to know when the bot is usable.
	signalReady chan struct{}
}

// New assembles a DungeonMaster from the given config. The database and
// gateway connections are deferred to Run.
func New(config *Config) (*DungeonMaster, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	dm := &DungeonMaster{
		config:      config,
		signalReady: make(chan struct{}, 1),
	}

	dm.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     dm.config.LogLevel,
			AddSource: true,
		},
	)
	dm.logger = slog.New(dm.logHandler)
	slog.SetDefault(dm.logger)

	dm.config.Discord.httpClient = dm.config.HTTPClient

	disc := newDiscord(dm.config.Discord)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     dm.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     dm.config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")

	dm.discord = disc
	disc.dm = dm

	chainLogger := slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     dm.config.Chain.LogLevel,
				AddSource: true,
			},
		),
	)
	safe, err := NewNPCSafe(dm.config.Chain, chainLogger)
	if err != nil {
		errs = append(errs, fmt.Errorf("initializing safe signer: %w", err))
	}
	dm.safe = safe

	directory := NewDirectoryClient(
		dm.config.HTTPClient, dm.config.Directory, dm.logger,
	)
	characters := NewCharacterRegistryClient(dm.config.HTTPClient, dm.logger)
	pinner := NewPinataClient(dm.config.HTTPClient, dm.config.Pinata, dm.logger)
	invoices := NewInvoiceRegistryClient(
		dm.config.HTTPClient, dm.config.Invoices.SubgraphURL, dm.logger,
	)
	splits := NewSplitRegistryClient(
		dm.config.HTTPClient, dm.config.Invoices.SplitSubgraphURL, dm.logger,
	)

	dm.executor = NewGrantExecutor(directory, characters, safe, pinner, dm.logger)
	dm.syncer = NewSyncer(
		nil, // database is attached in initDB
		invoices,
		splits,
		directory,
		dm.executor,
		disc,
		dm.config.Invoices,
		dm.config.Games,
		dm.logger,
	)

	api, err := newAPI(dm, config.API)
	errs = append(errs, err)
	dm.api = api

	return dm, errors.Join(errs...)
}

func (dm *DungeonMaster) ValidateConfig() error {
	return structValidator.Struct(dm.config)
}

// Run starts the bot and blocks until the context is canceled or startup
// fails. Shutdown is graceful up to Config.ShutdownTimeout.
func (dm *DungeonMaster) Run(ctx context.Context) error {
	// prevents concurrent runs
	dm.runMu.Lock()
	defer dm.runMu.Unlock()

	dm.signalStop = make(chan struct{}, 1)
	dm.startedAt = time.Now()
	logger := dm.logger

	if err := dm.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", dm.config))

	if dm.signalReady == nil {
		dm.signalReady = make(chan struct{}, 1)
	}

	// the 'runtime' context; canceling it triggers a graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-dm.signalStop:
			dm.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			dm.logger.Warn("context canceled, sending stop signal")
			dm.signalStop <- struct{}{}
			return
		}
	}()

	go func() {
		httpErr := dm.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			dm.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, dm.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		initErr <- dm.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			if dm.api != nil && dm.api.listener != nil {
				go func() {
					if e := dm.api.listener.Close(); e != nil {
						logger.ErrorContext(ctx, "error closing listener", tint.Err(e))
					}
				}()
			}
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	dm.signalReady <- struct{}{}
	dm.logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the main runtime context
	<-ctx.Done()

	return dm.shutdown()
}

// Stop triggers a graceful shutdown.
func (dm *DungeonMaster) Stop() {
	if dm.signalStop != nil {
		dm.signalStop <- struct{}{}
	}
}

// initRun initializes the database, the Safe RPC clients and the Discord
// session, and registers the slash commands.
func (dm *DungeonMaster) initRun(ctx context.Context) error {
	if err := dm.initDB(ctx); err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	if err := dm.initDiscordSession(); err != nil {
		return fmt.Errorf("initializing discord session: %w", err)
	}
	return nil
}

func (dm *DungeonMaster) initDB(ctx context.Context) error {
	gormDB, err := CreateDB(ctx, dm.config.DatabaseType, dm.config.Database)
	if err != nil {
		return err
	}

	dbHandler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     dm.config.DatabaseLogLevel,
			AddSource: true,
		},
	)
	gormDB.Logger = newGORMLogger(dbHandler, dm.config.DatabaseSlowThreshold)

	dm.db = NewDatabase(
		gormDB,
		slog.New(dbHandler).With(loggerNameKey, "database"),
		dm.config.DatabaseType == dbTypePostgres,
	)

	dm.cooldowns = NewCooldownStore(dm.db, dm.logger)
	dm.workflow = NewGrantWorkflow(dm.cooldowns, dm.config.Grants, dm.logger)
	dm.syncer.db = dm.db
	return nil
}

func (dm *DungeonMaster) initDiscordSession() error {
	session, err := dm.discord.newSession()
	if err != nil {
		return err
	}
	dm.discord.session = session

	dm.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(dm.discord.handlerReady()),
		session.AddHandler(dm.discord.handlerConnect()),
		session.AddHandler(dm.discord.handlerDisconnect()),
		session.AddHandler(dm.discord.handlerInteractionCreate()),
		session.AddHandler(dm.discord.handlerReactionAdd()),
	}

	if err = session.Open(); err != nil {
		return fmt.Errorf("opening discord session: %w", err)
	}
	if err = dm.discord.registerCommands(); err != nil {
		return err
	}
	return nil
}

// RegisterSlashCommands re-registers the bot's application commands.
func (dm *DungeonMaster) RegisterSlashCommands() error {
	return dm.discord.registerCommands()
}

func (dm *DungeonMaster) shutdown() error {
	dm.logger.Warn("shutting down")
	shutdownStart := time.Now()
	shutdownTimeout := dm.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		dm.logger.Warn("immediate shutdown")
		go func() {
			_ = dm.api.httpServer.Close()
		}()
		return nil
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	done := make(chan struct{}, 1)
	go func() {
		defer func() { done <- struct{}{} }()

		stopWG := &sync.WaitGroup{}

		if dm.discord != nil && dm.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				for _, removeHandler := range dm.discord.discordgoRemoveHandlerFuncs {
					removeHandler()
				}
				if err := dm.discord.session.Close(); err != nil {
					dm.logger.Error("error closing discord session", tint.Err(err))
				}
			}()
		}

		if dm.api != nil && dm.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				if err := dm.api.httpServer.Shutdown(closeCtx); err != nil {
					dm.logger.Error("error shutting down api server", tint.Err(err))
				}
			}()
		}

		stopWG.Wait()
	}()

	select {
	case <-done:
		dm.logger.Info(
			"shutdown complete",
			"duration", time.Since(shutdownStart),
		)
		return nil
	case <-closeCtx.Done():
		go func() {
			_ = dm.api.httpServer.Close()
		}()
		return fmt.Errorf("shutdown deadline exceeded")
	}
}
