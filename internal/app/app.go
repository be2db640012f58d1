package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/Sleuth/internal/api/handlers"
	"github.com/markdave123-py/Sleuth/internal/config"
	"github.com/markdave123-py/Sleuth/internal/core"
	db "github.com/markdave123-py/Sleuth/internal/core/database"
	"github.com/markdave123-py/Sleuth/internal/core/feed"
	"github.com/markdave123-py/Sleuth/internal/core/llm"
	"github.com/markdave123-py/Sleuth/internal/core/memstore"
	objectclient "github.com/markdave123-py/Sleuth/internal/core/object-client"
	"github.com/markdave123-py/Sleuth/internal/core/parallel"
	"github.com/markdave123-py/Sleuth/internal/services"
)

const shutdownTimeout = 15 * time.Second

type App struct {
	Config  *config.Config
	Store   core.Store
	Hub     *feed.Hub
	Sweeper *services.Sweeper
	Server  *Server

	listener *db.Listener
	closers  []func() error
	logger   *zap.Logger
}

// Deps are the external collaborators. NewApp builds them from config;
// tests pass fakes through Build.
type Deps struct {
	Store    core.Store
	Hub      *feed.Hub
	Chat     core.ChatProvider
	Provider core.ResearchProvider
	Archive  *objectclient.ResultArchive
}

func NewApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	appCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	var closers []func() error
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}

	hub := feed.NewHub(logger)
	store, listener, err := openStore(appCtx, cfg, hub, logger)
	if err != nil {
		return nil, err
	}
	closers = append(closers, store.Close)
	logger.Info("datastore ready", zap.String("backend", cfg.StorageBackend))

	var chat core.ChatProvider
	if cfg.UseMockLLM {
		chat = llm.NewMockLLM()
		logger.Warn("USE_MOCK_LLM set, chat replies are canned")
	} else {
		gemini, err := llm.NewGeminiLLM(appCtx, cfg.GeminiAPIKey, cfg.GenModel)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("couldn't initialize the chat model, %w", err)
		}
		closers = append(closers, gemini.Close)
		chat = gemini
	}

	var archive *objectclient.ResultArchive
	if cfg.ArchiveEnabled() {
		s3, err := objectclient.NewS3Client(appCtx, cfg, logger)
		if err != nil {
			closeAll()
			return nil, err
		}
		archive = objectclient.NewResultArchive(s3, cfg.BucketName)
	}

	a := Build(cfg, Deps{
		Store:    store,
		Hub:      hub,
		Chat:     chat,
		Provider: parallel.NewClient(cfg.ParallelAPIKey, parallel.WithBaseURL(cfg.ParallelBaseURL)),
		Archive:  archive,
	}, logger)
	a.listener = listener
	a.closers = closers
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config, hub *feed.Hub, logger *zap.Logger) (core.Store, *db.Listener, error) {
	switch cfg.StorageBackend {
	case config.BackendMemory:
		logger.Warn("STORAGE_BACKEND=memory, data is lost on restart")
		return memstore.New(hub.Publish), nil, nil
	case config.BackendSQLite:
		c, err := db.NewSQLiteClient(ctx, cfg.SQLitePath, hub.Publish)
		return c, nil, err
	case config.BackendPostgres:
		c, err := db.NewPostgresClient(ctx, cfg.DatabaseURL, cfg.SSLCertPath)
		if err != nil {
			return nil, nil, err
		}
		return c, db.NewListener(cfg.DatabaseURL, hub.Publish, logger), nil
	default:
		return nil, nil, core.Errorf(core.KindConfiguration, "app.openStore", "unknown STORAGE_BACKEND %q", cfg.StorageBackend)
	}
}

// Build assembles services, handlers and the HTTP server around deps.
func Build(cfg *config.Config, d Deps, logger *zap.Logger) *App {
	sessions := services.NewSessionService(d.Store, cfg.MaxActiveSessions, logger)
	chat := services.NewChatService(d.Store, d.Chat, cfg.ChatTemperature, cfg.ChatMaxTokens, logger)
	briefs := services.NewBriefService(d.Chat, logger)
	dispatcher := services.NewDispatcher(d.Store, d.Provider, services.DispatcherConfig{
		Processor:    cfg.ParallelProcessor,
		EnableEvents: cfg.ParallelEnableEvents,
		WebhookURL:   cfg.ParallelWebhookURL,
	}, logger)
	reconciler := services.NewReconciler(d.Store, d.Provider, cfg.ParallelWebhookSecret, logger)
	reconciler.WarnIfUnsigned()
	if d.Archive != nil {
		reconciler.WithArchive(d.Archive)
		sessions.WithArchive(d.Archive)
	}
	relay := services.NewRelay(d.Store, d.Provider, reconciler, logger)
	conversation := services.NewConversationService(sessions, chat, briefs, dispatcher, logger)

	sweeper := services.NewSweeper(d.Store, d.Provider, reconciler, services.SweeperConfig{
		Interval:    cfg.SweepInterval,
		PollAfter:   cfg.SweepPollAfter,
		ExpireAfter: cfg.StaleRunAfter,
		Workers:     cfg.SweepWorkers,
	}, logger)

	router := NewRouter(cfg, Handlers{
		Chat:     handlers.NewChatHandler(sessions, chat, briefs),
		Research: handlers.NewResearchHandler(sessions, dispatcher, reconciler, relay),
		Sessions: handlers.NewSessionHandler(sessions, conversation),
		Feed:     handlers.NewFeedHandler(d.Hub, sessions, logger),
	}, logger)

	return &App{
		Config:  cfg,
		Store:   d.Store,
		Hub:     d.Hub,
		Sweeper: sweeper,
		Server:  NewServer(cfg.Port, router, logger),
		logger:  logger,
	}
}

// Run serves HTTP and runs the background workers until ctx is done.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	a.Sweeper.Start(gctx)
	if a.listener != nil {
		g.Go(func() error { return a.listener.Run(gctx) })
	}
	g.Go(a.Server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return a.Server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
}
