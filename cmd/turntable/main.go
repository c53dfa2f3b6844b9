package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"turntable/internal/auth"
	"turntable/internal/audio"
	"turntable/internal/cache"
	"turntable/internal/config"
	"turntable/internal/console"
	"turntable/internal/library"
	"turntable/internal/ngrok"
	"turntable/internal/output"
	"turntable/internal/remote"
	"turntable/internal/resolver"
	"turntable/internal/server"
	"turntable/internal/stream"

	"github.com/gopxl/beep/v2"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := os.Getenv("TURNTABLE_CONFIG")
	if configPath == "" {
		configPath = "./config.toml"
	}

	// Initialize basic logger for startup
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Error loading configuration")
	}
	if err := cfg.ApplyEnv(".env"); err != nil {
		logger.WithError(err).Warn("Could not load environment file")
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	configured, err := cfg.Logging.NewLogger()
	if err != nil {
		logger.WithError(err).Fatal("Error configuring logger")
	}
	logger = configured

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("Turntable stopped with an error")
	}
	logger.Info("Turntable shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	store, err := openCache(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	decoder := audio.NewDecoder(cfg.Audio.SampleRate, cfg.Audio.ResampleQuality, logger)

	resolverOpts := resolver.Options{
		Cache: store,
		Validate: func(trackID string, data []byte) error {
			_, err := decoder.Validate(trackID, data)
			return err
		},
		FetchTimeout: cfg.FetchTimeout(),
		Logger:       logger,
	}
	var catalog console.Catalog
	if cfg.RemoteEnabled() {
		issuerClient := remote.NewClient(cfg.Remote.IssuerURL, cfg.Remote.IssuerToken, cfg.Remote.RequestsPerSecond, cfg.FetchTimeout())
		resolverOpts.Issuer = remote.NewIssuerClient(issuerClient)
		resolverOpts.Fetcher = remote.NewDownloader(cfg.FetchTimeout(), 0)

		if cfg.Remote.CatalogURL != "" {
			catalogClient := remote.NewClient(cfg.Remote.CatalogURL, cfg.Remote.IssuerToken, cfg.Remote.RequestsPerSecond, cfg.FetchTimeout())
			catalog = remote.NewCatalogClient(catalogClient)
		}
		logger.WithField("issuer_url", cfg.Remote.IssuerURL).Info("Remote track source enabled")
	} else {
		logger.Info("No remote issuer configured, serving cached and local tracks only")
	}
	res := resolver.New(resolverOpts)

	db, err := library.NewDatabase(cfg.Library.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("error initializing library database: %w", err)
	}
	lib := library.New(db, store, decoder, logger)
	defer lib.Close()

	c := console.New(console.Options{
		Cache:           store,
		Resolver:        res,
		Decoder:         decoder,
		Local:           lib,
		Catalog:         catalog,
		RefreshInterval: cfg.RefreshInterval(),
		BufferSize:      512,
		Logger:          logger,
	})
	defer c.Close()
	go c.Run(ctx)

	if cfg.Library.WatchInbox {
		inbox := library.NewInbox(lib, cfg.Library.InboxPath, cfg.Audio.SupportedFormats, logger)
		if err := inbox.Start(ctx); err != nil {
			logger.WithError(err).Warn("Could not start inbox watcher")
		} else {
			defer inbox.Stop()
		}
	}

	outputHandler, closeOutput, err := startOutput(ctx, cfg, c, logger)
	if err != nil {
		return err
	}
	defer closeOutput()

	authService, err := auth.NewService(&cfg.Auth)
	if err != nil {
		return fmt.Errorf("error creating auth service: %w", err)
	}
	defer authService.Close()

	tunnel, err := ngrok.NewService(&cfg.Ngrok, logger)
	if err != nil {
		logger.WithError(err).Warn("Ngrok tunnel not available")
		tunnel = nil
	}

	srv, err := server.NewConsoleServer(server.Options{
		Config:  cfg,
		Console: c,
		Library: lib,
		Auth:    authService,
		Output:  outputHandler,
		Tunnel:  tunnel,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("error creating console server: %w", err)
	}

	return srv.Start(ctx)
}

func openCache(cfg *config.Config, logger *logrus.Logger) (cache.Store, error) {
	switch cfg.Cache.Backend {
	case "memory":
		logger.Info("Using in-memory track cache")
		return cache.NewMemoryStore(cfg.Cache.MaxBytes), nil
	default:
		store, err := cache.NewSQLiteStore(cfg.Cache.Path, cfg.Cache.MaxBytes, logger)
		if err != nil {
			return nil, fmt.Errorf("error opening track cache: %w", err)
		}
		return store, nil
	}
}

// startOutput attaches the single consumer of the master bus selected by
// output.mode. Something must always pull the bus or the deck clocks stop.
func startOutput(ctx context.Context, cfg *config.Config, c *console.Console, logger *logrus.Logger) (http.Handler, func(), error) {
	rate := beep.SampleRate(cfg.Audio.SampleRate)
	backlog := cfg.Output.BufferMs / int(output.FrameDuration.Milliseconds())
	if backlog < 1 {
		backlog = 1
	}

	switch cfg.Output.Mode {
	case "speaker":
		spk, err := output.StartSpeaker(c.Mixer(), rate, cfg.Output.BufferMs, logger)
		if err != nil {
			return nil, nil, err
		}
		return nil, func() { spk.Close() }, nil

	case "webrtc":
		renderer := output.NewRenderer(c.Mixer(), rate, backlog, logger)
		broadcaster := stream.NewBroadcaster(cfg.Output.ListenerSize)
		handler, err := stream.NewWebRTCHandler(broadcaster, cfg.Audio.SampleRate, cfg.Output.OpusBitrate, logger)
		if err != nil {
			return nil, nil, err
		}
		go renderer.Run(ctx)
		go broadcaster.Run(ctx, renderer.Frames())
		return handler, handler.Close, nil

	default:
		// nobody listens, but the renderer keeps time
		renderer := output.NewRenderer(c.Mixer(), rate, backlog, logger)
		go renderer.Run(ctx)
		return nil, func() {}, nil
	}
}
