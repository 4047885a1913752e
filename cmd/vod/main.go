package main

import (
	"context"
	"errors"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"streamgate/internal/audit"
	"streamgate/internal/config"
	"streamgate/internal/engine"
	"streamgate/internal/httpapi"
	"streamgate/internal/janitor"
	"streamgate/internal/metrics"
	"streamgate/internal/pool"
	"streamgate/internal/proxy"
	"streamgate/internal/proxycache"
	"streamgate/internal/registry"
	"streamgate/internal/store"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	root := &cobra.Command{
		Use:          "vod",
		Short:        "On-demand torrent and HLS streaming gateway",
		SilenceUsage: true,
	}
	root.AddCommand(serveCommand(), versionCommand())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("vod %s (%s)\n", version, commit)
		},
	}
}

func serveCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to a yaml or toml config file")
	return cmd
}

func serve(parent context.Context, cfg *config.Config) error {
	logger, closer, err := config.SetupLogging(cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()

	if cfg.ProxySecretGenerated {
		logger.Warn().Msg("PROXY_SECRET not set; using a random secret, proxy ids will not survive a restart")
	}
	if err := cfg.EnsureDataRoot(); err != nil {
		return err
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialect, err := store.ParseDialect(cfg.DBEngine)
	if err != nil {
		return err
	}
	st, err := store.Open(ctx, dialect, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info().Str("engine", string(dialect)).Msg("store connected")

	// audit outlives the request path so shutdown transitions are recorded
	auditCtx, stopAudit := context.WithCancel(context.Background())
	rec := audit.New(st, 256, logger)
	auditDone := make(chan struct{})
	go func() {
		defer close(auditDone)
		_ = rec.Run(auditCtx)
	}()
	defer func() {
		stopAudit()
		<-auditDone
	}()

	eng := engine.New(engine.Options{
		NewSwarm: func() (engine.Swarm, error) {
			return engine.NewAnacrolixSwarm(engine.SwarmConfig{
				DataDir:      cfg.DataRoot,
				TrackersMode: cfg.TrackersMode,
			})
		},
		Registry: registry.Options{
			Capacity: cfg.RegistryCapacity,
			IdleTTL:  cfg.RegistryIdleTTL,
		},
		Pool: pool.Options{
			MaxPerStream: cfg.PoolMaxPerStream,
			Inactivity:   cfg.PoolInactivity,
			StreamIdle:   cfg.PoolStreamIdle,
		},
		RequestTimeout:   cfg.RequestTimeout,
		MetadataTimeout:  cfg.WaitMetadata,
		ProgressInterval: cfg.ProgressInterval,
		TorrentIdle:      cfg.TorrentIdleTTL,
		StreamGrace:      cfg.StreamIdleGrace,
		ReadaheadSeconds: cfg.ReadaheadSeconds,
		Audit:            rec,
		Logger:           logger,
	})

	cache := proxycache.New(proxycache.Options{})
	gw := proxy.New(proxy.Options{
		Secret:          []byte(cfg.ProxySecret),
		BasePath:        cfg.ProxyBasePath,
		MaxConnections:  cfg.ProxyMaxConnections,
		PlaylistTimeout: cfg.ProxyPlaylistTimeout,
		Deadline:        cfg.ProxyDeadline,
		SegmentCacheMax: cfg.ProxySegmentCacheMax,
		Inactivity:      cfg.PoolInactivity,
		Cache:           cache,
		Lookup:          st,
		Audit:           rec,
		Logger:          logger,
	})

	var metricsHandler http.Handler
	if cfg.MetricsEnabled {
		metricsHandler = metrics.NewManager(eng, gw, logger).Handler()
	}

	api := httpapi.NewServer(httpapi.Deps{
		Streams: eng,
		Proxies: gw,
		Catalog: st,
		Metrics: metricsHandler,
		Logger:  logger,
	})
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          stdlog.New(logger.With().Str("component", "http").Logger(), "", 0),
	}

	logger.Info().
		Str("addr", cfg.Listen).
		Str("root", cfg.DataRoot).
		Str("trackersMode", cfg.TrackersMode).
		Dur("waitMetadata", cfg.WaitMetadata).
		Int("capacity", cfg.RegistryCapacity).
		Str("proxyBase", cfg.ProxyBasePath).
		Msg("gateway listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return janitor.Run(gctx, logger.With().Str("component", "janitor").Logger(), tasks(cfg, eng, gw, cache)...)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutdown requested")
		return shutdown(logger, srv, eng, gw)
	})
	err = g.Wait()
	logger.Info().Int64("auditDropped", rec.Dropped()).Int64("auditFailed", rec.Failed()).Msg("shutdown complete")
	return err
}

// shutdown stops intake first, then the proxy, then drains the torrent
// worker.
func shutdown(logger zerolog.Logger, srv *http.Server, eng *engine.Engine, gw *proxy.Gateway) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
		errs = append(errs, err)
	}
	gw.Close()
	if err := eng.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("engine shutdown")
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func tasks(cfg *config.Config, eng *engine.Engine, gw *proxy.Gateway, cache *proxycache.Cache) []janitor.Task {
	cleanupEvery := cfg.TorrentIdleTTL / 6
	if cleanupEvery < time.Minute {
		cleanupEvery = time.Minute
	}
	return []janitor.Task{
		{Name: "sessions", Every: cfg.RegistrySweep, Run: janitor.Sweep(func() int { return len(eng.SweepSessions()) })},
		{Name: "stream-connections", Every: cfg.PoolSweep, Run: janitor.Sweep(func() int {
			expired, dropped := eng.SweepConnections()
			return expired + dropped
		})},
		{Name: "proxy-connections", Every: cfg.PoolSweep, Run: janitor.Sweep(func() int {
			expired, dropped := gw.Pool().Sweep()
			return expired + dropped
		})},
		{Name: "torrents", Every: cleanupEvery, Run: func(context.Context) (int, error) { return eng.CleanupInactive() }},
		{Name: "cache-info", Every: cache.Opts.InfoSweep, Run: janitor.Sweep(cache.Info.Sweep)},
		{Name: "cache-playlist", Every: cache.Opts.PlaylistSweep, Run: janitor.Sweep(cache.Playlist.Sweep)},
		{Name: "cache-segment", Every: cache.Opts.SegmentSweep, Run: janitor.Sweep(cache.Segment.Sweep)},
		{Name: "cache-segment-idle", Every: cache.Opts.SegmentIdleScan, Run: janitor.Sweep(func() int {
			return cache.Segment.SweepInactive(cache.Opts.SegmentIdle)
		})},
	}
}
