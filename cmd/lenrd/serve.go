package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	config "lenrd/configs"
	"lenrd/pkg/api"
	"lenrd/pkg/auth"
	"lenrd/pkg/logger"
	"lenrd/pkg/notify"
	tracing "lenrd/pkg/observability"
	"lenrd/pkg/orchestrator"
	"lenrd/pkg/storage"
	"lenrd/pkg/storage/gormstore"
)

const httpShutdownTimeout = 10 * time.Second

// drainSignals start a graceful drain; a second one abandons it.
var drainSignals = []os.Signal{
	syscall.SIGINT,
	syscall.SIGTERM,
	syscall.SIGHUP,
	syscall.SIGQUIT,
	syscall.SIGABRT,
}

func doServe(cmd *cobra.Command, _ []string) error {
	log := logger.Get()
	ctx := cmd.Context()
	log.Info("Starting lenrd", zap.String("version", version), zap.String("binary", cfg.Lenr.Binary))

	provider, err := tracing.Init(ctx, cfg.TracingConfig(serviceName, version))
	if err != nil {
		return err
	}
	defer shutdownTracing(provider)

	store, err := gormstore.Open(cfg.GormConfig())
	if err != nil {
		return err
	}
	defer store.Close()

	logs, err := openLogStore(ctx, cfg.Archive)
	if err != nil {
		return err
	}

	orchCfg := orchestratorConfig(cfg)
	orchCfg.LogStore = logs
	orchCfg.Tracer = provider.Tracer()
	orch := orchestrator.New(store, orchCfg)

	hub := notify.NewHub(cfg.Server.EventBuffer, log)
	orch.AddListener(hub)

	if cfg.Redis.Enabled {
		rc := notify.DefaultRedisPublisherConfig(cfg.Redis.Addr)
		rc.Password = cfg.Redis.Password
		rc.DB = cfg.Redis.DB
		rc.Channel = cfg.Redis.Channel
		rc.Tracing = cfg.Tracing.Enabled
		publisher, err := notify.NewRedisPublisher(rc, log)
		if err != nil {
			return err
		}
		defer publisher.Close()
		orch.AddListener(publisher)
		log.Info("Publishing job events to redis", zap.String("channel", rc.Channel))
	}

	var jwt *auth.JWTService
	if cfg.Auth.JWTSecret != "" {
		if jwt, err = auth.NewJWTService(cfg.JWTConfig()); err != nil {
			return err
		}
	} else {
		log.Warn("API authentication is disabled; set auth.jwt_secret to enable it")
	}

	server := api.NewServer(api.Config{
		Addr:         cfg.Server.Addr,
		Mode:         cfg.Server.Mode,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		ServiceName:  serviceName,
		Version:      version,
		Jobs:         orch,
		Hub:          hub,
		LogStore:     logs,
		JWT:          jwt,
		Health:       store.Ping,
		Logger:       log,
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, drainSignals...)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, draining jobs", zap.String("signal", sig.String()), zap.Int("active_jobs", orch.ActiveCount()))
	case err := <-serverErr:
		if err != nil {
			log.Error("API server stopped", zap.Error(err))
		}
	}

	drainErr := drain(orch, sigChan, cfg.Shutdown)

	hub.Close()
	httpCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(httpCtx); err != nil {
		log.Warn("API server shutdown", zap.Error(err))
	}

	log.Info("Shutdown complete")
	return drainErr
}

// drain waits for running jobs. A second signal abandons the wait.
func drain(orch *orchestrator.Orchestrator, sigChan <-chan os.Signal, sc config.ShutdownConfig) error {
	parent := context.Background()
	if sc.Timeout > 0 {
		var stop context.CancelFunc
		parent, stop = context.WithTimeout(parent, sc.Timeout)
		defer stop()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	go func() {
		select {
		case sig := <-sigChan:
			logger.Warn("Received second signal, abandoning running jobs", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := orch.Shutdown(ctx); err != nil {
		return fmt.Errorf("jobs still running at exit: %w", err)
	}
	return nil
}

func openLogStore(ctx context.Context, ac config.ArchiveConfig) (storage.LogStore, error) {
	switch ac.Type {
	case config.ArchiveLocal:
		store, err := storage.NewLocalLogStore(ac.Dir)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.ArchiveS3:
		store, err := storage.NewS3LogStore(ctx, storage.S3LogStoreConfig{
			Bucket:          ac.S3.Bucket,
			Prefix:          ac.S3.Prefix,
			Region:          ac.S3.Region,
			Endpoint:        ac.S3.Endpoint,
			AccessKeyID:     ac.S3.AccessKey,
			SecretAccessKey: ac.S3.SecretKey,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, nil
	}
}

func shutdownTracing(p *tracing.Provider) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		logger.Warn("Failed to flush traces", zap.Error(err))
	}
}
