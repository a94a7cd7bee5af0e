package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MaxShih147/Rushmore/appconfig"
	"github.com/MaxShih147/Rushmore/auth"
	"github.com/MaxShih147/Rushmore/depth"
	"github.com/MaxShih147/Rushmore/heightfield"
	"github.com/MaxShih147/Rushmore/logging"
	"github.com/MaxShih147/Rushmore/mesh"
	"github.com/MaxShih147/Rushmore/relief"
	"github.com/MaxShih147/Rushmore/runlog"
	"github.com/MaxShih147/Rushmore/server"
	"github.com/MaxShih147/Rushmore/stream"
)

func newServeCmd() *cobra.Command {
	var open bool
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the relief server",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logging.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, open)
		},
	}
	cmd.Flags().BoolVar(&open, "open", false, "Open the viewer in a browser once listening")
	return cmd
}

func serve(ctx context.Context, cfg appconfig.Config, open bool) error {
	log := logging.Logger
	log.Info("starting rushmore",
		zap.String("version", Version),
		zap.String("addr", cfg.Server.Addr),
		zap.String("prediction", cfg.Prediction.Endpoint))

	if cfg.Relief.Workers > 0 {
		heightfield.Workers = cfg.Relief.Workers
	}

	runs, err := runlog.Open(cfg.RunLog.DSN, log.Named("runlog"))
	if err != nil {
		return err
	}
	defer runs.Close()

	hub := stream.NewHub(log.Named("stream"))
	defer hub.Shutdown()

	var cache depth.Cache
	if cfg.Cache.Enabled {
		redisCache := depth.NewRedisCache(depth.RedisOptions{
			Addr:     cfg.Cache.Addr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
			TTL:      cfg.Cache.TTL,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := redisCache.Ping(pingCtx)
		cancel()
		if err != nil {
			log.Warn("redis connection failed, cache disabled", zap.Error(err))
			redisCache.Close()
		} else {
			log.Info("redis connected successfully", zap.String("addr", cfg.Cache.Addr))
			cache = redisCache
			defer redisCache.Close()
		}
	}

	client := depth.NewClient(depth.Options{
		Endpoint:     cfg.Prediction.Endpoint,
		Timeout:      cfg.Prediction.Timeout,
		MaxUploadDim: cfg.Prediction.MaxUploadDim,
		Cache:        cache,
		Logger:       log.Named("depth"),
	})

	meshOpts := mesh.DefaultOptions()
	meshOpts.Workers = cfg.Relief.Workers
	orch, err := relief.New(relief.Options{
		Predictor:   client,
		Slot:        mesh.NewSlot(mesh.NewMemorySurface(), log.Named("mesh")),
		Recorder:    runs,
		Publisher:   hub,
		Settings:    cfg.Relief.Settings(),
		MeshOptions: meshOpts,
		Logger:      log.Named("relief"),
	})
	if err != nil {
		return err
	}
	defer orch.Close()

	var authSvc *auth.Service
	if cfg.Auth.Enabled {
		authSvc = auth.NewService(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
		if cfg.Auth.SecretGenerated {
			log.Warn("auth.secret not configured, tokens will not survive a restart")
		}
		log.Info("token auth enabled for mutating routes")
	}

	srv := server.New(server.Options{
		Orchestrator:   orch,
		Runs:           runs,
		Hub:            hub,
		Auth:           authSvc,
		Logger:         log,
		Version:        Version,
		Mode:           cfg.Server.Mode,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		CORSOrigins:    cfg.Server.CORSOrigins,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
	})

	if open {
		go func() {
			url := viewerURL(cfg.Server.Addr)
			time.Sleep(500 * time.Millisecond)
			if err := browser.OpenURL(url); err != nil {
				log.Warn("failed to open browser", zap.String("url", url), zap.Error(err))
			}
		}()
	}

	return srv.Run(ctx, cfg.Server.Addr)
}

// viewerURL turns a listen address into a URL a local browser can open.
func viewerURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr + "/"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s/", net.JoinHostPort(host, port))
}
