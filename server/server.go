// Package server exposes the relief pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MaxShih147/Rushmore/auth"
	"github.com/MaxShih147/Rushmore/relief"
	"github.com/MaxShih147/Rushmore/renderer"
	"github.com/MaxShih147/Rushmore/runlog"
	"github.com/MaxShih147/Rushmore/stream"
)

const defaultMaxUploadBytes = 32 << 20

type Options struct {
	Orchestrator   *relief.Orchestrator
	Runs           *runlog.Log
	Hub            *stream.Hub
	Auth           *auth.Service // nil disables auth
	Logger         *zap.Logger
	Version        string
	Mode           string
	MaxUploadBytes int64
	CORSOrigins    []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

type Server struct {
	orch      *relief.Orchestrator
	runs      *runlog.Log
	hub       *stream.Hub
	auth      *auth.Service
	log       *zap.Logger
	version   string
	maxUpload int64
	readTO    time.Duration
	writeTO   time.Duration
	engine    *gin.Engine
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.Mode != "" {
		gin.SetMode(opts.Mode)
	}

	s := &Server{
		orch:      opts.Orchestrator,
		runs:      opts.Runs,
		hub:       opts.Hub,
		auth:      opts.Auth,
		log:       opts.Logger,
		version:   opts.Version,
		maxUpload: opts.MaxUploadBytes,
		readTO:    opts.ReadTimeout,
		writeTO:   opts.WriteTimeout,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(renderer.Logger(opts.Logger.Named("http")))
	r.Use(renderer.CORS(opts.CORSOrigins))
	r.MaxMultipartMemory = opts.MaxUploadBytes

	r.GET("/", s.index)
	r.GET("/health", s.health)
	if s.hub != nil {
		r.GET("/stream", gin.WrapH(s.hub))
	}

	api := r.Group("/api/v1")
	{
		api.GET("/settings", s.getSettings)
		api.GET("/mesh", s.meshJSON)
		api.GET("/mesh.bin", s.meshBinary)
		api.GET("/heightmap.png", s.heightmapPNG)
		api.GET("/depth.png", s.depthPNG)
		api.GET("/runs", s.listRuns)
		api.GET("/runs/:id", s.getRun)
	}

	mutating := r.Group("/api/v1")
	if s.auth != nil {
		mutating.Use(s.auth.Middleware())
	}
	{
		mutating.POST("/upload", s.upload)
		mutating.PUT("/settings", s.putSettings)
		mutating.POST("/regenerate", s.regenerate)
	}

	s.engine = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  s.readTO,
		WriteTimeout: s.writeTO, // 0 keeps /stream open
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server starting", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("server shutting down")
	if s.hub != nil {
		s.hub.Shutdown()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
