package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"faxbridge/internal/auth"
	"faxbridge/internal/httpapi"
	"faxbridge/internal/supervisor"
	"faxbridge/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// A redis converter slot outlives the converter timeout by this much.
const convertLeaseSlack = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipelines on a loop with the store heartbeat and ops HTTP server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rootCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, cleanup, err := loadApp(rootCtx)
		if err != nil {
			return err
		}
		defer cleanup()
		return a.serve(rootCtx)
	},
}

func init() { //nolint:gochecknoinits // Cobra's init function for command registration
	rootCmd.AddCommand(serveCmd)
}

func (a *app) serve(ctx context.Context) error {
	log := a.log.With("server_name", a.cfg.App.ServerName)
	ctx = logger.With(ctx, log)

	hostname, err := os.Hostname()
	if err != nil {
		return err
	}
	loop := a.newLoop(hostname)

	hb := supervisor.NewHeartbeat(a.store, a.cfg.Loop.HeartbeatInterval)
	if err := hb.Start(ctx); err != nil {
		return err
	}
	defer hb.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error {
		select {
		case err := <-hb.Err():
			log.Error("store heartbeat lost, shutting down", "err", err)
			return err
		case <-gctx.Done():
			return nil
		}
	})

	if a.cfg.Ops.Port > 0 {
		srv, err := a.opsServer(log, loop.Status())
		if err != nil {
			return err
		}
		g.Go(func() error {
			log.Info("ops api listening", "addr", srv.Addr, "env", a.cfg.App.Env)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	log.Info("shutdown complete")
	return err
}

func (a *app) opsServer(log *slog.Logger, status *supervisor.Status) (*http.Server, error) {
	if a.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	var authMW gin.HandlerFunc
	if a.cfg.Auth.JWTSecret != "" {
		m, err := auth.NewManager(a.cfg.Auth)
		if err != nil {
			return nil, err
		}
		authMW = auth.RequireAccessToken(m)
	} else {
		log.Warn("JWT_SECRET not set, admin routes disabled")
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(a.log))
	registerRoutes(r, httpapi.Handlers{
		ServerName: a.cfg.App.ServerName,
		Store:      a.store,
		Status:     status,
		Events:     a.events,
		Audit:      a.audit,
	}, authMW)

	return &http.Server{
		Addr:              a.cfg.OpsAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}, nil
}
