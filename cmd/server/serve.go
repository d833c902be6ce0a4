package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	supportchat "github.com/phamtheson2807/FinanceFlow-sub001"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/config"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/history"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the support chat server until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Server.Port = port
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
			if err != nil {
				return fmt.Errorf("listen on port %d: %w", cfg.Server.Port, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, logger, ln)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "override server.port")
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

// runServer serves on ln until ctx is cancelled, then drains WebSocket
// connections and the HTTP server within cfg.Server.ShutdownTimeout.
func runServer(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger, ln net.Listener) error {
	store, err := history.Open(ctx, cfg.Store, logger)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("open history store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warnw("Failed to close history store", "error", err)
		}
	}()

	if !cfg.Log.Dev {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	svc, err := supportchat.Register(engine, cfg, logger, store)
	if err != nil {
		_ = ln.Close()
		return err
	}

	srv := NewHTTPServer(ln.Addr().String(), engine)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Infow("Server starting", "addr", ln.Addr().String(), "store", cfg.Store.Driver)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Infow("Shutting down gracefully", "timeout", cfg.Server.ShutdownTimeout)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Hijacked WebSocket connections are invisible to http.Server.Shutdown.
		svcErr := svc.Shutdown(shutdownCtx)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return svcErr
	})

	return g.Wait()
}
