package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"chatrelay/internal/config"
	"chatrelay/internal/handler"
	"chatrelay/internal/models"
	"chatrelay/internal/service"
	"chatrelay/internal/storage"
	"chatrelay/internal/utils"
	"chatrelay/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Get()
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides server.port)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := models.NewRegistry(cfg.Models, cfg.Relay.DefaultModel)
	relay := service.NewRelayService(cfg, registry, utils.NewStreamingHTTPClient())

	store, err := storage.New(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()
	conversations := service.NewConversationService(store, registry, cfg.Session)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go conversations.RunCleanup(ctx)

	router := handler.SetupRouter(cfg,
		handler.NewRelayHandler(relay, registry),
		handler.NewConversationHandler(conversations),
	)

	// WriteTimeout stays at the configured value, zero by default, so long
	// streams are not cut off.
	server := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Infof("relay listening on port %d, upstream %s (%s format)", cfg.Server.Port, cfg.Upstream.BaseURL, relay.Format())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("relay server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("relay shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("graceful shutdown incomplete, closing open streams: %v", err)
		return server.Close()
	}
	logger.Info("relay stopped")
	return nil
}
