package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"session-auth/app"
)

func main() {
	runtime, err := app.Build(app.Options{
		LoadDotEnv:     true,
		RunMigrations:  true,
		StartScheduler: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap failed: %v\n", err)
		os.Exit(1)
	}
	logger := runtime.Logger

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", runtime.Config.Port),
		Handler:           runtime.Handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("server_start", map[string]any{"addr": server.Addr})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server_failed", map[string]any{"error": err.Error()})
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server_shutdown_failed", map[string]any{"error": err.Error()})
	}
	if err := runtime.Close(); err != nil {
		logger.Error("runtime_close_failed", map[string]any{"error": err.Error()})
	}
	logger.Info("server_stopped", nil)
}
