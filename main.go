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

	"museum-presence/config"
	"museum-presence/hub"
	"museum-presence/logging"
	"museum-presence/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	rooms := hub.New(cfg.Hub)
	presence := server.New(rooms, server.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		UpgradeRate:    cfg.UpgradeRate,
		UpgradeBurst:   cfg.UpgradeBurst,
		SendBuffer:     cfg.SendBuffer,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           presence.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("server shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	presence.Close()
	rooms.Close()
}
