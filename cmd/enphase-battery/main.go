package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/foXaCe/enphase-battery/pkg/config"
	"github.com/foXaCe/enphase-battery/pkg/coordinator"
	"github.com/foXaCe/enphase-battery/pkg/log"
	"github.com/foXaCe/enphase-battery/pkg/server"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// init packages
	cfg := config.Configured()
	coord := coordinator.Configured(cfg)
	srv := server.Configured(coord)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer coord.Shutdown(context.Background())

	// the refresh loop and the server run side by side; either one failing
	// takes the process down
	go func() {
		if err := coord.Run(ctx); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "refresh loop failed", "error", err)
			cancel()
		}
	}()

	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
