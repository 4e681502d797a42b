package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"cvcounter/internal/api"
	"cvcounter/internal/config"
	"cvcounter/internal/counter"
	"cvcounter/internal/events"
	"cvcounter/internal/log"
	"cvcounter/internal/store"
	"cvcounter/internal/ws"

	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		configPath = flag.String("config", "config.json", "Path to the configuration file")
		addrFlag   = flag.String("addr", "", "Listen address (overrides server.addr)")
		levelFlag  = flag.String("log-level", "", "Log level (overrides general.log_level)")
	)
	flag.Parse()

	if err := run(*configPath, *addrFlag, *levelFlag); err != nil {
		fmt.Fprintln(os.Stderr, "cvcounter:", err)
		os.Exit(1)
	}
}

func run(configPath, addrOverride, levelOverride string) error {
	settings, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	level := settings.GetString("general.log_level", "info")
	if levelOverride != "" {
		level = levelOverride
	}
	log.Configure(log.Config{Level: level})
	logger := log.Base()

	st, err := store.Open(
		settings.GetString("db.uri", "cvcounter.db"),
		settings.GetString("db.prefix", ""),
	)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer st.Close()

	bus := events.NewBus()
	defer bus.Close()

	registry := counter.NewRegistry()
	defer registry.Shutdown()

	hub := ws.NewHub()
	defer hub.Close()
	unsub := hub.Run(bus)
	defer unsub()

	addr := settings.GetString("server.addr", ":8080")
	if addrOverride != "" {
		addr = addrOverride
	}
	server := api.New(settings, st, registry, bus, hub)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(ctx, addr)
	})
	g.Go(func() error {
		err := settings.Watch(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	logger.Info().Str("addr", addr).Str("config", configPath).Msg("cvcounter started")
	err = g.Wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("cvcounter stopped")
	return nil
}
