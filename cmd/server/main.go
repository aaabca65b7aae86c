package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/manpreetbhatti/sketchroom/internal/api"
	"github.com/manpreetbhatti/sketchroom/internal/canvas"
	"github.com/manpreetbhatti/sketchroom/internal/config"
	"github.com/manpreetbhatti/sketchroom/internal/db"
	"github.com/manpreetbhatti/sketchroom/internal/discovery"
	"github.com/manpreetbhatti/sketchroom/internal/relay"
	"github.com/manpreetbhatti/sketchroom/internal/retention"
	"github.com/manpreetbhatti/sketchroom/internal/room"
	"github.com/manpreetbhatti/sketchroom/internal/ws"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	cfg, err := config.FromEnvironment()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	recorder := db.NewRecorder(database, 0)
	defer recorder.Close()

	pruner := retention.New(database, cfg.Retention)
	pruner.Start()
	defer pruner.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := []ws.Option{ws.WithRecorder(recorder)}
	if cfg.RedisAddr != "" {
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		publisher, err := relay.NewRedis(pingCtx, cfg.RedisAddr, cfg.RedisPrefix)
		pingCancel()
		if err != nil {
			return err
		}
		defer publisher.Close()
		opts = append(opts, ws.WithRelay(publisher))
		slog.Info("relaying broadcasts", "redis", cfg.RedisAddr, "prefix", cfg.RedisPrefix)
	}

	engine := canvas.NewEngine(canvas.WithHistoryCap(cfg.HistoryCap))
	hub := ws.NewHub(engine, room.NewDirectory(), opts...)
	apiHandler := api.New(hub, database)

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}

	if cfg.MDNS {
		port := listener.Addr().(*net.TCPAddr).Port
		server, err := discovery.Advertise(discovery.Config{Instance: cfg.MDNSInstance, Port: port})
		if err != nil {
			slog.Warn("mDNS advertisement failed", "err", err)
		} else {
			defer server.Shutdown()
			slog.Info("advertising over mDNS", "service", discovery.ServiceType, "port", port)
		}
	}

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()

	httpServer := &http.Server{Handler: apiHandler.Router()}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "err", err)
		}
	}()

	slog.Info("sketchroom server starting", "addr", listener.Addr().String(), "db", cfg.DBPath, "history_cap", cfg.HistoryCap)

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "err", err)
	}
	cancel()

	wg.Wait()
	return nil
}
