package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
)

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a replica and join consensus",
		RunE:  runStart,
	}

	cmd.Flags().String("home", defaultHome(), "node home directory")
	cmd.Flags().String("config", "", "path to config file (default: <home>/config.json)")
	cmd.Flags().String("log-level", "info", "log level: debug, info, warn, error")

	return cmd
}

func runStart(cmd *cobra.Command, _ []string) error {
	homeDir, _ := cmd.Flags().GetString("home")
	logLevelFlag, _ := cmd.Flags().GetString("log-level")

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(logLevelFlag)}))

	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = filepath.Join(homeDir, "config.json")
	}
	cfg, err := loadNodeConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	kf, err := loadNodeKey(filepath.Join(homeDir, "node_key.json"))
	if err != nil {
		return fmt.Errorf("load node key: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := newNode(ctx, log, homeDir, cfg, kf)
	if err != nil {
		return fmt.Errorf("construct node: %w", err)
	}
	defer n.store.Close()

	dialBootstrap(ctx, log, n.net.Host(), cfg.Bootstrap)

	if cfg.DebugAddr != "" {
		r := mux.NewRouter()
		setDebugRoutes(log, n.driver, r)
		srv := &http.Server{Addr: cfg.DebugAddr, Handler: r}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("debug http server stopped", "err", err)
			}
		}()
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
		log.Info("debug http server listening", "addr", cfg.DebugAddr)
	}

	log.Info("starting replica", "nickname", kf.Nickname, "listen_addr", cfg.ListenAddr)

	done := make(chan struct{})
	go func() {
		n.run(ctx)
		close(done)
	}()

	<-ctx.Done()
	log.Info("shutdown signal received, draining event loop")
	<-done
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
