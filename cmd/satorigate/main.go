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
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"satorigate/internal/adapter"
	"satorigate/internal/adapter/factory"
	"satorigate/internal/config"
	"satorigate/internal/gateway"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "satorigate",
		Short: "satorigate: multi-platform chat gateway",
		Long:  "satorigate normalizes chat platform connections into one unified event and message API over HTTP and WebSocket.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ./config.json)")

	root.AddCommand(runCmd())
	root.AddCommand(initCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("refusing to overwrite existing %s", cfgPath)
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("satorigate " + version)
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the gateway",
		RunE:  run,
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyLogLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g := gateway.New(cfg.AccessToken, logger)

	adapters := make([]adapter.Adapter, 0, len(cfg.BotList))
	for _, bot := range cfg.BotList {
		ad, err := factory.New(bot, logger)
		if err != nil {
			return err
		}
		if err := ad.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", ad.Platform(), err)
		}
		adapters = append(adapters, ad)
	}
	defer func() {
		for _, ad := range adapters {
			ad.Stop()
		}
	}()

	// Registration resolves each bot's identity; adapters whose platform
	// has no profile RPC answer from configuration, the rest need the API
	// reachable at startup.
	for _, ad := range adapters {
		if err := g.Register(ctx, ad); err != nil {
			return fmt.Errorf("register %s: %w", ad.Platform(), err)
		}
		logger.Info("bot registered", "platform", ad.Platform())
	}

	go g.Run(ctx)

	addr := net.JoinHostPort(cfg.WebHost, strconv.Itoa(cfg.WebPort))
	srv := &http.Server{
		Addr:    addr,
		Handler: g.Handler(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("gateway listening", "addr", addr, "bots", len(adapters))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func applyLogLevel(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
