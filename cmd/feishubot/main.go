package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"feishubot/internal/bus"
	"feishubot/internal/channel"
	"feishubot/internal/config"
	"feishubot/internal/domain"
	"feishubot/internal/metrics"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:     "feishubot",
		Short:   "Feishu message gateway",
		Long:    "feishubot bridges Feishu (Lark) chats onto an internal message bus: inbound messages and media are normalized and published, outbound messages are rendered as cards and delivered.",
		Version: version,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.feishubot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(gatewayCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())

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

func setLogLevel(level string) {
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

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists: %s", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			workspace := config.ExpandPath(cfg.General.Workspace)
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "workspace", workspace)
			return nil
		},
	}
}

func gatewayCmd() *cobra.Command {
	var echo bool
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Start the gateway (Feishu channel + message bus)",
		Long:  "Connects the Feishu long connection and runs until interrupted. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(echo)
		},
	}
	cmd.Flags().BoolVar(&echo, "echo", false, "reply to every inbound message with its own content (connectivity check)")
	return cmd
}

func runGateway(echo bool) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setLogLevel(cfg.General.LogLevel)

	if err := os.MkdirAll(cfg.General.Workspace, 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messageBus := bus.New(cfg.General.BusBuffer, logger)

	var ch domain.Channel
	if cfg.Channels.Feishu.Enabled {
		ch = channel.NewFeishu(channel.FeishuConfig{
			AppID:             cfg.Channels.Feishu.AppID,
			AppSecret:         cfg.Channels.Feishu.AppSecret,
			EncryptKey:        cfg.Channels.Feishu.EncryptKey,
			VerificationToken: cfg.Channels.Feishu.VerificationToken,
			Workspace:         cfg.General.Workspace,
			Logger:            logger,
		})
	} else {
		ch = channel.NewDisabled("feishu", logger)
	}

	// Drain inbound messages. An upstream processor would subscribe here;
	// with --echo the gateway answers with the same content instead.
	go func() {
		for msg := range messageBus.Subscribe() {
			logger.Info("inbound message",
				"channel", msg.Channel, "chat_id", msg.ChatID,
				"sender_id", msg.SenderID, "media", len(msg.Media))
			if echo {
				messageBus.SendOutbound(domain.OutboundMessage{
					Channel: msg.Channel,
					ChatID:  msg.ChatID,
					Content: msg.Content,
					Media:   msg.Media,
				})
			}
		}
	}()

	if cfg.Metrics.Enabled {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metrics.Collector.Handler()}
		go func() {
			logger.Info("metrics endpoint listening", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics endpoint failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- ch.Start(ctx, messageBus)
	}()

	logger.Info("gateway started", "channel", ch.Name(), "version", version)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			messageBus.Close()
			return fmt.Errorf("channel %s: %w", ch.Name(), err)
		}
	}

	logger.Info("shutting down gateway...")
	if err := ch.Stop(); err != nil {
		logger.Warn("channel stop failed", "error", err)
	}
	messageBus.Close()
	logger.Info("shutdown complete")
	return nil
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send [chat_id] [text]",
		Short: "Send a one-off message to a chat",
		Long:  "Sends text to the given chat or user id, rendered as a card. Chat ids start with oc_, user open ids with ou_.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cfg.Channels.Feishu.Enabled {
				return fmt.Errorf("feishu channel is disabled in %s", cfgPath)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			ch := channel.NewFeishu(channel.FeishuConfig{
				AppID:     cfg.Channels.Feishu.AppID,
				AppSecret: cfg.Channels.Feishu.AppSecret,
				Workspace: cfg.General.Workspace,
				Logger:    logger,
			})
			if err := ch.Send(ctx, args[0], args[1]); err != nil {
				return err
			}
			logger.Info("message sent", "chat_id", args[0])
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show gateway configuration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false, "error", err)
				return nil
			}
			logger.Info("config", "path", cfgPath, "loaded", true)
			logger.Info("feishu channel",
				"enabled", cfg.Channels.Feishu.Enabled,
				"app_id", cfg.Channels.Feishu.AppID)
			logger.Info("workspace", "path", cfg.General.Workspace)
			logger.Info("metrics", "enabled", cfg.Metrics.Enabled, "addr", cfg.Metrics.Addr)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List config values with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
