package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"agentrelay/internal/config"
	"agentrelay/internal/server"
)

var (
	version    = "0.1.0"
	logLevel   = new(slog.LevelVar)
	logger     = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	configPath string // overridable via --config flag
	envFile    string
)

func main() {
	root := &cobra.Command{
		Use:   "agentrelay",
		Short: "Telegram to LLM agent relay",
		Long: "agentrelay receives Telegram webhook updates, turns voice notes and pictures into text,\n" +
			"asks an LLM agent and sends the answer back, keeping every conversation in SQLite.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadDotEnv(envFile)
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.agentrelay/config.json)")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(setWebhookCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(configCmd())
	root.AddCommand(daemonCmd())
	root.AddCommand(doctorCmd())

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

// loadConfig reads the config file, falling back to defaults plus environment
// when none exists, and applies the configured log level.
func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, found, err := config.LoadOrDefaults(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if !found {
		logger.Warn("config not found, using defaults", "path", cfgPath)
	}
	setLogLevel(cfg.General.LogLevel)
	return cfg, nil
}

func setLogLevel(level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err == nil {
		logLevel.Set(l)
	}
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "db", cfg.History.DBPath)
			fmt.Println("Set TELEGRAM_BOT_TOKEN and OPENAI_API_KEY (or edit the file), then run 'agentrelay serve'.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook and chat HTTP server",
		Long:  "Serves the Telegram webhook, /chat, /history and /status. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram token is not set (telegram.token or TELEGRAM_BOT_TOKEN)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Telegram.RegisterOnStart {
		if cfg.Telegram.WebhookURL == "" {
			logger.Warn("registerOnStart is set but telegram.webhookUrl is empty")
		} else if err := a.tg.SetWebhook(ctx, cfg.Telegram.WebhookURL, cfg.Telegram.WebhookSecret); err != nil {
			logger.Error("webhook registration failed", "url", cfg.Telegram.WebhookURL, "err", err)
		} else {
			logger.Info("webhook registered", "url", cfg.Telegram.WebhookURL)
		}
	}

	go a.pruneLimiter(ctx, 10*time.Minute)

	srv := server.New(server.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		WebhookPath:    cfg.Server.WebhookPath,
		WebhookSecret:  cfg.Telegram.WebhookSecret,
		MetricsEnabled: cfg.Metrics.Enabled,
		MetricsPath:    cfg.Metrics.Endpoint,
		Version:        version,
		Dispatcher:     a.router,
		Invoker:        a.invoker,
		History:        a.store,
		Logger:         logger,
	})

	logger.Info("agentrelay started",
		"bot", a.tg.Username(),
		"backend", cfg.Agent.Backend,
		"model", cfg.Agent.Model,
		"session_policy", a.resolver.Policy(),
	)
	return srv.Run(ctx)
}

func setWebhookCmd() *cobra.Command {
	var remove bool
	cmd := &cobra.Command{
		Use:   "set-webhook [url]",
		Short: "Register the webhook URL with Telegram",
		Long:  "Registers url (or telegram.webhookUrl) with the Bot API. With --delete the webhook is removed.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tg, err := newTelegramClient(cfg)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if remove {
				if err := tg.DeleteWebhook(ctx); err != nil {
					return err
				}
				fmt.Println("Webhook removed.")
				return nil
			}

			url := cfg.Telegram.WebhookURL
			if len(args) == 1 {
				url = args[0]
			}
			if url == "" {
				return fmt.Errorf("no webhook URL given (argument or telegram.webhookUrl)")
			}
			if err := tg.SetWebhook(ctx, url, cfg.Telegram.WebhookSecret); err != nil {
				return err
			}
			info, err := tg.WebhookInfo(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Webhook set: %s (pending updates: %d)\n", info.URL, info.PendingUpdateCount)
			return nil
		},
	}
	cmd.Flags().BoolVar(&remove, "delete", false, "remove the webhook instead")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. agent.model)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. session.policy rotating)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if err := config.SetValue(cfgPath, args[0], args[1]); err != nil {
				return err
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			paths := config.ListPaths(config.Sanitize(cfg))
			keys := make([]string, 0, len(paths))
			for k := range paths {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				data, _ := json.Marshal(paths[k])
				fmt.Printf("%s = %s\n", k, data)
			}
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
