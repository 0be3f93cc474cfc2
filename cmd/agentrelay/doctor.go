package main

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"agentrelay/internal/config"
	"agentrelay/internal/history"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the configuration",
		Long: `Verifies that the config, database, credentials and listen port are
usable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("agentrelay doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var passed, failed, warned int
			pass := func(check, detail string) { printPass(check, detail); passed++ }
			fail := func(check, detail string) { printFail(check, detail); failed++ }
			warn := func(check, detail string) { printWarn(check, detail); warned++ }

			if _, err := os.Stat(cfgPath); err != nil {
				warn("Config file", fmt.Sprintf("not found at %s, using defaults", cfgPath))
			} else {
				pass("Config file", cfgPath)
			}

			cfg, _, err := config.LoadOrDefaults(cfgPath)
			if err != nil {
				fail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return fmt.Errorf("config is invalid")
			}
			pass("Config validation", "valid")

			if store, err := history.NewSQLiteStore(cfg.History.DBPath, logger); err != nil {
				fail("Database", err.Error())
			} else {
				schema, _ := history.GetSchemaVersion(store.DB())
				store.Close()
				pass("Database", fmt.Sprintf("%s (schema v%d)", cfg.History.DBPath, schema))
			}

			if cfg.Telegram.Token == "" {
				fail("Telegram token", "not set (TELEGRAM_BOT_TOKEN)")
			} else {
				pass("Telegram token", "configured")
			}
			if cfg.Telegram.WebhookURL == "" {
				warn("Webhook URL", "not set; register it with 'agentrelay set-webhook <url>'")
			} else {
				pass("Webhook URL", cfg.Telegram.WebhookURL)
			}

			if cfg.Agent.APIKey == "" {
				warn("Agent", fmt.Sprintf("%s backend has no API key", cfg.Agent.Backend))
			} else {
				pass("Agent", cfg.Agent.Backend+" / "+cfg.Agent.Model)
			}
			if cfg.Speech.Enabled && cfg.Speech.APIKey == "" {
				warn("Speech to text", "enabled but no API key (voice notes will fail)")
			}
			if cfg.Vision.Enabled && cfg.Vision.APIKey == "" {
				warn("Image reading", "enabled but no API key (pictures will fail)")
			}
			if cfg.TTS.Enabled && cfg.TTS.APIKey == "" {
				warn("Voice replies", "enabled but no API key")
			}

			if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
				warn("Listen port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
			} else {
				pass("Listen port", fmt.Sprintf(":%d available", cfg.Server.Port))
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return ln.Close()
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
