package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"echobot/internal/config"
	"echobot/internal/stats"

	"github.com/spf13/cobra"
)

// doctorReport tallies check results and prints them.
type doctorReport struct {
	out                    io.Writer
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	fmt.Fprintf(r.out, "  [PASS] %-20s %s\n", check, detail)
	r.passed++
}

func (r *doctorReport) warn(check, detail string) {
	fmt.Fprintf(r.out, "  [WARN] %-20s %s\n", check, detail)
	r.warned++
}

func (r *doctorReport) fail(check, detail string) {
	fmt.Fprintf(r.out, "  [FAIL] %-20s %s\n", check, detail)
	r.failed++
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your echobot installation",
		Long: `Verifies that echobot's configuration, stats database, channel tokens
and listen ports are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			r := &doctorReport{out: cmd.OutOrStdout()}
			fmt.Fprintf(r.out, "echobot doctor v%s\n\n", version)

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Fprintf(r.out, "\nRun 'echobot init' to create a default configuration.\n")
				return fmt.Errorf("config file missing")
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			r.pass("Config validation", "valid")

			runDoctorChecks(cmd.Context(), r, cfg)

			fmt.Fprintf(r.out, "\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			return nil
		},
	}
}

func runDoctorChecks(ctx context.Context, r *doctorReport, cfg *config.Config) {
	if cfg.Stats.Enabled {
		if err := checkStatsDB(ctx, cfg.Stats.DBPath); err != nil {
			r.fail("Stats database", err.Error())
		} else {
			r.pass("Stats database", cfg.Stats.DBPath)
		}
	} else {
		r.warn("Stats database", "disabled")
	}

	ch := cfg.Channels
	type listener struct {
		name    string
		enabled bool
		host    string
		port    int
	}
	for _, l := range []listener{
		{"Web port", ch.Web.Enabled, ch.Web.Host, ch.Web.Port},
		{"WebSocket port", ch.WebSocket.Enabled, ch.WebSocket.Host, ch.WebSocket.Port},
		{"Webhook port", ch.Webhook.Enabled, ch.Webhook.Host, ch.Webhook.Port},
	} {
		if !l.enabled {
			continue
		}
		addr := net.JoinHostPort(l.host, strconv.Itoa(l.port))
		if err := checkPort(addr); err != nil {
			r.warn(l.name, fmt.Sprintf("%s may be in use: %v", addr, err))
		} else {
			r.pass(l.name, addr+" available")
		}
	}

	if ch.Web.Enabled && !ch.Web.Auth.Enabled && ch.Web.Host != "127.0.0.1" && ch.Web.Host != "localhost" {
		r.warn("Web auth", "web UI is reachable beyond localhost without auth")
	}
	if ch.Webhook.Enabled && ch.Webhook.Secret == "" {
		r.warn("Webhook secret", "requests are not signature-checked")
	}

	tokens := []struct {
		name    string
		enabled bool
		set     bool
	}{
		{"Telegram token", ch.Telegram.Enabled, ch.Telegram.Token != ""},
		{"Discord token", ch.Discord.Enabled, ch.Discord.Token != ""},
		{"Slack tokens", ch.Slack.Enabled, ch.Slack.BotToken != "" && ch.Slack.AppToken != ""},
	}
	for _, tk := range tokens {
		if !tk.enabled {
			continue
		}
		if tk.set {
			r.pass(tk.name, "configured")
		} else {
			r.fail(tk.name, "enabled but missing")
		}
	}

	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
		} else {
			r.pass("Log file", cfg.General.LogFile)
		}
	}
}

func checkStatsDB(ctx context.Context, dbPath string) error {
	store, err := stats.Open(dbPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return store.Ping(ctx)
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
