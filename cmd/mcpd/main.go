// ABOUTME: Entry point for mcpd, a Model Context Protocol server
// ABOUTME: Serves one transport binding and drains open sessions on SIGINT/SIGTERM

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/mcpd/internal/config"
	"github.com/2389/mcpd/internal/gateway"
	"github.com/2389/mcpd/internal/shutdown"
	"github.com/2389/mcpd/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                         _
  _ __ ___   ___ _ __   __| |
 | '_ ' _ \ / __| '_ \ / _' |
 | | | | | | (__| |_) | (_| |
 |_| |_| |_|\___| .__/ \__,_|
                |_|
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	cancel()
	os.Exit(exitCode(os.Stderr, err))
}

// exitCode reports err on w and returns the process exit status: 0 after a
// clean drain, 1 when the drain deadline passed or anything else failed.
func exitCode(w io.Writer, err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, shutdown.ErrDeadlineExceeded):
		fmt.Fprintln(w, color.RedString("Error: sessions still open when the drain deadline passed"))
	default:
		fmt.Fprintln(w, color.RedString("Error: %v", err))
	}
	return 1
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mcpd",
		Short:         "Model Context Protocol server with stdio, SSE, and streamable HTTP bindings",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to config file (default $MCPD_CONFIG or $XDG_CONFIG_HOME/mcpd/mcpd.yaml)")

	root.AddCommand(newServeCmd(), newHealthCmd(), newEventsCmd(), newVersionCmd())
	return root
}

// flagOrEnv returns the flag value when set, else the environment variable, else def.
func flagOrEnv(cmd *cobra.Command, flagName, envName, def string) string {
	if v, _ := cmd.Flags().GetString(flagName); v != "" {
		return v
	}
	if v, ok := os.LookupEnv(envName); ok && v != "" {
		return v
	}
	return def
}

// loadConfig resolves the config path, loads it, and applies the serve
// overrides. The result is validated after the overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	flagPath, _ := cmd.Flags().GetString("config")
	cfg, path, err := config.LoadResolved(flagPath)
	if err != nil {
		return nil, "", errors.Wrap(err, "loading config")
	}

	if cmd.Flags().Lookup("binding") != nil {
		cfg.Server.Binding = flagOrEnv(cmd, "binding", "MCPD_BINDING", cfg.Server.Binding)
	}
	if cmd.Flags().Lookup("addr") != nil {
		cfg.Server.HTTPAddr = flagOrEnv(cmd, "addr", "MCPD_ADDR", cfg.Server.HTTPAddr)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", errors.Wrap(err, "invalid config")
	}
	return cfg, path, nil
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
		RunE:  runServe,
	}
	cmd.Flags().String("binding", "", "transport binding: stdio, sse, or streamable")
	cmd.Flags().String("addr", "", "HTTP listen address for the sse and streamable bindings")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, configPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Server.Version == "" || cfg.Server.Version == "dev" {
		cfg.Server.Version = version
	}

	logger := setupLogger(cfg.Logging)

	// stdout belongs to the protocol on stdio.
	if cfg.Server.Binding != config.BindingStdio {
		printBanner(cmd.ErrOrStderr(), cfg, configPath)
	}

	logger.Info("starting mcpd",
		"config", configPath,
		"binding", cfg.Server.Binding,
		"http_addr", cfg.Server.HTTPAddr,
		"drain_timeout", cfg.Shutdown.DrainTimeout,
	)

	gw, err := gateway.New(cfg, logger, gateway.WithStdio(cmd.InOrStdin(), cmd.OutOrStdout()))
	if err != nil {
		return errors.Wrap(err, "creating gateway")
	}

	if err := gw.Run(cmd.Context()); err != nil {
		logger.Error("shutdown finished with error", "error", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func printBanner(w io.Writer, cfg *config.Config, configPath string) {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Fprint(w, banner)
	gray.Fprintf(w, "    version: %s\n\n", cfg.Server.Version)

	if configPath == "" {
		configPath = "(defaults)"
	}
	green.Fprint(w, "    ▶ ")
	fmt.Fprintf(w, "Config:    %s\n", configPath)
	green.Fprint(w, "    ▶ ")
	fmt.Fprintf(w, "Binding:   %s\n", cfg.Server.Binding)

	if cfg.Tailscale.Enabled {
		green.Fprint(w, "    ▶ ")
		fmt.Fprint(w, "Tailscale: ")
		cyan.Fprint(w, cfg.Tailscale.Hostname)
		if cfg.Tailscale.HTTPS {
			yellow.Fprint(w, " [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Fprint(w, " (ephemeral)")
		}
		fmt.Fprintln(w)
	} else {
		green.Fprint(w, "    ▶ ")
		fmt.Fprintf(w, "HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	if cfg.Auth.Enabled() {
		green.Fprint(w, "    ▶ ")
		fmt.Fprintln(w, "Auth:      bearer tokens required")
	}
	fmt.Fprintln(w)
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	}
}

func runHealth(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Server.Binding == config.BindingStdio {
		return errors.New("the stdio binding has no health endpoint")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "creating request")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "health check failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Newf("unhealthy: status %d", resp.StatusCode)
	}

	var health gateway.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return errors.Wrap(err, "decoding health response")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "healthy: %s %s (%s), %d sessions, up %s\n",
		health.Name, health.Version, health.Binding, health.Sessions,
		(time.Duration(health.Uptime) * time.Second).String())
	return nil
}

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List session lifecycle events from the audit ledger",
		RunE:  runEvents,
	}
	cmd.Flags().String("session", "", "only events for this session id")
	cmd.Flags().String("binding", "", "only events for this binding")
	cmd.Flags().Int("limit", 50, "maximum number of events")
	return cmd
}

func runEvents(cmd *cobra.Command, _ []string) error {
	flagPath, _ := cmd.Flags().GetString("config")
	cfg, _, err := config.LoadResolved(flagPath)
	if err != nil {
		return errors.Wrap(err, "loading config")
	}
	if cfg.Database.Path == "" {
		return errors.New("database.path is not configured; the audit ledger is disabled")
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return errors.Wrap(err, "opening store")
	}
	defer s.Close()

	sessionID, _ := cmd.Flags().GetString("session")
	binding, _ := cmd.Flags().GetString("binding")
	limit, _ := cmd.Flags().GetInt("limit")

	events, err := s.ListEvents(cmd.Context(), store.EventFilter{
		SessionID: sessionID,
		Binding:   binding,
		Limit:     limit,
	})
	if err != nil {
		return errors.Wrap(err, "listing events")
	}
	return writeEvents(cmd.OutOrStdout(), events)
}

func writeEvents(w io.Writer, events []store.SessionEvent) error {
	if len(events) == 0 {
		_, err := fmt.Fprintln(w, "no events")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSESSION\tBINDING\tEVENT\tREASON")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format(time.RFC3339), e.SessionID, e.Binding, e.Kind, e.Reason)
	}
	return tw.Flush()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mcpd %s\n", version)
		},
	}
}
