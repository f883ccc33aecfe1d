package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/thrivewellness/thrivesync/internal/actionlog"
	"github.com/thrivewellness/thrivesync/internal/actionsync"
	"github.com/thrivewellness/thrivesync/internal/connectivity"
	"github.com/thrivewellness/thrivesync/internal/httpapi"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type cliState struct {
	configPath string
	flags      Config
	cfg        Config
	logger     *log.Logger
	logCloser  io.Closer
}

func newRootCmd() *cobra.Command {
	st := &cliState{flags: defaultConfig()}
	root := &cobra.Command{
		Use:           "thrivesync",
		Short:         "Offline action queue, sync dispatcher and offline cache for Thrive",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(st.configPath)
			if err != nil {
				return err
			}
			applyFlags(&cfg, st.flags, cmd.Flags().Changed)
			st.cfg = cfg
			st.logger, st.logCloser = newLogger(cfg)
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if st.logCloser != nil {
				return st.logCloser.Close()
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&st.configPath, "config", "", "YAML config file (THRIVESYNC_CONFIG)")
	pf.StringVar(&st.flags.Profile, "profile", st.flags.Profile, "storage profile: durable-local, sqlite, memory, production")
	pf.StringVar(&st.flags.DataDir, "data-dir", st.flags.DataDir, "directory for local state")
	pf.StringVar(&st.flags.ActionLogDSN, "action-log-dsn", st.flags.ActionLogDSN, "action log backend DSN (file://, sqlite://, postgres://, memory://)")
	pf.StringVar(&st.flags.CacheDSN, "cache-dsn", st.flags.CacheDSN, "offline cache storage DSN (sqlite://, memory://)")
	pf.StringVar(&st.flags.BackendURL, "backend-url", st.flags.BackendURL, "Backend Data Service base URL")
	pf.StringVar(&st.flags.BackendToken, "backend-token", st.flags.BackendToken, "bearer token for the Backend Data Service")
	pf.DurationVar(&st.flags.DispatchTimeout, "dispatch-timeout", st.flags.DispatchTimeout, "timeout for a single replayed action")
	pf.StringVar(&st.flags.LogFile, "log-file", st.flags.LogFile, "also write logs to this rotating file")

	root.AddCommand(
		newServeCmd(st),
		newEnqueueCmd(st),
		newListCmd(st),
		newClearCmd(st),
		newSyncCmd(st),
		newTokenCmd(st),
		newVersionCmd(),
	)
	return root
}

// applyFlags copies every explicitly set flag over the loaded config.
func applyFlags(cfg *Config, flags Config, changed func(string) bool) {
	set := func(name string, apply func()) {
		if changed(name) {
			apply()
		}
	}
	set("profile", func() { cfg.Profile = flags.Profile })
	set("data-dir", func() { cfg.DataDir = flags.DataDir })
	set("action-log-dsn", func() { cfg.ActionLogDSN = flags.ActionLogDSN })
	set("cache-dsn", func() { cfg.CacheDSN = flags.CacheDSN })
	set("backend-url", func() { cfg.BackendURL = flags.BackendURL })
	set("backend-token", func() { cfg.BackendToken = flags.BackendToken })
	set("dispatch-timeout", func() { cfg.DispatchTimeout = flags.DispatchTimeout })
	set("log-file", func() { cfg.LogFile = flags.LogFile })
	set("addr", func() { cfg.Addr = flags.Addr })
	set("origin-url", func() { cfg.OriginURL = flags.OriginURL })
	set("health-url", func() { cfg.HealthURL = flags.HealthURL })
	set("probe-interval", func() { cfg.ProbeInterval = flags.ProbeInterval })
	set("cache-version", func() { cfg.CacheVersion = flags.CacheVersion })
	set("push-url", func() { cfg.PushURL = flags.PushURL })
	set("jwt-secret", func() { cfg.JWTSecret = flags.JWTSecret })
}

func openLog(cfg Config, logger *log.Logger) (*actionlog.Log, error) {
	logDSN, _, err := cfg.storageDSNs()
	if err != nil {
		return nil, err
	}
	backend, err := actionlog.BuildBackendFromDSN(logDSN)
	if err != nil {
		return nil, fmt.Errorf("action log backend: %w", err)
	}
	return actionlog.Open(actionlog.Options{Backend: backend, Logger: logger})
}

func newDispatcher(cfg Config, actions *actionlog.Log, monitor *connectivity.Monitor, logger *log.Logger) (*actionsync.Dispatcher, error) {
	client := actionsync.NewHTTPClient(cfg.BackendURL, cfg.BackendToken, &http.Client{Timeout: cfg.DispatchTimeout + 5*time.Second})
	return actionsync.New(actionsync.Options{
		Log:                actions,
		Client:             client,
		Monitor:            monitor,
		Logger:             logger,
		DispatchTimeout:    cfg.DispatchTimeout,
		BaseBackoff:        cfg.BaseBackoff,
		MaxBackoff:         cfg.MaxBackoff,
		MaxUnknownAttempts: cfg.MaxUnknownAttempts,
		RetryInterval:      cfg.RetryInterval,
	})
}

func newEnqueueCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue KIND [PAYLOAD_JSON]",
		Short: "Record an action in the offline log",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLog(st.cfg, st.logger)
			if err != nil {
				return err
			}
			defer l.Close()
			var payload json.RawMessage
			if len(args) == 2 {
				payload = json.RawMessage(args[1])
			}
			action, err := l.Append(args[0], payload)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), action)
		},
	}
}

func newListCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print pending actions in replay order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := openLog(st.cfg, st.logger)
			if err != nil {
				return err
			}
			defer l.Close()
			return printJSON(cmd.OutOrStdout(), l.All())
		},
	}
}

func newClearCmd(st *cliState) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Discard every pending action",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("refusing to discard pending actions without --yes")
			}
			l, err := openLog(st.cfg, st.logger)
			if err != nil {
				return err
			}
			defer l.Close()
			n := l.Len()
			l.Clear()
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d pending actions\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm discarding pending actions")
	return cmd
}

func newSyncCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Probe connectivity and run one replay pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := openLog(st.cfg, st.logger)
			if err != nil {
				return err
			}
			defer l.Close()
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			monitor := connectivity.NewMonitor(ctx, connectivity.MonitorOptions{
				Prober: connectivity.NewHTTPProber(st.cfg.healthURL(), nil),
				Logger: st.logger,
			})
			dispatcher, err := newDispatcher(st.cfg, l, monitor, st.logger)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), dispatcher.SyncAll(ctx))
		},
	}
}

func newTokenCmd(st *cliState) *cobra.Command {
	var (
		subject string
		scopes  string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a control API bearer token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := httpapi.IssueToken(st.cfg.JWTSecret, subject, strings.Fields(strings.ReplaceAll(scopes, ",", " ")), ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&st.flags.JWTSecret, "jwt-secret", st.flags.JWTSecret, "HS256 signing secret (THRIVESYNC_JWT_SECRET)")
	cmd.Flags().StringVar(&subject, "subject", "cli", "token subject")
	cmd.Flags().StringVar(&scopes, "scopes", "status:read,actions:read,actions:write,sync:trigger,notifications:read,notifications:write", "comma separated scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
