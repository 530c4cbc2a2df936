package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/replayio/devtools-sub013/internal/config"
	"github.com/replayio/devtools-sub013/internal/errors"
	"github.com/replayio/devtools-sub013/internal/logging"
	"github.com/replayio/devtools-sub013/internal/mcp"
	"github.com/replayio/devtools-sub013/internal/session"
	"github.com/replayio/devtools-sub013/internal/version"
)

var longHelp = strings.TrimSpace(`
Replay MCP: recorded-execution debugging for MCP clients

A Model Context Protocol (MCP) server that opens sessions on recordings held by
a Replay server, moves a cursor through recorded time, inspects frames, scopes
and objects at any point, and runs map/reduce analyses over execution points.

Configuration is layered: defaults, then the config file (JSON or TOML), then
REPLAY_* environment variables, then flags.
`)

var exampleUsage = strings.TrimSpace(`
  replay-mcp serve --mode readonly
  replay-mcp serve --config ~/.replay/config.toml --log-level debug
  REPLAY_API_KEY=<key> replay-mcp analyze --recording <id> --mapper-file mapper.js --points 100,200
`)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "replay-mcp",
		Short:         "MCP server for debugging recorded executions",
		Long:          longHelp,
		Example:       exampleUsage,
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgPath, "config", "", "Path to configuration file (JSON or TOML)")
	flags.String("mode", string(config.ModeReadOnly), "Capability mode: 'readonly' or 'full'")
	flags.String("server-url", "", "Recording server URL (ws://, wss:// or tcp:// for a framed bridge)")
	flags.String("api-key", "", "API key for the recording server")
	flags.Int("max-sessions", 0, "Maximum concurrent sessions")
	flags.Duration("session-timeout", 0, "Close sessions idle for this long")
	flags.Duration("request-timeout", 0, "Timeout for each server command")
	flags.Int("batch-size", 0, "Points per chunk in batched analyses")
	flags.Int("max-points", 0, "Maximum points discovered by a batched analysis")
	flags.String("log-level", "", "Log level: trace, debug, info, warn, error")
	flags.Bool("log-pretty", false, "Human-readable logs on stderr")

	load := func(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
		cfg, err := config.LoadConfig(cfgPath)
		if err != nil {
			return nil, zerolog.Nop(), fmt.Errorf("load config: %w", err)
		}
		if err := cfg.ApplyFlags(cmd.Flags()); err != nil {
			return nil, zerolog.Nop(), err
		}
		if err := cfg.Validate(); err != nil {
			return nil, zerolog.Nop(), err
		}
		logger := logging.New(logging.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, Output: os.Stderr})
		return cfg, logger, nil
	}

	root.AddCommand(newServeCommand(load), newAnalyzeCommand(load), newVersionCommand())
	return root
}

type loader func(cmd *cobra.Command) (*config.Config, zerolog.Logger, error)

func newSessionManager(cfg *config.Config, logger zerolog.Logger) *session.Manager {
	return session.NewManager(
		session.DialerFor(cfg.ServerURL, cfg.APIKey),
		cfg.MaxSessions,
		cfg.SessionTimeout,
		session.Options{
			Logger:         logging.Component(logger, "session"),
			Assert:         errors.LogViolation(logger),
			RequestTimeout: cfg.RequestTimeout,
			BatchSize:      cfg.Analysis.BatchSize,
		},
	)
}

func newServeCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP tools on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(cmd)
			if err != nil {
				return err
			}

			server := mcp.NewServer(cfg, newSessionManager(cfg, logger), logging.Component(logger, "mcp"))

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			go func() {
				<-sigCh
				logger.Info().Msg("shutting down")
				server.Close()
				os.Exit(0)
			}()

			logger.Info().Str("version", version.Version).Str("serverURL", cfg.ServerURL).Msg("replay-mcp starting")
			err = server.ServeStdio()
			server.Close()
			return err
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
