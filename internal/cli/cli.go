// ============================================================================
// AlertQueue CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the scheduler daemon and its senders
//
// Command Structure:
//   alertqueue                     # Root command
//   ├── run                        # Start the scheduler loop
//   ├── send <command> k=v ...     # Send a control command to a running loop
//   ├── alert <json>               # Send a raw alert payload
//   ├── commands [name]            # List known commands and their parameters
//   ├── config                     # Print the effective configuration
//   │   └── --check               # Only validate
//   ├── --config, -c               # Config file (default configs/alertqueue.yaml)
//   └── --version
//
// run Command:
//   1. Load config, open log file (+ console when print_to_stdout)
//   2. Open the inbox (unix socket or spool directory)
//   3. Build metrics, health, status server
//   4. Create the Scheduler (unknown process_type fails here)
//   5. Run until SIGINT / SIGTERM or a raiseException command
//
// send / alert Commands:
//   Deliver one payload to the inbox named by the same config file, so the
//   sender and the daemon always agree on where messages go.
//
//   Examples:
//     alertqueue send checkpointQueue filename=queue.json
//     alertqueue send clearGraceID graceid=G1234 sleep=30
//     alertqueue alert '{"uid":"G1234","alert_type":"new"}'
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ChuLiYu/alertqueue/internal/commands"
	"github.com/ChuLiYu/alertqueue/internal/config"
	"github.com/ChuLiYu/alertqueue/internal/controller"
	"github.com/ChuLiYu/alertqueue/internal/inbox"
	"github.com/ChuLiYu/alertqueue/internal/metrics"
	"github.com/ChuLiYu/alertqueue/internal/parser"
	"github.com/ChuLiYu/alertqueue/internal/queue"
	"github.com/ChuLiYu/alertqueue/internal/server"
	"github.com/ChuLiYu/alertqueue/internal/snapshot"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/health"
	"gopkg.in/yaml.v3"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

// ErrBadParam is returned for a send argument that is not key=value.
var ErrBadParam = errors.New("parameter must be key=value")

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "alertqueue",
		Short: "AlertQueue: a time-ordered alert follow-up scheduler",
		Long: `AlertQueue listens for alerts and control commands, expands them into
time-ordered queue items, and executes each item's tasks when they come due:
- graceid-keyed queues with bulk clear
- queue checkpoints (JSON or SQLite) and restore
- operator mail on failures and queue growth
- Prometheus metrics and gRPC health`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath, "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSendCommand())
	rootCmd.AddCommand(buildAlertCommand())
	rootCmd.AddCommand(buildCommandsCommand())
	rootCmd.AddCommand(buildConfigCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the scheduler loop",
		Long:  "Start the scheduler loop and block until SIGINT/SIGTERM or a fatal command",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runScheduler(ctx, cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func runScheduler(ctx context.Context, cfg *config.Config, stdout, stderr io.Writer) error {
	log, logFile, err := newLogger(cfg, stdout)
	if err != nil {
		return err
	}
	defer logFile.Close()

	ch, err := openInbox(cfg, log)
	if err != nil {
		return err
	}
	defer ch.Close()

	snaps := &snapshot.Files{Retention: snapshot.DefaultRetention}
	defer snaps.Close()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(promReg)
	hs := health.NewServer()

	sched, err := controller.New(controller.Options{
		Config:    cfg,
		Inbox:     ch,
		Snapshots: snaps,
		Metrics:   collector,
		Health:    hs,
		Log:       log,
		Stdout:    stdout,
		Stderr:    stderr,
	})
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	srv := server.New(server.Options{
		HTTPAddr: cfg.Status.HTTPAddr,
		GRPCAddr: cfg.Status.GRPCAddr,
		Source:   sched,
		Metrics:  collector.Handler(),
		Health:   hs,
		Log:      log,
	})
	if err := srv.Start(); err != nil {
		return err
	}

	log.Info().
		Str("config", cfg.Path).
		Str("inbox", cfg.Inbox.Kind).
		Dur("sleep", cfg.Scheduler.Sleep).
		Msg("scheduler starting")

	// 迴圈結束（信號或致命錯誤）時一併關閉狀態服務
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sched.Run(gctx); err != nil {
			log.Error().Err(err).Msg("scheduler stopped")
			return err
		}
		log.Info().Msg("scheduler stopped")
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("status server shutdown")
		}
		return nil
	})
	return g.Wait()
}

// openInbox 依 inbox.kind 開啟 socket 或 spool
func openInbox(cfg *config.Config, log zerolog.Logger) (inbox.Channel, error) {
	switch cfg.Inbox.Kind {
	case config.InboxSpool:
		return inbox.OpenSpool(cfg.Inbox.SpoolDir, log)
	default:
		return inbox.Listen(cfg.Inbox.Socket, 1024, log)
	}
}

// ============================================================================
// send / alert
// ============================================================================

func buildSendCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "send <command> [key=value ...]",
		Short: "Send a control command to a running scheduler",
		Long: `Build a validated command and deliver it to the inbox named by the config.
Values that parse as JSON (numbers, booleans, quoted strings) keep their type;
anything else is sent as a string.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			payload, err := buildCommand(args[0], args[1:])
			if err != nil {
				return err
			}
			if err := deliver(cfg, payload); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", args[0])
			return nil
		},
	}
}

func buildAlertCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "alert <json>",
		Short: "Send a raw alert payload to a running scheduler",
		Long:  "Deliver a raw JSON alert. Use - to read the payload from stdin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			payload := args[0]
			if payload == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read payload: %w", err)
				}
				payload = string(data)
			}
			if !json.Valid([]byte(payload)) {
				return fmt.Errorf("payload is not valid JSON")
			}
			if err := deliver(cfg, payload); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sent alert")
			return nil
		},
	}
}

// buildCommand 驗證並編碼一個控制命令
func buildCommand(name string, args []string) (string, error) {
	reg, err := commands.Default()
	if err != nil {
		return "", err
	}
	params, err := parseParams(args)
	if err != nil {
		return "", err
	}
	c, err := reg.New(name, params)
	if err != nil {
		return "", err
	}
	data, err := reg.Encode(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// parseParams turns key=value arguments into Params.
func parseParams(args []string) (queue.Params, error) {
	params := make(queue.Params, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: %q", ErrBadParam, arg)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		params[key] = v
	}
	return params, nil
}

// deliver 將 payload 寫到 config 指定的 inbox
func deliver(cfg *config.Config, payload string) error {
	switch cfg.Inbox.Kind {
	case config.InboxSpool:
		_, err := inbox.WriteSpool(cfg.Inbox.SpoolDir, payload)
		return err
	default:
		return inbox.NewClient(cfg.Inbox.Socket).Send(payload)
	}
}

// ============================================================================
// commands / config
// ============================================================================

func buildCommandsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "commands [name]",
		Short: "List known commands with required and forbidden parameters",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := commands.Default()
			if err != nil {
				return err
			}
			names := reg.KnownCommands()
			if len(args) == 1 {
				names = args
			}
			return printCommands(cmd.OutOrStdout(), reg, names)
		},
	}
}

func printCommands(w io.Writer, reg *commands.Registry, names []string) error {
	for _, name := range names {
		desc, err := reg.Description(name)
		if err != nil {
			return err
		}
		required, _ := reg.RequiredParams(name)
		forbidden, _ := reg.ForbiddenParams(name)

		fmt.Fprintf(w, "%s\n", name)
		if desc != "" {
			fmt.Fprintf(w, "  %s\n", desc)
		}
		fmt.Fprintf(w, "  required:  %s\n", joinOrNone(required))
		fmt.Fprintf(w, "  forbidden: %s\n", joinOrNone(forbidden))
	}
	return nil
}

func joinOrNone(s []string) string {
	if len(s) == 0 {
		return "-"
	}
	return strings.Join(s, ", ")
}

func buildConfigCommand() *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Load the config file over the defaults, validate it and print the result as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if _, err := parser.Lookup(cfg.General.ProcessType, nil, cfg); err != nil {
				return err
			}
			if check {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", configFile)
				return nil
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "only validate the config")
	return cmd
}

// Execute runs the CLI and returns a process exit code.
func Execute() int {
	if err := BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}
