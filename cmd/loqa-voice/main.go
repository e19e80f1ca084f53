package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/events"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/runtime"
	"github.com/loqalabs/loqa-voice/internal/ui"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

var (
	configPath string
	logFile    string
)

var rootCmd = &cobra.Command{
	Use:           "loqa-voice",
	Short:         "Speech session controller for interview practice",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the voice runtime with its HTTP and bus surfaces",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger := newLogger(os.Stdout, cfg.Telemetry.LogLevel)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := runtime.New(cfg, logger).Start(ctx); err != nil {
			logger.Error("runtime exited with error", slog.String("error", err.Error()))
			return err
		}
		logger.Info("shutdown complete")
		return nil
	},
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Practice answers in the terminal",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		out := io.Discard
		if logFile != "" {
			f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return fmt.Errorf("open log file: %w", err)
			}
			defer f.Close()
			out = f
		}
		logger := newLogger(out, cfg.Telemetry.LogLevel)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		feed := ui.NewFeed(256)
		rt := runtime.New(cfg, logger)
		buildErr := rt.Build(ctx, runtime.Hooks{
			Sinks:   []events.Sink{feed},
			OnScore: feed.Score,
		})
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := rt.Close(shutdownCtx); err != nil {
				logger.Error("shutdown error", slog.String("error", err.Error()))
			}
		}()
		if buildErr != nil {
			return buildErr
		}

		p := tea.NewProgram(ui.NewModel(rt.Controller(), feed), tea.WithContext(ctx))
		if _, err := p.Run(); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

var controlCmd = &cobra.Command{
	Use:       "control start|stop|toggle|status",
	Short:     "Drive a running voice node over the bus",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{protocol.ControlStart, protocol.ControlStop, protocol.ControlToggle, protocol.ControlStatus},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger := newLogger(io.Discard, cfg.Telemetry.LogLevel)

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()

		busCfg := cfg.Bus
		if busCfg.Embedded {
			busCfg.Servers = []string{fmt.Sprintf("nats://127.0.0.1:%d", busCfg.Port)}
		}
		client, err := bus.Connect(ctx, busCfg, logger)
		if err != nil {
			return err
		}
		defer client.Close()

		var reply protocol.ControlReply
		if err := client.RequestJSON(ctx, protocol.SubjectVoiceControl, protocol.ControlRequest{Action: args[0]}, &reply); err != nil {
			return err
		}
		if reply.Error != "" {
			return fmt.Errorf("voice node: %s", reply.Error)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "state=%s active=%t available=%t session=%s\n",
			reply.State, reply.Active, reply.Available, reply.SessionID)
		return nil
	},
}

var sessionsLimit int

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recent recognition sessions from the event store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cfg.EventStore.RetentionMode != "persistent" {
			return fmt.Errorf("event_store.retention_mode is %q; only persistent stores keep sessions across runs", cfg.EventStore.RetentionMode)
		}
		logger := newLogger(io.Discard, cfg.Telemetry.LogLevel)

		store, err := eventstore.Open(cmd.Context(), cfg.EventStore, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		sessions, err := store.RecentSessions(cmd.Context(), sessionsLimit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tLANGUAGE\tSTARTED\tDURATION\tREASON")
		for _, s := range sessions {
			duration := "-"
			if !s.StoppedAt.IsZero() {
				duration = s.StoppedAt.Sub(s.StartedAt).Round(time.Millisecond).String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Language, s.StartedAt.Local().Format(time.DateTime), duration, s.Reason)
		}
		return w.Flush()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "loqa-voice.yaml", "Path to configuration file")
	listenCmd.Flags().StringVar(&logFile, "log-file", "", "Write logs to this file instead of discarding them")
	sessionsCmd.Flags().IntVar(&sessionsLimit, "limit", 20, "Maximum sessions to list")

	rootCmd.AddCommand(serveCmd, listenCmd, controlCmd, sessionsCmd, versionCmd)
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
