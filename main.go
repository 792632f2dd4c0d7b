package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/katasec/dstream-ingester-wikibase/internal/config"
	"github.com/katasec/dstream-ingester-wikibase/internal/logging"
	"github.com/katasec/dstream-ingester-wikibase/pkg/cdc"
	"github.com/katasec/dstream-ingester-wikibase/wikibase"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "dstream-ingester-wikibase"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Incremental change capture for Wikibase installations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "dstream.hcl", "Config file path (HCL or JSON)")

	cmd.AddCommand(
		runCmd(&configPath),
		resetCursorCmd(&configPath),
		statusCmd(&configPath),
		serveSinkCmd(&configPath),
		schemaCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)
	return cmd
}

// loadIngester reads the config file and sets up logging from it.
func loadIngester(configPath string) (*wikibase.Ingester, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return nil, err
	}
	logger := logging.New(logging.Options{Name: "wikibase", Level: cfg.LogLevel, Format: cfg.LogFormat})
	wikibase.SetLogger(logger)
	return wikibase.NewIngester(cfg, logger), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runCmd(configPath *string) *cobra.Command {
	var stdinConfig bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Capture changes until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			if stdinConfig {
				return runFromStdin(ctx, cmd.InOrStdin())
			}

			ing, err := loadIngester(*configPath)
			if err != nil {
				return err
			}
			return ing.Start(ctx)
		},
	}
	cmd.Flags().BoolVar(&stdinConfig, "stdin-config", false, "Read the configuration as a JSON object from stdin")
	return cmd
}

// runFromStdin runs the plugin entry point with a JSON configuration, the
// way an orchestrating host starts the ingester.
func runFromStdin(ctx context.Context, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}

	var cfg structpb.Struct
	if err := protojson.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("decode stdin config: %w", err)
	}

	level := "info"
	if v, ok := cfg.GetFields()["log_level"]; ok {
		level = v.GetStringValue()
	}
	wikibase.SetLogger(logging.New(logging.Options{Name: "wikibase", Level: level}))

	return (&wikibase.Plugin{}).Start(ctx, &cfg)
}

func resetCursorCmd(configPath *string) *cobra.Command {
	var (
		to  string
		seq int64
	)

	cmd := &cobra.Command{
		Use:   "reset-cursor",
		Short: "Overwrite the committed cursor of a stopped stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := time.Parse(time.RFC3339, to)
			if err != nil {
				return fmt.Errorf("--to: %w", err)
			}
			if seq < 0 {
				return fmt.Errorf("--seq must not be negative")
			}

			ing, err := loadIngester(*configPath)
			if err != nil {
				return err
			}
			cursor := cdc.NewCursor(ts, seq)
			if err := ing.ResetCursor(cmd.Context(), cursor); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cursor reset to %s\n", cursor)
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "New cursor time (RFC3339)")
	cmd.Flags().Int64Var(&seq, "seq", 0, "New cursor sequence id")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func statusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the committed cursor and lock state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ing, err := loadIngester(*configPath)
			if err != nil {
				return err
			}
			status, err := ing.GetStatus(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "stream:   %s\n", status.Stream)
			if status.Cursor.IsZero() {
				fmt.Fprintln(out, "cursor:   none committed")
			} else {
				fmt.Fprintf(out, "cursor:   %s\n", status.Cursor)
			}
			fmt.Fprintf(out, "locked:   %t\n", status.Locked)
			return nil
		},
	}
}

func serveSinkCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve-sink",
		Short: "Serve the configured publisher sink as a plugin",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(*configPath)
			if err != nil {
				return err
			}
			// go-plugin owns stdout; the host relays stderr as JSON.
			logger := hclog.New(&hclog.LoggerOptions{
				Level:      hclog.LevelFromString(cfg.LogLevel),
				Output:     os.Stderr,
				JSONFormat: true,
			})
			return wikibase.NewIngester(cfg, logger).ServeSink(cmd.Context())
		},
	}
}

func schemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration schema as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := (&wikibase.Plugin{}).GetSchema(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(fields)
		},
	}
}
