package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"
)

// RootOptions holds global flags and the state shared by subcommands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string // "json" | "text"

	Config Config
	Logger *xlog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the xrelayd command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "xrelayd",
		Short: "xrelay - change-stream relay to websocket clients",
		Long: `xrelayd watches MongoDB collections, batches change notifications into
pub/sub channels and pushes them to websocket clients grouped into per-user rooms.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			cfg, err := LoadConfig(opts.ConfigPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "load config", err)
			}
			if opts.Verbose {
				cfg.Log.Level = "debug"
			}
			opts.Config = cfg
			opts.Logger = newLogger(cmd, cfg.Log)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewProbeCommand(opts))
	cmd.AddCommand(NewDLQCommand(opts))

	return cmd
}

func newLogger(cmd *cobra.Command, cfg LogConfig) *xlog.Logger {
	level := xlog.LevelInfo
	if strings.EqualFold(cfg.Level, "debug") {
		level = xlog.LevelDebug
	}
	return zerolog.Use(zerolog.Config{
		MinLevel:          level,
		Console:           cfg.Console,
		ConsoleTimeFormat: time.RFC3339Nano,
		Writer:            cmd.ErrOrStderr(),
	}).With(xlog.Str("app", "xrelayd"))
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
