// Command runway runs the preview pipeline control plane: an HTTP API and
// operator dashboard over the run state machine, the slot lease pool,
// worktree bindings, preview database resets, and the merge/deploy gate.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/madhatter5501/runway"
	"github.com/madhatter5501/runway/internal/config"
	"github.com/madhatter5501/runway/internal/db"
)

var (
	// Version is overridden by ldflags at release build time.
	Version = "0.9.0"
	// Commit is the git revision the binary was built from (optional ldflag).
	Commit = ""
	// BuildTime is stamped by the release build (optional ldflag).
	BuildTime = ""
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "runway",
	Short: "Control plane for AI-assisted change pipelines",
	Long: `runway coordinates AI-assisted change requests from submission to deploy:
a run state machine, a pool of leased preview slots with bound git worktrees,
deterministic preview-database resets, and a merge gate that lands approved
changes on main.

Configuration comes from a YAML file (--config), RUNWAY_* environment
variables, and built-in defaults, in that order of precedence.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// buildLogger returns the process logger: JSON records on stderr, teed into
// a size-rotated file when log_file is configured.
func buildLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	var sink io.Writer = os.Stderr
	if cfg.LogFile != "" {
		sink = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		})
	}
	return slog.New(slog.NewJSONHandler(sink, &slog.HandlerOptions{Level: level}))
}

// openService wires config, store, and service for one-shot commands. The
// returned closer releases the database.
func openService() (*runway.Service, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := buildLogger(cfg)

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}

	svc := runway.NewService(db.NewStore(database), cfg, logger, runway.Options{})
	return svc, func() { _ = database.Close() }, nil
}

// outputJSON prints v as indented JSON on stdout.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
