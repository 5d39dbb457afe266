// Package commands implements the liveintake CLI.
package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/argushq/liveintake/internal/config"
)

// Set at build time with -ldflags "-X .../commands.version=...".
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "liveintake",
	Short: "Argus live voice intake",
	Long: `liveintake streams the operator's microphone to a remote voice agent and
plays the agent's spoken replies back, collecting a transcript of the
conversation for the incident report.

Configuration is read from a YAML file (see configs/liveintake.example.yaml).
Values may reference environment variables as ${NAME}.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "liveintake.yaml", "path to the YAML configuration file")
	rootCmd.AddCommand(talkCmd, serveCmd, devicesCmd, versionCmd)
}

// Execute runs the root command. Errors are printed before returning.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, styles.Error.Render("liveintake: "+err.Error()))
	}
	return err
}

// loadConfig reads the --config file and installs the configured logger as
// the slog default.
func loadConfig() (*config.Config, *slog.LevelVar, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("config file %q not found; copy configs/liveintake.example.yaml to get started", configPath)
		}
		return nil, nil, err
	}
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return cfg, level, nil
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the liveintake version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "liveintake", version)
	},
}
