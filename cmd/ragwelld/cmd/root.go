// Package cmd provides the CLI commands for ragwelld.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ragwell/ragwell/internal/logging"
	"github.com/ragwell/ragwell/pkg/version"
)

var (
	debugMode      bool
	loggingCleanup func()
)

// NewRootCmd creates the root command for the ragwelld CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "ragwelld",
		Short:   "Local-first retrieval daemon",
		Long:    `ragwelld indexes a project directory and serves hybrid search over it via HTTP.`,
		Version: version.Version,
	}
	cmd.SetVersionTemplate("ragwelld version {{.Version}}\n")

	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	cmd.PersistentPreRunE = func(*cobra.Command, []string) error {
		cfg := logging.DefaultConfig()
		if debugMode {
			cfg = logging.DebugConfig()
		}
		logger, cleanup, err := logging.Setup(cfg)
		if err != nil {
			return err
		}
		loggingCleanup = cleanup
		slog.SetDefault(logger)
		return nil
	}
	cmd.PersistentPostRunE = func(*cobra.Command, []string) error {
		if loggingCleanup != nil {
			loggingCleanup()
			loggingCleanup = nil
		}
		return nil
	}

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.Println(version.String())
			return nil
		},
	}
}
