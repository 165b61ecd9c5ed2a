// Command taskdeck manages the session orchestration daemon and talks to it
// over its unix control socket and HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"taskdeck/internal/config"
	"taskdeck/internal/daemon"
)

const version = "1.0.0"

var (
	flagBaseDir    string
	flagConfigPath string
)

func main() {
	root := &cobra.Command{
		Use:           "taskdeck",
		Short:         "Orchestrate interactive CLI coding sessions against task documents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagBaseDir, "dir", "", "state directory (default ~/.taskdeck, or $TASKDECK_HOME)")
	root.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file (default <dir>/config.yaml)")

	root.AddCommand(
		newServeCmd(),
		newInitCmd(),
		newStatusCmd(),
		newTasksCmd(),
		newStopAllCmd(),
		newShutdownCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "taskdeck: %v\n", err)
		os.Exit(1)
	}
}

func baseDir() (string, error) {
	if flagBaseDir != "" {
		return flagBaseDir, nil
	}
	return daemon.BaseDir()
}

func configPath(base string) string {
	if flagConfigPath != "" {
		return flagConfigPath
	}
	return filepath.Join(base, config.DefaultFileName)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			base, err := baseDir()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := daemon.New(ctx, daemon.Options{
				BaseDir:    base,
				ConfigPath: configPath(base),
			})
			if err != nil {
				return err
			}
			return d.Run(ctx)
		},
	}
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			base, err := baseDir()
			if err != nil {
				return err
			}
			path := configPath(base)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config already exists at %s", path)
			}
			if err := config.Save(path, config.Default()); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the taskdeck version",
		Run: func(*cobra.Command, []string) {
			fmt.Printf("taskdeck %s\n", version)
		},
	}
}
