// Package cmd implements the perch command line.
package cmd

import (
	"context"
	"fmt"

	"github.com/charmbracelet/fang"
	"github.com/kernel/kernel-go-sdk"
	"github.com/kernel/kernel-go-sdk/option"
	"github.com/perchdesk/perch/internal/config"
	"github.com/perchdesk/perch/internal/logging"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

var (
	cfg    = config.Default()
	logger = logging.Discard()
)

var rootCmd = &cobra.Command{
	Use:   "perch",
	Short: "Keep an eye on your X inbox from the terminal",
	Long: `perch hosts x.com in a browser it controls, notices when you sign in, and
keeps a count of unread direct messages on your launcher badge.

Sign in once through the browser window perch opens; the profile directory
keeps you signed in between runs.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	cfg.BindFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(keyCmd)
}

// setup resolves configuration for every command: flags, then PERCH_*
// variables, then .env, then defaults.
func setup(cmd *cobra.Command, args []string) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	if err := config.ApplyEnv(cmd.Flags(), nil); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	l, err := logging.New(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return err
	}
	logger = l
	if cfg.LogLevel == "debug" || cfg.LogLevel == "trace" {
		pterm.EnableDebugMessages()
	}
	return nil
}

// getKernelClient builds a Kernel client from the resolved API key.
func getKernelClient() (kernel.Client, error) {
	key, err := config.ResolveAPIKey(cfg.KernelAPIKey, nil, config.Keyring{})
	if err != nil {
		return kernel.Client{}, err
	}
	return kernel.NewClient(option.WithAPIKey(key)), nil
}

// Execute runs the root command until ctx is cancelled.
func Execute(ctx context.Context) error {
	return fang.Execute(ctx, rootCmd, fang.WithVersion(Version))
}
