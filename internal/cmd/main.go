package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"aibot/internal/config"
)

var configFiles []string

var rootCmd = &cobra.Command{
	Use:           "aibot",
	Short:         "Collects news, writes posts with an LLM and publishes them to Telegram",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringSliceVarP(&configFiles, "config", "c", nil,
		"config files to load (default ./config.hcl, ./config.local.hcl)")
}

func loadConfig() (config.Config, error) {
	return config.Load(configFiles...)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		cancel()
		os.Exit(1)
	}
}
