package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/clintrovert/autofix/internal/config"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "autofixd",
		Short: "autofixd - fixes bugs reported by a code review bot",
		Long: `autofixd watches pull requests for bug reports left by a code review bot,
runs a fix tool on the pull request branch and records what happened in a
local ledger so no bug is handled twice.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "autofixd: %v\n", err)
		os.Exit(1)
	}
}
