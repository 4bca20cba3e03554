package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFiles []string
	envPrefix   string
)

var rootCmd = &cobra.Command{
	Use:           "placeclient",
	Short:         "Caching client for the places backend",
	Long:          "placeclient searches nearby places, reviews and photos through a session-authenticated backend, caching responses on disk and images in memory and sqlite.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringSliceVarP(&configFiles, "config", "c", nil, "configuration file (yaml, json or toml); repeatable")
	rootCmd.PersistentFlags().StringVar(&envPrefix, "env-prefix", "PLACECLIENT", "environment variable prefix")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
