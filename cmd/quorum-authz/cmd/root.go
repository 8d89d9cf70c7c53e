// Package cmd provides the CLI commands for quorum-authz.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quorumauthz/core/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "quorum-authz",
	Short: "quorumauthz - embeddable authorization decision engine",
	Long: `quorum-authz compiles and evaluates quorumauthz policies: a bytecode
compiler and stack-machine interpreter for a small attribute-based policy
language, plus the approval and relationship context stores policies can
consult.

Quick start:
  1. Write policies in a directory of *.qauthz files
  2. Run: quorum-authz compile --bundle ./policies
  3. Run: quorum-authz serve --bundle ./policies

Configuration:
  Config is loaded from quorumauthz.yaml in the current directory,
  $HOME/.quorumauthz/, or /etc/quorumauthz/.

  Environment variables can override config values with the QUORUMAUTHZ_
  prefix. Example: QUORUMAUTHZ_SERVER_HTTP_ADDR=:9090

Commands:
  compile     Compile a policy bundle and report errors
  evaluate    Evaluate a single request against a policy bundle
  serve       Run the health/metrics HTTP server for an embedded engine
  bench       Measure Evaluate throughput against a policy bundle
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./quorumauthz.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
