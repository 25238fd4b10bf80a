package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "rulegate",
	Short: "Detection rule pack deployment with canary rollouts",
	Long: `Rulegate deploys versioned detection rule packs to a SIEM runtime.

Rule bundles are content-addressed and compile-checked on upload. Every
deployment starts from a plan diffed against the live rule set, passes a
guardrail evaluation before anything lands, and can roll out as a staged
canary that pauses, cancels or reverts itself when the runtime degrades.`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
