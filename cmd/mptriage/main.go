// mptriage walks a Microsoft Defender endpoint through staged
// performance-triage steps: capture a baseline of the current preferences,
// apply relaxation plans one at a time, and restore the hardened baseline
// when the culprit is found.
//
// Usage:
//
//	mptriage baseline capture
//	mptriage apply cloud
//	mptriage apply scanning
//	mptriage apply restore
//	mptriage baseline diff <snapshot.json>
//	mptriage history
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var flagConfig string

var rootCmd = &cobra.Command{
	Use:           "mptriage",
	Short:         "Staged Defender preference relaxation for performance triage",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	log.SetFlags(log.LstdFlags)

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file path (default: local transport, no file needed)")
	rootCmd.AddCommand(applyCmd, plansCmd, baselineCmd, historyCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
