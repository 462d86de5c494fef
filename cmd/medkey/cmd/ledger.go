package cmd

import "github.com/spf13/cobra"

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Ledger inspection tools",
	Long:  `Commands for verifying the hash-chained ledger in the configured storage.`,
}

func init() {
	rootCmd.AddCommand(ledgerCmd)
}
