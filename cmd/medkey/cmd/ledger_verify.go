package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jmcleod/medkey/internal/config"
	"github.com/jmcleod/medkey/ledger"
)

// errLedgerInvalid makes the command exit non-zero after printing results.
var errLedgerInvalid = errors.New("ledger verification failed")

type verifyReport struct {
	Partitions []ledger.VerifyResult `json:"partitions"`
	Valid      bool                  `json:"valid"`
	Failures   int                   `json:"failures"`
	Warnings   int                   `json:"warnings"`
}

func verifyLedger(ctx context.Context, l *ledger.Ledger, prefix string) (verifyReport, error) {
	report := verifyReport{Valid: true, Partitions: []ledger.VerifyResult{}}
	partitions, err := l.Partitions(ctx, prefix)
	if err != nil {
		return report, fmt.Errorf("listing partitions: %w", err)
	}
	for _, p := range partitions {
		result, err := l.Verify(ctx, p)
		if err != nil {
			return report, fmt.Errorf("verifying %s: %w", p, err)
		}
		for _, c := range result.Checks {
			switch c.Status {
			case "fail":
				report.Failures++
			case "warn":
				report.Warnings++
			}
		}
		if !result.Valid {
			report.Valid = false
		}
		report.Partitions = append(report.Partitions, result)
	}
	return report, nil
}

func printHumanReport(w io.Writer, report verifyReport, verbose bool) {
	for _, r := range report.Partitions {
		if r.Valid && !verbose {
			continue
		}
		fmt.Fprintf(w, "Partition: %s (%d facts)\n", r.Partition, r.FactCount)
		for _, c := range r.Checks {
			tag := "[PASS]"
			switch c.Status {
			case "fail":
				tag = "[FAIL]"
			case "warn":
				tag = "[WARN]"
			}
			if c.Detail != "" {
				fmt.Fprintf(w, "  %s %s: %s\n", tag, c.Name, c.Detail)
			} else {
				fmt.Fprintf(w, "  %s %s\n", tag, c.Name)
			}
		}
	}

	fmt.Fprintf(w, "\nPartitions checked: %d\n", len(report.Partitions))
	if report.Valid {
		fmt.Fprintf(w, "Result: VALID (%d warning(s))\n", report.Warnings)
	} else {
		fmt.Fprintf(w, "Result: INVALID (%d error(s), %d warning(s))\n", report.Failures, report.Warnings)
	}
}

func printJSONReport(w io.Writer, report verifyReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

var (
	verifyJSONOutput bool
	verifyPrefix     string
	verifyVerbose    bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the integrity of every ledger partition",
	Long: `Walks every partition in the configured storage and checks the fact
sequence, genesis anchor, hash chain, head agreement and timestamp order.

When a persistent head cache is configured, heads older than the ones
previously seen are reported as rollbacks.`,
	Args: cobra.NoArgs,
	RunE: runVerify,
}

func init() {
	ledgerCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().BoolVar(&verifyJSONOutput, "json", false, "Output results as JSON")
	verifyCmd.Flags().StringVar(&verifyPrefix, "prefix", "", "Only verify partitions starting with this prefix")
	verifyCmd.Flags().BoolVarP(&verifyVerbose, "verbose", "v", false, "Print checks for valid partitions too")
}

func runVerify(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, cmd.ErrOrStderr())
	b, err := openLedger(cmd.Context(), cfg, logger, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer b.Close()

	report, err := verifyLedger(cmd.Context(), b.ledger, verifyPrefix)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if verifyJSONOutput {
		if err := printJSONReport(out, report); err != nil {
			return err
		}
	} else {
		printHumanReport(out, report, verifyVerbose)
	}
	if !report.Valid {
		return errLedgerInvalid
	}
	return nil
}
