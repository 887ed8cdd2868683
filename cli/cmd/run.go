package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-respond/cli/pkg/output"
	"github.com/telhawk-systems/telhawk-respond/internal/app"
	"github.com/telhawk-systems/telhawk-respond/internal/correlation"
	"github.com/telhawk-systems/telhawk-respond/internal/detection"
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Run one detection tick",
	Long: `Load the rule set and evaluate every rule once against OpenSearch,
opening cases for qualifying buckets exactly as the daemon would.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := app.New(cmd.Context(), cfg, newLogger(cmd))
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.Rules.Reload(cmd.Context()); err != nil {
			return fmt.Errorf("failed to load rules: %w", err)
		}

		report, err := a.Evaluator.Tick(cmd.Context())
		if err != nil {
			return err
		}
		return renderDetection(cmd, report)
	},
}

func renderDetection(cmd *cobra.Command, report *detection.TickReport) error {
	out := cmd.OutOrStdout()
	if jsonOutput(cmd) {
		if err := output.JSON(out, report); err != nil {
			return err
		}
	} else {
		table := output.NewTable([]string{"Rule", "Buckets", "Fired", "Suppressed", "Below", "Error"})
		for _, res := range report.Results {
			errMsg := ""
			if res.Err != nil {
				errMsg = res.Err.Error()
			}
			table.AddRow([]string{
				res.RuleID,
				strconv.Itoa(len(res.Buckets)),
				strconv.Itoa(res.Count(detection.OutcomeFired)),
				strconv.Itoa(res.Count(detection.OutcomeSuppressed)),
				strconv.Itoa(res.Count(detection.OutcomeBelowThreshold)),
				errMsg,
			})
		}
		table.Render(out)
		output.Info(out, "\nTick %s: %d rule(s), %d case(s) opened in %s",
			report.TickID, len(report.Results), report.Fired(), report.Duration)
	}

	if failed := len(report.Failed()); failed > 0 {
		return fmt.Errorf("%d rule(s) failed", failed)
	}
	return nil
}

var correlateCmd = &cobra.Command{
	Use:   "correlate",
	Short: "Run one correlation tick",
	Long: `Pull recent Suricata alerts from OpenSearch and merge them into open
cases by source IP, exactly as the daemon would.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := app.New(cmd.Context(), cfg, newLogger(cmd))
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Engine.Tick(cmd.Context())
		if err != nil {
			return err
		}
		return renderCorrelation(cmd, report)
	},
}

func renderCorrelation(cmd *cobra.Command, report *correlation.TickReport) error {
	out := cmd.OutOrStdout()
	if jsonOutput(cmd) {
		if err := output.JSON(out, report); err != nil {
			return err
		}
		return report.Err
	}

	if len(report.Results) > 0 {
		table := output.NewTable([]string{"Alert", "Source IP", "Rank", "Outcome", "Case", "Error"})
		for _, res := range report.Results {
			errMsg := ""
			if res.Err != nil {
				errMsg = res.Err.Error()
			}
			table.AddRow([]string{res.AlertID, res.SourceIP, strconv.Itoa(res.Rank), string(res.Outcome), res.CaseID, errMsg})
		}
		table.Render(out)
	}
	output.Info(out, "\nTick %s over [%s, %s]: fetched %d, created %d case(s), attached %d, duplicates %d, filtered %d",
		report.TickID,
		report.From.Format("15:04:05"),
		report.To.Format("15:04:05"),
		report.Fetched,
		report.Count(correlation.OutcomeCreatedCase),
		report.Count(correlation.OutcomeAttached),
		report.Count(correlation.OutcomeDuplicate),
		report.Count(correlation.OutcomeFiltered),
	)
	if report.Backlog {
		output.Warn(out, "Batch cap reached; the next tick resumes after the last alert")
	}
	return report.Err
}

func init() {
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(correlateCmd)
}
