package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-respond/cli/pkg/output"
	"github.com/telhawk-systems/telhawk-respond/common/database"
	"github.com/telhawk-systems/telhawk-respond/internal/repository"
	"github.com/telhawk-systems/telhawk-respond/internal/service"
)

var casesCmd = &cobra.Command{
	Use:   "cases",
	Short: "Case management",
	Long:  "List, inspect and close investigation cases",
}

// openCases connects straight to the case store; the rule catalog is not
// needed for case operations.
func openCases(ctx context.Context, cmd *cobra.Command) (*service.Service, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	repo, err := repository.NewPostgresRepository(ctx, cfg.Database.Postgres.ConnString(), database.Timeouts{
		Query: cfg.Database.QueryTimeout,
		Write: cfg.Database.WriteTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return service.NewService(repo, nil, nil, newLogger(cmd)), repo.Close, nil
}

var casesListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List cases",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := openCases(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		cases, err := svc.ListCases(cmd.Context(), status, limit)
		if err != nil {
			return fmt.Errorf("failed to list cases: %w", err)
		}

		out := cmd.OutOrStdout()
		if jsonOutput(cmd) {
			return output.JSON(out, cases)
		}
		if len(cases) == 0 {
			output.Info(out, "No cases found")
			return nil
		}

		table := output.NewTable([]string{"ID", "Title", "Severity", "Status", "Source", "Alerts", "Updated"})
		for _, c := range cases {
			table.AddRow([]string{
				c.ID,
				c.Title,
				output.Severity(string(c.Severity)),
				string(c.Status),
				string(c.Source),
				strconv.Itoa(c.AlertCount),
				c.UpdatedAt.Format("2006-01-02 15:04"),
			})
		}
		table.Render(out)
		return nil
	},
}

var casesShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show a case with its alerts and comments",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := openCases(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		detail, err := svc.GetCase(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get case: %w", err)
		}

		out := cmd.OutOrStdout()
		if jsonOutput(cmd) {
			return output.JSON(out, detail)
		}

		output.Info(out, "Case ID: %s", detail.ID)
		output.Info(out, "Title: %s", detail.Title)
		output.Info(out, "Severity: %s", output.Severity(string(detail.Severity)))
		output.Info(out, "Status: %s", detail.Status)
		output.Info(out, "Source: %s", detail.Source)
		if detail.CorrelationKey != nil {
			output.Info(out, "Correlation key: %s", *detail.CorrelationKey)
		}
		output.Info(out, "Created: %s", detail.CreatedAt.Format("2006-01-02 15:04:05"))
		if detail.Description != "" {
			output.Info(out, "\n%s", detail.Description)
		}

		if len(detail.Alerts) > 0 {
			output.Info(out, "\nAlerts (%d):", len(detail.Alerts))
			table := output.NewTable([]string{"Alert", "Signature", "Severity", "Source IP", "Dest", "Time"})
			for _, a := range detail.Alerts {
				dest := a.DestIP
				if a.DestPort != nil {
					dest = fmt.Sprintf("%s:%d", a.DestIP, *a.DestPort)
				}
				table.AddRow([]string{a.AlertID, a.Signature, a.Severity, a.SourceIP, dest, a.Timestamp.Format("2006-01-02 15:04:05")})
			}
			table.Render(out)
		}
		for _, c := range detail.Comments {
			output.Info(out, "\n[%s] %s: %s", c.CreatedAt.Format("2006-01-02 15:04"), c.Author, c.Content)
		}
		return nil
	},
}

var casesCloseCmd = &cobra.Command{
	Use:   "close [id]",
	Short: "Close a case",
	Long: `Close a case. Closed cases are never reopened; the next alert from the
same source opens a new case.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := openCases(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		c, err := svc.CloseCase(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to close case: %w", err)
		}

		if jsonOutput(cmd) {
			return output.JSON(cmd.OutOrStdout(), c)
		}
		output.Success(cmd.OutOrStdout(), "Case %s closed", c.ID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(casesCmd)
	casesCmd.AddCommand(casesListCmd)
	casesCmd.AddCommand(casesShowCmd)
	casesCmd.AddCommand(casesCloseCmd)

	casesListCmd.Flags().String("status", "", "filter by status: open, investigating, resolved, closed, all (default open)")
	casesListCmd.Flags().Int("limit", 50, "maximum number of cases")
}
