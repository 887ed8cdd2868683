package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-respond/cli/pkg/output"
	"github.com/telhawk-systems/telhawk-respond/internal/rules"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Detection rules management",
	Long:  "Inspect and validate detection rule files",
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate [directory]",
	Short: "Validate rule files",
	Long: `Load every .yaml/.yml file in a directory the way the daemon does and
report the valid rules and every rule that would be skipped.

Without a directory argument the configured detection.rules_dir is used.
Exits non-zero when any rule is invalid.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "rules"
		if len(args) > 0 {
			dir = args[0]
		} else if cfg, err := loadConfig(); err == nil {
			dir = cfg.Detection.RulesDir
		}

		result, err := rules.NewLoader().Load(dir)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput(cmd) {
			if err := output.JSON(out, map[string]any{
				"dir":    dir,
				"files":  result.Files,
				"rules":  result.Rules,
				"errors": result.Errors,
			}); err != nil {
				return err
			}
		} else {
			output.Info(out, "Loaded %d rule(s) from %d file(s) in %s", len(result.Rules), result.Files, dir)
			if len(result.Rules) > 0 {
				table := output.NewTable([]string{"ID", "Name", "Severity", "Index", "Condition", "Lookback"})
				for _, r := range result.Rules {
					cond := string(r.Condition.Type)
					if r.Condition.Threshold != nil {
						cond += " " + strconv.FormatInt(*r.Condition.Threshold, 10)
					}
					table.AddRow([]string{r.ID, r.Name, r.Severity, r.Index, cond, fmt.Sprintf("%dm", r.Lookback())})
				}
				table.Render(out)
			}
			for _, le := range result.Errors {
				output.Error(out, "%s", le.Error())
			}
		}

		if n := len(result.Errors); n > 0 {
			return fmt.Errorf("%d invalid rule(s)", n)
		}
		if !jsonOutput(cmd) {
			output.Success(out, "All rules valid")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesValidateCmd)
}
