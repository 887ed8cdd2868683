package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-respond/cli/internal/seeder"
	"github.com/telhawk-systems/telhawk-respond/cli/pkg/output"
	"github.com/telhawk-systems/telhawk-respond/internal/storage"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed synthetic Suricata alerts",
	Long: `Generate Suricata EVE alerts and bulk index them into OpenSearch.

Use --burst-ip to add a run of alerts from one source, which the
correlation cycle merges into a single case.

Examples:
  # 200 background alerts over the last 2 minutes
  respondctl seed --count 200 --spread 2m

  # Add 30 alerts from one attacker
  respondctl seed --count 50 --burst-ip 10.0.0.5 --burst-count 30

  # Print documents instead of indexing them
  respondctl seed --count 3 --dry-run --output json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")
		spread, _ := cmd.Flags().GetDuration("spread")
		burstIP, _ := cmd.Flags().GetString("burst-ip")
		burstCount, _ := cmd.Flags().GetInt("burst-count")
		seed, _ := cmd.Flags().GetInt64("seed")
		index, _ := cmd.Flags().GetString("index")
		batchSize, _ := cmd.Flags().GetInt("batch-size")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		if count < 0 || burstCount < 0 {
			return fmt.Errorf("counts must not be negative")
		}
		if index == "" {
			index = "suricata-" + time.Now().UTC().Format("2006.01.02")
		}

		docs := seeder.NewGenerator(seed).Generate(seeder.Config{
			Count:      count,
			Spread:     spread,
			BurstIP:    burstIP,
			BurstCount: burstCount,
		})

		out := cmd.OutOrStdout()
		if dryRun {
			return output.JSON(out, docs)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := storage.NewClient(cfg.OpenSearch)
		if err != nil {
			return err
		}

		res, err := seeder.Run(cmd.Context(), storage.NewEventStore(client, cfg.OpenSearch.Timeout), index, docs, batchSize)
		if err != nil {
			return err
		}

		if jsonOutput(cmd) {
			return output.JSON(out, res)
		}
		output.Success(out, "Indexed %d alert(s) into %s", res.Indexed, index)
		if res.Failed > 0 {
			output.Warn(out, "%d document(s) failed", res.Failed)
			for _, msg := range res.Errors {
				output.Error(out, "%s", msg)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)

	seedCmd.Flags().Int("count", 100, "number of background alerts")
	seedCmd.Flags().Duration("spread", 2*time.Minute, "spread timestamps over this window before now")
	seedCmd.Flags().String("burst-ip", "", "source IP for an additional burst of alerts")
	seedCmd.Flags().Int("burst-count", 20, "number of burst alerts")
	seedCmd.Flags().Int64("seed", 0, "random seed (0 = random)")
	seedCmd.Flags().String("index", "", "target index (default suricata-YYYY.MM.DD)")
	seedCmd.Flags().Int("batch-size", seeder.DefaultBatchSize, "documents per bulk request")
	seedCmd.Flags().Bool("dry-run", false, "print documents instead of indexing")
}
