package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scsi2sd/scsi2sd-util/pkg/errors"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List journaled device operations",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of operations to show")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	repo, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	ops, err := repo.List(historyLimit)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(ops) == 0 {
		fmt.Println("No operations found")
		return nil
	}

	fmt.Printf("%-20s %-16s %-10s %-10s %-30s %s\n", "TIME", "KIND", "STATUS", "ROWS", "SOURCE", "DETAIL")
	fmt.Println("------------------------------------------------------------------------------------------------")

	for _, op := range ops {
		source := op.Source
		if source == "" {
			source = "-"
		}
		detail := op.Detail
		if op.ErrorMessage != "" {
			detail = op.ErrorMessage
		}
		if op.Inconsistent {
			detail = "INCONSISTENT " + detail
		}
		if detail == "" {
			detail = "-"
		}

		fmt.Printf("%-20s %-16s %-10s %-10s %-30s %s\n",
			op.CreatedAt, op.Kind, op.Status, fmt.Sprintf("%d/%d", op.RowsDone, op.RowsTotal), source, detail)
	}

	return nil
}
