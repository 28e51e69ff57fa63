package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/convq/internal/balance"
)

func newBalanceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "balance <file|->",
		Short: "Normalize a legacy balance report",
		Long: `Normalize a legacy balance report.

Each amount may be a JSON number or a "<name>_probi" string holding an
integer amount in units of 10^-18. The normalized report is printed as JSON.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readSource(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			report, err := balance.ParseReport(data)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				balance.Report
				Total float64 `json:"total"`
			}{report, report.Total()})
		},
	}
}

func readSource(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	return data, nil
}
