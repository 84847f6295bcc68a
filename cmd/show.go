package cmd

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/fellowship-crawler/internal/output"
)

func newShowCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "show FILE.csv",
		Short: "Print a saved fellowship CSV as a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open csv: %w", err)
			}
			defer f.Close()

			records, err := output.ReadCSV(f)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No fellowships in file.")
				return nil
			}

			t := table.NewWriter()
			t.SetStyle(table.StyleRounded)
			t.Style().Format.Footer = text.FormatDefault
			t.SetOutputMirror(cmd.OutOrStdout())

			header := records[0].Keys()
			headerRow := table.Row{"#"}
			for _, key := range header {
				headerRow = append(headerRow, key)
			}
			t.AppendHeader(headerRow)

			for i, rec := range records {
				if limit > 0 && i >= limit {
					break
				}
				row := table.Row{i + 1}
				for _, key := range header {
					row = append(row, rec.Value(key))
				}
				t.AppendRow(row)
			}
			t.AppendFooter(table.Row{"", fmt.Sprintf("%d fellowships", len(records))})
			t.Render()
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show at most this many rows (0 = all)")
	return cmd
}
