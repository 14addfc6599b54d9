package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/noah-isme/gema-grader/internal/rubric"
)

var pointsCmd = &cobra.Command{
	Use:   "points <file>",
	Short: "Parse a point-conversion table and optionally convert a total",
	Args:  cobra.ExactArgs(1),
	RunE:  runPoints,
}

var pointsTotal float64

func init() {
	pointsCmd.Flags().Float64Var(&pointsTotal, "points", -1, "Point total to convert into a grade")
	rootCmd.AddCommand(pointsCmd)
}

func runPoints(cmd *cobra.Command, args []string) error {
	content, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read conversion table: %w", err)
	}

	table, err := rubric.ParsePointTable(string(content))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, table.String())
	if pointsTotal >= 0 {
		grade, matched := table.GradeFor(pointsTotal)
		if !matched {
			fmt.Fprintf(out, "%.1f points fall outside the table; lowest grade used\n", pointsTotal)
		}
		fmt.Fprintf(out, "%.1f points -> grade %d\n", pointsTotal, grade)
	}
	return nil
}
