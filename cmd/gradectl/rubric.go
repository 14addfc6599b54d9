package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/noah-isme/gema-grader/internal/rubric"
)

var rubricCmd = &cobra.Command{
	Use:   "rubric <file>",
	Short: "Parse and normalize a rubric, printing the tree as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runRubric,
}

var rubricRaw bool

func init() {
	rubricCmd.Flags().BoolVar(&rubricRaw, "raw", false, "Print the parsed tree without normalizing weights")
	rootCmd.AddCommand(rubricCmd)
}

func runRubric(cmd *cobra.Command, args []string) error {
	tree, err := loadRubric(args[0], rubricRaw, cliLogger())
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(tree)
}

func loadRubric(path string, raw bool, logger zerolog.Logger) (rubric.Tree, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return rubric.Tree{}, fmt.Errorf("failed to read rubric: %w", err)
	}

	tree, err := rubric.NewParser(logger).Parse(string(content))
	if err != nil {
		return rubric.Tree{}, err
	}
	if raw {
		return tree, nil
	}
	return rubric.Normalize(tree, logger), nil
}

func cliLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel).With().Timestamp().Logger()
}
