// Package main provides gradectl, an operator CLI for parsing rubrics and grading a
// directory of submissions without the HTTP service.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gradectl",
	Short: "Grade exam submissions against a rubric",
	Long:  "gradectl parses rubrics and point tables and grades a directory of plain-text submissions with the configured model.",
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
