// Command labsim runs treatments offline with automated participants and
// exports round logs for analysis.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"lameduck.lab/internal/sim/treatment"
)

// Global flags
var (
	jsonOutput     bool
	treatmentsPath string
)

var rootCmd = &cobra.Command{
	Use:   "labsim",
	Short: "Offline simulation of representative rotation treatments",
	Long: `labsim plays complete sessions of a treatment with scripted or random
participants, reports aggregate outcomes, and flattens round logs.

Examples:
  labsim treatments                                   # List named session configs
  labsim run --treatment T2b --sessions 100           # 100 chaos-vote sessions, random participants
  labsim run --treatment T2a --strategy threshold --threshold 600 --log ./sim
  labsim export --log ./sim --format csv > rounds.csv`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&treatmentsPath, "treatments", "", "Treatment catalog yaml (built-in defaults when empty)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(treatmentsCmd)
}

func loadCatalog() (treatment.Catalog, error) { return treatment.Load(treatmentsPath) }

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error: "+err.Error())
		os.Exit(1)
	}
}
