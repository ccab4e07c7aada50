package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"lameduck.lab/internal/sim/treatment"
)

var treatmentsCmd = &cobra.Command{
	Use:   "treatments",
	Short: "List the named session configs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := loadCatalog()
		if err != nil {
			return err
		}
		return printTreatments(os.Stdout, cat, jsonOutput)
	},
}

func printTreatments(w io.Writer, cat treatment.Catalog, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(cat)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tPARTICIPANTS\tVOTERS\tTERM\tMAX ROUNDS\tHORIZON\tCHAOS\tNAME")
	for _, id := range cat.IDs() {
		s, _ := cat.ByID(id)
		horizon := "fixed"
		if s.IndefiniteHorizonStartRound > 0 {
			horizon = fmt.Sprintf("p=%.2f from %d", s.ContinuationProbability, s.IndefiniteHorizonStartRound)
		}
		def := ""
		if id == cat.DefaultTreatment {
			def = " (default)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%s\t%.2f\t%s%s\n",
			s.ID, s.Kind, s.NumParticipants, s.NumVoters, s.TermLength, s.MaxRounds, horizon, s.ChaosProbability, s.Name, def)
	}
	return tw.Flush()
}
