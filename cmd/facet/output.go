package main

import (
	"encoding/json"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ljj1233/xufei-sub000/internal/report"
	"github.com/ljj1233/xufei-sub000/internal/task"
)

// printReport renders the final session report, as JSON or a readable
// summary.
func printReport(cmd *cobra.Command, rep *report.Report, asJSON bool) error {
	if asJSON {
		out, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return err
		}
		cmd.Println(string(out))
		return nil
	}

	cmd.Printf("Session %s: %s", rep.SessionID, rep.Status)
	if rep.Partial {
		cmd.Printf(" (partial)")
	}
	cmd.Printf("\nOverall score: %.1f\n\n", rep.OverallScore)

	modalities := make([]task.Modality, 0, len(rep.Modalities))
	for m := range rep.Modalities {
		modalities = append(modalities, m)
	}
	sort.Slice(modalities, func(i, j int) bool { return modalities[i] < modalities[j] })

	for _, m := range modalities {
		mr := rep.Modalities[m]
		cmd.Printf("  %-8s %s", m, mr.Status)
		if mr.Status == "ok" {
			cmd.Printf("  (confidence %.2f)", mr.Confidence)
		} else if mr.LastError != "" {
			cmd.Printf("  %s", mr.LastError)
		}
		cmd.Println()

		scores := make([]string, 0, len(mr.Scores))
		for name := range mr.Scores {
			scores = append(scores, name)
		}
		sort.Strings(scores)
		for _, name := range scores {
			cmd.Printf("    %-16s %.1f\n", name, mr.Scores[name])
		}
	}

	if len(rep.Suggestions) > 0 {
		cmd.Println("\nSuggestions:")
		for _, s := range rep.Suggestions {
			cmd.Printf("  - %s\n", s)
		}
	}
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(out))
	return nil
}
