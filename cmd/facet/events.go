package main

import (
	"github.com/spf13/cobra"

	"github.com/ljj1233/xufei-sub000/internal/store"
)

var eventsLimit int

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent adaptation rule firings",
	RunE:  listAdaptationEvents,
}

func init() {
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 20, "Maximum number of events to show")
}

func listAdaptationEvents(cmd *cobra.Command, args []string) error {
	db, _, err := openSnapshots()
	if err != nil {
		return err
	}
	defer db.Close()

	listed, err := store.NewAdaptationStore(db).ListRecent(cmd.Context(), eventsLimit)
	if err != nil {
		return err
	}
	if len(listed) == 0 {
		cmd.Println("No adaptation events recorded.")
		return nil
	}

	for _, ev := range listed {
		cmd.Printf("%s  %-32s %s %s=%.2f (threshold %.2f)  %s %+.2f -> %.2f\n",
			ev.FiredAt.Format("2006-01-02 15:04:05"),
			ev.Rule, ev.Modality, ev.Metric, ev.Observed, ev.Threshold,
			ev.Parameter, ev.Delta, ev.NewValue)
	}
	return nil
}
