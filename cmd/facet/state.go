package main

import (
	"github.com/spf13/cobra"

	"github.com/ljj1233/xufei-sub000/internal/state"
	"github.com/ljj1233/xufei-sub000/internal/store"
	"github.com/ljj1233/xufei-sub000/internal/types"
)

var stateRevision uint64

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect persisted session state",
}

var stateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted sessions",
	RunE:  listSessions,
}

var stateShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session's persisted state",
	Args:  cobra.ExactArgs(1),
	RunE:  showSession,
}

func init() {
	stateShowCmd.Flags().Uint64Var(&stateRevision, "revision", 0, "Show this persisted revision instead of the latest")
	stateCmd.AddCommand(stateListCmd)
	stateCmd.AddCommand(stateShowCmd)
}

func openSnapshots() (*store.DB, *store.SnapshotStore, error) {
	if cfg.Database.Path == "" {
		return nil, nil, types.NewError(types.INVALID_CONFIGURATION,
			"persistence is disabled (database.path is empty)")
	}
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}
	return db, store.NewSnapshotStore(db), nil
}

func listSessions(cmd *cobra.Command, args []string) error {
	db, snaps, err := openSnapshots()
	if err != nil {
		return err
	}
	defer db.Close()

	records, err := snaps.ListSessions(cmd.Context())
	if err != nil {
		return err
	}
	if len(records) == 0 {
		cmd.Println("No persisted sessions.")
		return nil
	}

	cmd.Printf("%-38s %-10s %-9s %s\n", "SESSION", "STATUS", "REVISION", "SAVED")
	for _, rec := range records {
		cmd.Printf("%-38s %-10s %-9d %s\n",
			rec.SessionID, rec.Status, rec.Revision, rec.SavedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func showSession(cmd *cobra.Command, args []string) error {
	sessionID, err := types.ParseID(args[0])
	if err != nil {
		return err
	}

	db, snaps, err := openSnapshots()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()
	var gs *state.GraphState
	if stateRevision > 0 {
		gs, err = snaps.LoadAt(ctx, sessionID, stateRevision)
	} else {
		gs, err = snaps.LoadLatest(ctx, sessionID)
	}
	if err != nil {
		return err
	}
	return printJSON(cmd, gs)
}
