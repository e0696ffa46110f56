package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/nugget/ember/internal/checkpoint"
	"github.com/nugget/ember/internal/memory"
)

// checkpointListLimit is how many snapshots the checkpoints command
// shows.
const checkpointListLimit = 20

// runCheckpoints lists the newest archived checkpoint snapshots.
func runCheckpoints(w io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	db, err := memory.OpenDB(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	archive, err := checkpoint.NewArchive(db)
	if err != nil {
		return fmt.Errorf("open checkpoint archive: %w", err)
	}
	snaps, err := archive.List(checkpointListLimit)
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}
	return printSnapshots(w, snaps, outputFmt)
}

func printSnapshots(w io.Writer, snaps []*checkpoint.Snapshot, outputFmt string) error {
	if outputFmt == "json" {
		if snaps == nil {
			snaps = []*checkpoint.Snapshot{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snaps)
	}

	if len(snaps) == 0 {
		fmt.Fprintln(w, "No archived checkpoints.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tTRIGGER\tMODULES\tBYTES")
	for _, s := range snaps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n",
			s.ID, s.CreatedAt.Local().Format(time.DateTime), s.Trigger, s.Modules, s.ByteSize)
	}
	return tw.Flush()
}
