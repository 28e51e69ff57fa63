package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/snehjoshi/convq/internal/clock"
	"github.com/snehjoshi/convq/internal/conversions"
	"github.com/snehjoshi/convq/internal/logging"
	"github.com/snehjoshi/convq/internal/storage"
	"github.com/snehjoshi/convq/internal/types"
)

func newInspectCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Print the persisted conversion queue",
		Long: `Print the persisted conversion queue.

Bolt and SQLite stores hold a file lock while the daemon runs; stop it
first or point inspect at a copy of the data dir.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			blobs, err := storage.Open(ctx, cfg.StorageOptions())
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer blobs.Close()

			entries, err := loadEntries(ctx, blobs, cfg.Storage.StateName)
			if err != nil {
				return err
			}
			renderQueue(cmd.OutOrStdout(), entries, time.Now())
			return nil
		},
	}
}

// loadEntries reads and decodes the queue snapshot. A missing snapshot is
// an empty queue.
func loadEntries(ctx context.Context, blobs storage.Blobs, name string) ([]types.QueueEntry, error) {
	data, err := blobs.Get(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	entries, err := conversions.Parse(data, logging.Discard())
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return entries, nil
}

func renderQueue(w io.Writer, entries []types.QueueEntry, now time.Time) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "queue is empty")
		return
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"#", "Fires At", "Due", "Creative Set", "Subject"})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
		{Number: 2, Align: text.AlignLeft},
		{Number: 3, Align: text.AlignLeft},
	})
	for i, e := range entries {
		tw.AppendRow(table.Row{i + 1, fireTime(e), due(e, now), e.CreativeSetID, e.SubjectID})
	}
	tw.AppendFooter(table.Row{"", "", "", "Total", len(entries)})
	tw.Render()
}

func fireTime(e types.QueueEntry) string {
	t, ok := entryTime(e)
	if !ok {
		return fmt.Sprintf("%d", e.FireAt)
	}
	return t.UTC().Format(time.RFC3339)
}

func due(e types.QueueEntry, now time.Time) string {
	t, ok := entryTime(e)
	if !ok {
		return "far future"
	}
	rel := humanize.RelTime(t, now, "ago", "from now")
	if e.IsOverdue(uint64(max(now.Unix(), 0))) {
		return "overdue (" + rel + ")"
	}
	return rel
}

// entryTime converts a fire time to a time.Time, reporting false when it
// does not fit.
func entryTime(e types.QueueEntry) (time.Time, bool) {
	if e.FireAt > clock.MaxSeconds {
		return time.Time{}, false
	}
	return clock.FromSeconds(e.FireAt), true
}
