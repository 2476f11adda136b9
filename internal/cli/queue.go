package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/archivist/internal/node"
	"github.com/roach88/archivist/internal/store"
)

// EntryView is the printed form of a queue entry.
type EntryView struct {
	ID                 string    `json:"id"`
	Type               string    `json:"type"`
	Status             string    `json:"status"`
	Priority           string    `json:"priority"`
	LocationID         string    `json:"location_id"`
	ScheduledAt        time.Time `json:"scheduled_at"`
	FailureCount       int       `json:"failure_count"`
	FailureDescription string    `json:"failure_description,omitempty"`
	Worker             string    `json:"worker,omitempty"`
	Payload            any       `json:"payload,omitempty"`
}

func entryView(e store.QueueEntry) EntryView {
	v := EntryView{
		ID:                 e.ID,
		Type:               string(e.Type),
		Status:             string(e.Status),
		Priority:           e.Priority.String(),
		LocationID:         e.LocationID,
		ScheduledAt:        e.ScheduledAt,
		FailureCount:       e.FailureCount,
		FailureDescription: e.FailureDescription,
		Worker:             e.Worker,
	}
	if len(e.Payload) > 0 {
		v.Payload = e.Payload
	}
	return v
}

var entryStatuses = []store.EntryStatus{
	store.StatusPending,
	store.StatusInProgress,
	store.StatusIdle,
	store.StatusCompleted,
	store.StatusFailed,
	store.StatusCompletedDelayedDelete,
}

func parseEntryStatus(s string) (store.EntryStatus, error) {
	for _, st := range entryStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown entry status %q", s)
}

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the work queue",
	}
	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueEntryCommand(rootOpts, "reset", "Return a failed or idle entry to pending with a cleared failure count",
		func(cmd *cobra.Command, n *node.Node, id string) error { return n.Scheduler.Reset(commandContext(cmd), id) }))
	cmd.AddCommand(newQueueEntryCommand(rootOpts, "reschedule", "Make a pending or idle entry due now",
		func(cmd *cobra.Command, n *node.Node, id string) error { return n.Scheduler.Reschedule(commandContext(cmd), id) }))
	cmd.AddCommand(newQueueEntryCommand(rootOpts, "delete", "Delete an entry that is not in progress",
		func(cmd *cobra.Command, n *node.Node, id string) error { return n.Scheduler.Delete(commandContext(cmd), id) }))
	cmd.AddCommand(newQueueCancelCommand(rootOpts))
	cmd.AddCommand(newQueueSweepCommand(rootOpts))
	return cmd
}

func newQueueListCommand(rootOpts *RootOptions) *cobra.Command {
	var status, typ, location string
	var limit int

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List queue entries in claim order",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := store.EntryFilter{LocationID: location, Limit: limit}
			if status != "" {
				st, err := parseEntryStatus(status)
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid --status", err)
				}
				f.Status = st
			}
			if typ != "" {
				t, err := store.ParseEntryType(typ)
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid --type", err)
				}
				f.Type = t
			}

			n, err := openNode(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer closeNode(n)

			entries, err := n.Scheduler.List(commandContext(cmd), f)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list queue", err)
			}
			views := make([]EntryView, len(entries))
			for i, e := range entries {
				views[i] = entryView(e)
			}
			return newFormatter(rootOpts, cmd).Emit(views, func(w io.Writer) {
				printEntries(w, views)
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only entries with this status")
	cmd.Flags().StringVar(&typ, "type", "", "only entries of this type")
	cmd.Flags().StringVar(&location, "location", "", "only entries of this storage location")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of entries")
	return cmd
}

func printEntries(w io.Writer, views []EntryView) {
	if len(views) == 0 {
		fmt.Fprintln(w, "No entries.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tPRIORITY\tFAILURES\tSCHEDULED\tLOCATION")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			v.ID, v.Type, v.Status, v.Priority, v.FailureCount,
			v.ScheduledAt.Format(time.RFC3339), v.LocationID)
	}
	tw.Flush()
}

type entryFunc func(cmd *cobra.Command, n *node.Node, id string) error

func newQueueEntryCommand(rootOpts *RootOptions, name, short string, fn entryFunc) *cobra.Command {
	return &cobra.Command{
		Use:           name + " <entry-id>",
		Short:         short,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer closeNode(n)

			id := args[0]
			if err := fn(cmd, n, id); err != nil {
				return entryError(newFormatter(rootOpts, cmd), name, id, err)
			}
			return newFormatter(rootOpts, cmd).Emit(map[string]string{"id": id, "action": name}, func(w io.Writer) {
				fmt.Fprintf(w, "%s: %s done\n", id, name)
			})
		},
	}
}

// entryError reports a failed entry operation. Unknown entries and entries
// in the wrong state are command errors.
func entryError(f *OutputFormatter, action, id string, err error) error {
	return f.Fail(ExitCommandError, action+" failed", err, map[string]string{"id": id, "action": action})
}

func newQueueCancelCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <type>",
		Short: "Cancel all pending entries of a type",
		Long: `Cancel all pending entries of a type. They are parked as idle and
resume after "queue reset".`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := store.ParseEntryType(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid type", err)
			}
			n, err := openNode(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer closeNode(n)

			count, err := n.Maintenance.CancelPending(commandContext(cmd), typ)
			if err != nil {
				return newFormatter(rootOpts, cmd).Fail(ExitCommandError, "cancel failed", err, map[string]any{"type": typ})
			}
			return newFormatter(rootOpts, cmd).Emit(map[string]any{"type": typ, "cancelled": count}, func(w io.Writer) {
				fmt.Fprintf(w, "Parked %d pending %s entries.\n", count, typ)
			})
		},
	}
}

func newQueueSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "sweep",
		Short:         "Delete completed entries past their retention",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer closeNode(n)

			count, err := n.Scheduler.Sweep(commandContext(cmd))
			if err != nil {
				return WrapExitError(ExitCommandError, "sweep failed", err)
			}
			return newFormatter(rootOpts, cmd).Emit(map[string]int64{"removed": count}, func(w io.Writer) {
				fmt.Fprintf(w, "Removed %d expired entries.\n", count)
			})
		},
	}
}
