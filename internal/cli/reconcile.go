package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/archivist/internal/store"
)

// RecordView is the printed form of a reconciliation record.
type RecordView struct {
	ID              string             `json:"id"`
	LocationID      string             `json:"location_id"`
	GroupID         string             `json:"group_id"`
	QueueEntryID    string             `json:"queue_entry_id,omitempty"`
	RequestedAction string             `json:"requested_action,omitempty"`
	Outcome         string             `json:"outcome,omitempty"`
	SupersedesID    string             `json:"supersedes_id,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	ResolvedAt      *time.Time         `json:"resolved_at,omitempty"`
	Differences     []store.Difference `json:"differences"`
	Objects         []ObjectView       `json:"objects,omitempty"`
}

// ObjectView is one quarantined object of a record.
type ObjectView struct {
	SOPUID         string `json:"sop_uid"`
	SeriesUID      string `json:"series_uid"`
	QuarantinePath string `json:"quarantine_path"`
	ContentHash    string `json:"content_hash"`
}

func recordView(r store.ReconciliationRecord) RecordView {
	v := RecordView{
		ID:              r.ID,
		LocationID:      r.LocationID,
		GroupID:         r.GroupID,
		QueueEntryID:    r.QueueEntryID,
		RequestedAction: string(r.RequestedAction),
		Outcome:         string(r.Outcome),
		SupersedesID:    r.SupersedesID,
		CreatedAt:       r.CreatedAt,
		Differences:     r.Differences,
	}
	if !r.ResolvedAt.IsZero() {
		at := r.ResolvedAt
		v.ResolvedAt = &at
	}
	for _, o := range r.Objects {
		v.Objects = append(v.Objects, ObjectView{
			SOPUID:         o.SOPUID,
			SeriesUID:      o.SeriesUID,
			QuarantinePath: o.QuarantinePath,
			ContentHash:    o.ContentHash,
		})
	}
	return v
}

// NewReconcileCommand creates the reconcile command group.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Inspect and resolve reconciliation records",
	}
	cmd.AddCommand(newReconcileListCommand(rootOpts))
	cmd.AddCommand(newReconcileShowCommand(rootOpts))
	cmd.AddCommand(newReconcileResolveCommand(rootOpts))
	return cmd
}

func newReconcileListCommand(rootOpts *RootOptions) *cobra.Command {
	var all bool
	var location string
	var limit int

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List reconciliation records, open ones by default",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer closeNode(n)

			recs, err := n.Store.Reconciliations().List(commandContext(cmd), store.ReconcileFilter{
				LocationID: location,
				OpenOnly:   !all,
				Limit:      limit,
			})
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list records", err)
			}
			views := make([]RecordView, len(recs))
			for i, r := range recs {
				views[i] = recordView(r)
			}
			return newFormatter(rootOpts, cmd).Emit(views, func(w io.Writer) {
				if len(views) == 0 {
					fmt.Fprintln(w, "No records.")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tLOCATION\tDIFFERENCES\tREQUESTED\tOUTCOME\tCREATED")
				for _, v := range views {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
						v.ID, v.LocationID, len(v.Differences), orDash(v.RequestedAction),
						orDash(v.Outcome), v.CreatedAt.Format(time.RFC3339))
				}
				tw.Flush()
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "include resolved records")
	cmd.Flags().StringVar(&location, "location", "", "only records of this storage location")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of records")
	return cmd
}

func newReconcileShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show <record-id>",
		Short:         "Show a record with its differences and quarantined objects",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer closeNode(n)

			rec, err := n.Store.Reconciliations().Get(commandContext(cmd), args[0])
			if err != nil {
				return entryError(newFormatter(rootOpts, cmd), "show", args[0], err)
			}
			v := recordView(*rec)
			return newFormatter(rootOpts, cmd).Emit(v, func(w io.Writer) {
				printRecord(w, v)
			})
		},
	}
}

func printRecord(w io.Writer, v RecordView) {
	fmt.Fprintf(w, "Record:    %s\n", v.ID)
	fmt.Fprintf(w, "Location:  %s\n", v.LocationID)
	fmt.Fprintf(w, "Group:     %s\n", v.GroupID)
	fmt.Fprintf(w, "Requested: %s\n", orDash(v.RequestedAction))
	fmt.Fprintf(w, "Outcome:   %s\n", orDash(v.Outcome))
	fmt.Fprintln(w, "Differences:")
	for _, d := range v.Differences {
		fmt.Fprintf(w, "  %s [%s]: stored %q, incoming %q\n", d.Attribute, d.Class, d.Stored, d.Incoming)
	}
	fmt.Fprintf(w, "Objects: %d\n", len(v.Objects))
	for _, o := range v.Objects {
		fmt.Fprintf(w, "  %s (series %s)\n", o.SOPUID, o.SeriesUID)
	}
}

func newReconcileResolveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <record-id> <action>",
		Short: "Record an operator decision for an open record",
		Long: `Record an operator decision for an open record. The action is one of
accept-incoming, keep-stored, merge or discard. The decision is applied
by the record's queue entry, which becomes due immediately.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			action, err := store.ParseReconcileAction(args[1])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid action", err)
			}
			n, err := openNode(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer closeNode(n)

			if err := n.Reconciler.RequestResolution(commandContext(cmd), args[0], action); err != nil {
				return entryError(newFormatter(rootOpts, cmd), "resolve", args[0], err)
			}
			return newFormatter(rootOpts, cmd).Emit(map[string]string{"id": args[0], "action": string(action)}, func(w io.Writer) {
				fmt.Fprintf(w, "%s: %s requested\n", args[0], action)
			})
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
