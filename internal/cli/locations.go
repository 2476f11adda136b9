package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/archivist/internal/store"
)

// LocationView is the printed form of a storage location.
type LocationView struct {
	ID         string `json:"id"`
	StudyUID   string `json:"study_uid"`
	Partition  string `json:"partition"`
	Filesystem string `json:"filesystem"`
	DateFolder string `json:"date_folder"`
	Status     string `json:"status"`
	LockMode   string `json:"lock_mode"`
	ReadCount  int    `json:"read_count,omitempty"`
}

// NewLocationsCommand creates the locations command.
func NewLocationsCommand(rootOpts *RootOptions) *cobra.Command {
	var f store.LocationFilter

	cmd := &cobra.Command{
		Use:           "locations",
		Short:         "List storage locations",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer closeNode(n)

			locs, err := n.Registry.List(commandContext(cmd), f)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list locations", err)
			}
			views := make([]LocationView, len(locs))
			for i, l := range locs {
				views[i] = LocationView{
					ID:         l.ID,
					StudyUID:   l.StudyUID,
					Partition:  l.Partition,
					Filesystem: l.Filesystem,
					DateFolder: l.DateFolder,
					Status:     string(l.Status),
					LockMode:   string(l.LockMode),
					ReadCount:  l.ReadCount,
				}
			}
			return newFormatter(rootOpts, cmd).Emit(views, func(w io.Writer) {
				if len(views) == 0 {
					fmt.Fprintln(w, "No locations.")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTUDY\tPARTITION\tFILESYSTEM\tSTATUS\tLOCK")
				for _, v := range views {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						v.ID, v.StudyUID, v.Partition, v.Filesystem, v.Status, v.LockMode)
				}
				tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&f.Filesystem, "filesystem", "", "only locations on this filesystem")
	cmd.Flags().StringVar(&f.Partition, "partition", "", "only locations of this partition")
	cmd.Flags().BoolVar(&f.IncludeDeleted, "deleted", false, "include deleted locations")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "maximum number of locations")
	return cmd
}
