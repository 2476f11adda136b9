package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewRebuildCommand creates the rebuild command.
func NewRebuildCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild <filesystem>",
		Short: "Queue index rebuilds for every study on a filesystem",
		Long: `Walk a filesystem and queue a low priority index rebuild for every
study folder known to the registry. Studies that are write locked, live on
another filesystem or already have a rebuild queued are skipped.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer closeNode(n)

			report, err := n.Maintenance.RebuildFilesystem(commandContext(cmd), args[0])
			if err != nil {
				return newFormatter(rootOpts, cmd).Fail(ExitCommandError, "rebuild failed", err, map[string]string{"filesystem": args[0]})
			}
			return newFormatter(rootOpts, cmd).Emit(report, func(w io.Writer) {
				fmt.Fprintf(w, "Scanned %d studies on %s\n", report.Scanned, args[0])
				fmt.Fprintf(w, "  queued:          %d\n", report.Queued)
				fmt.Fprintf(w, "  already queued:  %d\n", report.AlreadyDue)
				fmt.Fprintf(w, "  write locked:    %d\n", report.Locked)
				fmt.Fprintf(w, "  unknown:         %d\n", report.Unknown)
				fmt.Fprintf(w, "  elsewhere:       %d\n", report.Elsewhere)
			})
		},
	}
}
