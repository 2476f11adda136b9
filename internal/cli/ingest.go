package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/archivist/internal/dicom"
	"github.com/roach88/archivist/internal/scp"
)

// IngestOptions holds flags for the ingest command.
type IngestOptions struct {
	*RootOptions
	CallingAE string
	CalledAE  string
}

// IngestResult is the outcome for one file.
type IngestResult struct {
	File    string `json:"file"`
	SOPUID  string `json:"sop_uid,omitempty"`
	Outcome string `json:"outcome,omitempty"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// NewIngestCommand creates the ingest command.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IngestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Store object files in the archive",
		Long: `Store encoded object files through the ingestion pipeline, as if they
had arrived on one association. Deferred work is queued for a running
node to pick up.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.CallingAE, "calling-ae", "CLI", "calling AE title of the association")
	cmd.Flags().StringVar(&opts.CalledAE, "called-ae", "ARCHIVE", "called AE title, selects the partition")

	return cmd
}

func runIngest(cmd *cobra.Command, opts *IngestOptions, files []string) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	n, err := openNode(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer closeNode(n)

	ctx := commandContext(cmd)
	assoc := dicom.NewAssociation(opts.CallingAE, opts.CalledAE, "")
	formatter.VerboseLog("association %s (%s -> %s)", assoc.ID, assoc.CallingAE, assoc.CalledAE)

	results := make([]IngestResult, 0, len(files))
	failed := 0
	for _, path := range files {
		res := IngestResult{File: path}
		obj, err := decodeFile(path)
		if err != nil {
			res.Status = scp.Failure.String()
			res.Error = err.Error()
			results = append(results, res)
			failed++
			continue
		}
		res.SOPUID = obj.InstanceUID()

		outcome, err := n.Ingest.Accept(ctx, obj, assoc)
		res.Outcome = string(outcome)
		status := scp.StatusFor(outcome, err)
		res.Status = status.String()
		if err != nil {
			res.Error = err.Error()
		}
		if status != scp.Success {
			failed++
		}
		results = append(results, res)
	}

	if err := formatter.Emit(results, func(w io.Writer) {
		for _, r := range results {
			line := fmt.Sprintf("%s: %s", filepath.Base(r.File), r.Status)
			if r.Outcome != "" {
				line += " (" + r.Outcome + ")"
			}
			if r.Error != "" {
				line += ": " + r.Error
			}
			fmt.Fprintln(w, line)
		}
	}); err != nil {
		return err
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d objects not stored", failed, len(files)))
	}
	return nil
}

func decodeFile(path string) (*dicom.Object, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return dicom.Decode(f)
}
