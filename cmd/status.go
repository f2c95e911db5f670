package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/track-enricher/internal/model"
	"github.com/sells-group/track-enricher/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show remaining work or a past task",
	Long:  "Without arguments, prints how many tracks still miss each attribute. With a task id, prints that task from the history table.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("status"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if len(args) == 1 {
			task, err := st.GetTask(ctx, args[0])
			if errors.Is(err, store.ErrNotFound) {
				return eris.Errorf("task %s not found", args[0])
			}
			if err != nil {
				return eris.Wrap(err, "status")
			}
			return writeTask(cmd.OutOrStdout(), *task)
		}
		return writeMissing(ctx, cmd.OutOrStdout(), st)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// writeMissing writes a table of missing counts per kind to out.
func writeMissing(ctx context.Context, out io.Writer, gw store.Gateway) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "KIND\tATTRIBUTE\tMISSING")
	_, _ = fmt.Fprintln(w, "----\t---------\t-------")

	for _, kind := range model.AllKinds() {
		n, err := gw.CountMissing(ctx, kind.Attribute())
		if err != nil {
			return eris.Wrapf(err, "count missing %s", kind)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\n", kind, kind.Attribute(), n)
	}
	return w.Flush()
}
