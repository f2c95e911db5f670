package main

import (
	"context"
	"encoding/json"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/track-enricher/internal/enrich"
	"github.com/sells-group/track-enricher/internal/model"
)

var enrichCmd = &cobra.Command{
	Use:       "enrich <kind>",
	Short:     "Run one enrichment pass in the foreground",
	Long:      "Processes every track missing the kind's attribute once, then prints the final task. Kinds: embedding, platforms, release-date.",
	Args:      cobra.ExactArgs(1),
	ValidArgs: kindNames(),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, ok := model.ParseKind(args[0])
		if !ok {
			return eris.Errorf("unknown kind %q (want one of %s)", args[0], strings.Join(kindNames(), ", "))
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "enrich", nil)
		if err != nil {
			return err
		}
		defer env.Close()

		task, err := runPass(ctx, env.Coord, kind)
		if err != nil {
			return err
		}
		if err := writeTask(cmd.OutOrStdout(), task); err != nil {
			return err
		}
		if task.Status == model.TaskFailed {
			return eris.Errorf("enrich %s failed: %s", kind, task.LastError)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(enrichCmd)
}

// runPass starts a task for kind and waits for it. An interrupt stops the
// task after its in-flight batch.
func runPass(ctx context.Context, coord *enrich.Coordinator, kind model.TaskKind) (model.Task, error) {
	id, err := coord.Start(ctx, kind)
	if err != nil {
		return model.Task{}, eris.Wrapf(err, "start %s", kind)
	}
	zap.L().Info("enrichment started", zap.String("task_id", id), zap.String("kind", string(kind)))

	task, err := coord.Wait(ctx, id)
	if ctx.Err() != nil {
		zap.L().Info("interrupted, stopping task", zap.String("task_id", id))
		if _, err := coord.Stop(context.Background(), id); err != nil {
			return model.Task{}, eris.Wrap(err, "stop task")
		}
		task, err = coord.Wait(context.Background(), id)
	}
	if err != nil {
		return model.Task{}, eris.Wrap(err, "wait task")
	}
	return task, nil
}

func writeTask(w io.Writer, t model.Task) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(t), "encode task")
}

func kindNames() []string {
	var out []string
	for _, k := range model.AllKinds() {
		out = append(out, string(k))
	}
	return out
}
