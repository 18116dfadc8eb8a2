package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rontubot/rondesk/internal/worker"
	"github.com/spf13/cobra"
)

// workerCmd is what the daemon spawns for each background task. It reports
// on stdout as JSON lines and exits non-zero when the job fails.
var workerCmd = &cobra.Command{
	Use:          "worker <kind>",
	Short:        "Run one background task (spawned by the daemon)",
	Hidden:       true,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID, _ := cmd.Flags().GetString("task")
		raw, _ := cmd.Flags().GetString("params")

		params := map[string]any{}
		if strings.TrimSpace(raw) != "" {
			if err := json.Unmarshal([]byte(raw), &params); err != nil {
				werr := fmt.Errorf("decoding params: %w", err)
				_ = worker.NewReporter(os.Stdout).Fail(werr.Error())
				return werr
			}
		}

		// stdout is the report channel; diagnostics go to stderr.
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("task", taskID, "kind", args[0])

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		if err := worker.Run(ctx, args[0], params, os.Stdout); err != nil {
			logger.Warn("task failed", "error", err)
			return err
		}
		return nil
	},
}

func init() {
	workerCmd.Flags().String("task", "", "task id")
	workerCmd.Flags().String("params", "{}", "task parameters as JSON")
	rootCmd.AddCommand(workerCmd)
}
