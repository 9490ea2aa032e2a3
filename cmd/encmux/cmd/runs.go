package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/encmux/internal/config"
	"github.com/jmylchreest/encmux/internal/database"
	"github.com/jmylchreest/encmux/internal/models"
	"github.com/jmylchreest/encmux/internal/repository"
)

var runsJSON bool

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded encode runs",
	Long:  `Commands for listing, inspecting and pruning the encode runs recorded in the database.`,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs, newest first",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Show one run; the latest when no ID is given",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRunsShow,
}

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show totals across all recorded runs",
	RunE:  runRunsStats,
}

var runsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete finished runs older than a given age",
	RunE:  runRunsPrune,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsStatsCmd, runsPruneCmd)

	runsCmd.PersistentFlags().BoolVar(&runsJSON, "json", false, "output as JSON")

	runsListCmd.Flags().String("status", "", "only runs with this status")
	runsListCmd.Flags().String("container", "", "only runs with this container")
	runsListCmd.Flags().Duration("since", 0, "only runs created within this duration, e.g. 24h")
	runsListCmd.Flags().Int("limit", 20, "maximum runs to show")
	runsListCmd.Flags().Int("offset", 0, "runs to skip")

	runsPruneCmd.Flags().Duration("older-than", 30*24*time.Hour, "delete finished runs that completed before this age")
}

// withRuns opens the run database for the duration of fn.
func withRuns(ctx context.Context, cfg config.DatabaseConfig, fn func(repository.EncodeRunRepository) error) error {
	if !cfg.Enabled {
		return fmt.Errorf("run history is disabled (database.enabled=false)")
	}
	db, err := database.Open(ctx, cfg, nil)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	return fn(repository.NewEncodeRunRepository(db.DB))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	status, _ := f.GetString("status")
	container, _ := f.GetString("container")
	since, _ := f.GetDuration("since")
	limit, _ := f.GetInt("limit")
	offset, _ := f.GetInt("offset")

	filter := repository.RunFilter{
		Status:    models.RunStatus(status),
		Container: container,
		Limit:     limit,
		Offset:    offset,
	}
	if since > 0 {
		filter.Since = time.Now().Add(-since)
	}

	return withRuns(cmd.Context(), appCfg.Database, func(repo repository.EncodeRunRepository) error {
		runs, total, err := repo.List(cmd.Context(), filter)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if runsJSON {
			return writeJSON(out, map[string]any{"total": total, "runs": runs})
		}

		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tCREATED\tSTATUS\tCONTAINER\tVIDEO\tAUDIO\tDURATION\tOUTPUT")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
				r.ID, r.CreatedAt.Format(time.DateTime), r.Status, r.Container,
				r.VideoFrames, r.AudioSamples,
				time.Duration(r.DurationMs)*time.Millisecond, r.OutputPath)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(out, "\n%d of %d runs\n", len(runs), total)
		return nil
	})
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	return withRuns(cmd.Context(), appCfg.Database, func(repo repository.EncodeRunRepository) error {
		var run *models.EncodeRun
		var err error
		if len(args) == 0 {
			run, err = repo.GetLatest(cmd.Context())
		} else {
			id, perr := models.ParseULID(args[0])
			if perr != nil {
				return fmt.Errorf("invalid run id %q: %w", args[0], perr)
			}
			run, err = repo.GetByID(cmd.Context(), id)
		}
		if err != nil {
			return err
		}
		if run == nil {
			return models.ErrNotFound
		}
		if runsJSON {
			return writeJSON(cmd.OutOrStdout(), run)
		}
		printRun(cmd.OutOrStdout(), run)
		return nil
	})
}

func runRunsStats(cmd *cobra.Command, _ []string) error {
	return withRuns(cmd.Context(), appCfg.Database, func(repo repository.EncodeRunRepository) error {
		stats, err := repo.Stats(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if runsJSON {
			return writeJSON(out, stats)
		}
		fmt.Fprintf(out, "runs:          %d\n", stats.Total)
		for _, s := range []models.RunStatus{
			models.RunStatusCompleted, models.RunStatusPartial, models.RunStatusFailed,
			models.RunStatusUnconfigured, models.RunStatusRunning,
		} {
			if n := stats.ByStatus[s]; n > 0 {
				fmt.Fprintf(out, "  %-12s %d\n", s, n)
			}
		}
		fmt.Fprintf(out, "video frames:  %d\n", stats.VideoFrames)
		fmt.Fprintf(out, "audio samples: %d\n", stats.AudioSamples)
		fmt.Fprintf(out, "rate anomalies: %d\n", stats.Anomalous)
		return nil
	})
}

func runRunsPrune(cmd *cobra.Command, _ []string) error {
	olderThan, _ := cmd.Flags().GetDuration("older-than")
	if olderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}
	return withRuns(cmd.Context(), appCfg.Database, func(repo repository.EncodeRunRepository) error {
		n, err := repo.DeleteFinishedBefore(cmd.Context(), time.Now().Add(-olderThan))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pruned %d runs\n", n)
		return nil
	})
}
