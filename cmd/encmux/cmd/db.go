package cmd

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/encmux/internal/database"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Run history database commands",
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show schema migrations and connection pool statistics",
	RunE:  runDBStatus,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !appCfg.Database.Enabled {
			return fmt.Errorf("run history is disabled (database.enabled=false)")
		}
		db, err := database.Open(cmd.Context(), appCfg.Database, nil)
		if err != nil {
			return err
		}
		defer db.Close()
		fmt.Fprintln(cmd.OutOrStdout(), "database is up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbStatusCmd, dbMigrateCmd)
}

func runDBStatus(cmd *cobra.Command, _ []string) error {
	if !appCfg.Database.Enabled {
		return fmt.Errorf("run history is disabled (database.enabled=false)")
	}
	db, err := database.New(appCfg.Database, nil)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	statuses, err := db.Migrations().Status(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "driver: %s\n\n", db.Driver())

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tDESCRIPTION\tAPPLIED")
	for _, s := range statuses {
		applied := "pending"
		if s.AppliedAt != nil {
			applied = s.AppliedAt.Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Version, s.Description, applied)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	stats, err := db.Stats()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintln(out)
	for _, k := range keys {
		fmt.Fprintf(out, "%s: %v\n", k, stats[k])
	}
	return nil
}
