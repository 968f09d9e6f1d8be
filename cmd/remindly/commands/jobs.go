package commands

import (
	"fmt"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/remindlab/remindly/pkg/remindly/scheduler"
)

// newJobsCmd creates the `remindly jobs` command that lists scheduled
// jobs straight from the database.
func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs [sender]",
		Short: "List scheduled jobs",
		Long: `List scheduled jobs from the database. With no sender, lists all
senders that have jobs.

Examples:
  remindly jobs
  remindly jobs 15551234567
  remindly jobs 15551234567 --all`,
		Args: cobra.MaximumNArgs(1),
		RunE: runJobs,
	}

	cmd.Flags().Bool("all", false, "include completed, failed, and deleted jobs")
	return cmd
}

func runJobs(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	db, err := scheduler.OpenDatabase(cfg.Scheduler.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	store, err := scheduler.NewSQLiteStore(db)
	if err != nil {
		return fmt.Errorf("initializing job store: %w", err)
	}

	if len(args) == 0 {
		return printSenders(cmd, store)
	}
	includeAll, _ := cmd.Flags().GetBool("all")
	return printJobs(cmd, store, args[0], includeAll)
}

func printSenders(cmd *cobra.Command, store *scheduler.SQLiteStore) error {
	senders, err := store.Senders()
	if err != nil {
		return err
	}
	if len(senders) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No jobs scheduled.")
		return nil
	}
	for _, s := range senders {
		fmt.Fprintln(cmd.OutOrStdout(), s)
	}
	return nil
}

func printJobs(cmd *cobra.Command, store *scheduler.SQLiteStore, sender string, includeAll bool) error {
	jobs, err := store.List(sender)
	if err != nil {
		return err
	}

	records := make([]scheduler.Record, 0, len(jobs))
	for _, rec := range jobs {
		if !includeAll && rec.Status != scheduler.StatusPending {
			continue
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No jobs for %s.\n", sender)
		return nil
	}

	sort.Slice(records, func(i, j int) bool {
		a, _ := strconv.ParseInt(records[i].JobID, 10, 64)
		b, _ := strconv.ParseInt(records[j].JobID, 10, 64)
		return a < b
	})

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB ID\tTASK\tCHANNEL\tDUE\tSTATUS")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			rec.JobID, rec.Task, rec.Channel,
			rec.DueAt.Local().Format("2006-01-02 15:04"), rec.Status)
	}
	return w.Flush()
}
