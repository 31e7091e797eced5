package cli

import (
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/deckhand/deckhand/pkg/jobs"
	"github.com/deckhand/deckhand/pkg/logger"
	"github.com/deckhand/deckhand/pkg/types"
)

func (c *CLI) newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect the stored job records",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored jobs and their status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.listJobs()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "prune",
		Short: "Remove the records of finished jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.pruneJobs()
		},
	})
	return cmd
}

func (c *CLI) storedJobs() ([]*jobs.Record, *jobs.Store, error) {
	store, err := jobs.NewStore(c.settings.StateDir, c.logger, 0)
	if err != nil {
		return nil, nil, err
	}
	records, err := store.List()
	if err != nil {
		return nil, nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].GetID() < records[j].GetID()
	})
	return records, store, nil
}

func (c *CLI) listJobs() error {
	records, _, err := c.storedJobs()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		c.printf("No jobs\n")
		return nil
	}
	for _, r := range records {
		c.printf("%-36s %-10s %s\n", r.GetID(), statusColor(r.GetStatus()), r.GetProject().GetPermalink())
	}
	return nil
}

func (c *CLI) pruneJobs() error {
	records, store, err := c.storedJobs()
	if err != nil {
		return err
	}
	removed := 0
	for _, r := range records {
		if !r.GetStatus().Finished() {
			continue
		}
		if err := store.Remove(r.GetID()); err != nil {
			return fmt.Errorf("failed to prune job %s: %w", r.GetID(), err)
		}
		removed++
	}
	c.logger.Info("Pruned finished jobs", logger.WithField("count", removed))
	c.printf("Removed %d of %d jobs\n", removed, len(records))
	return nil
}

func statusColor(s types.JobStatus) string {
	switch s {
	case types.JobStatusSucceeded:
		return color.GreenString(string(s))
	case types.JobStatusFailed, types.JobStatusErrored:
		return color.RedString(string(s))
	case types.JobStatusCancelled, types.JobStatusCancelling:
		return color.YellowString(string(s))
	}
	return string(s)
}
