package cmd

import (
	"github.com/spf13/cobra"
)

// currentJob addresses the server's live job.
const currentJob = "current"

func newControlCmd(action, short, done string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " [job_id]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := currentJob
			if len(args) == 1 {
				id = args[0]
			}
			job, err := newClientFromConfig().Control(id, action)
			if err != nil {
				return err
			}
			cmd.Printf("%s job %s (status: %s)\n", done, job.ID, colorizeStatus(string(job.Status)))
			return nil
		},
	}
}

func init() {
	rootCmd.AddCommand(
		newControlCmd("pause", "Pause a job at its next checkpoint", "Pausing"),
		newControlCmd("resume", "Resume a paused, stopped or interrupted job", "Resumed"),
		newControlCmd("stop", "Stop a job; it can be resumed later", "Stopping"),
	)
}
