package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"harvest/internal/health"
)

var statusCmd = &cobra.Command{
	Use:   "status [job_id]",
	Short: "Show progress and health of a job",
	Long:  `Show the health report of a job: progress counters, success rate, quota usage, circuit breaker state, ETA, and recent warnings and errors. Without a job id the server's latest report is shown.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		snap, err := newClientFromConfig().Health(id)
		if err != nil {
			return err
		}
		printHealth(cmd, snap)
		return nil
	},
}

func printHealth(cmd *cobra.Command, s health.Snapshot) {
	cmd.Printf("%s %sJob Health%s\n", statusIcon(string(s.Status)), colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	if s.JobID == "" {
		cmd.Printf("%sHealth:%s      %s\n", colorDim, colorReset, colorizeStatus(string(s.Status)))
		cmd.Println("No job has run yet.")
		return
	}

	cmd.Printf("%sJob:%s         %s\n", colorDim, colorReset, s.JobID)
	cmd.Printf("%sHealth:%s      %s\n", colorDim, colorReset, colorizeStatus(string(s.Status)))
	state := string(s.JobStatus)
	if s.PauseReason != "" {
		state += " (" + string(s.PauseReason) + ")"
	}
	cmd.Printf("%sState:%s       %s\n", colorDim, colorReset, state)
	cmd.Printf("%sProgress:%s    %d/%d  %s✓ %d%s  %s✗ %d%s  ↷ %d\n", colorDim, colorReset,
		s.Processed, s.TotalItems, colorGreen, s.Succeeded, colorReset, colorRed, s.Failed, colorReset, s.Skipped)
	cmd.Printf("%sBatch:%s       %d/%d\n", colorDim, colorReset, s.CurrentBatch, s.TotalBatches)
	cmd.Printf("%sSuccess:%s     %.1f%%\n", colorDim, colorReset, s.SuccessRate)
	cmd.Printf("%sLatency:%s     %s avg\n", colorDim, colorReset, formatDuration(time.Duration(s.AvgLatencyMs*float64(time.Millisecond))))
	cmd.Printf("%sRequests:%s    %d this hour, %d today\n", colorDim, colorReset, s.RequestsLastHour, s.RequestsLastDay)

	breaker := colorGreen + "closed" + colorReset
	if s.BreakerOpen {
		breaker = colorRed + "open" + colorReset
	}
	cmd.Printf("%sBreaker:%s     %s (%d trips, %d consecutive failures)\n", colorDim, colorReset, breaker, s.CircuitTrips, s.ConsecutiveFailures)

	if s.ETA != nil {
		cmd.Printf("%sETA:%s         %s %s(in %s)%s\n", colorDim, colorReset,
			s.ETA.Format("Mon, 02 Jan 2006 15:04 MST"), colorCyan, formatDuration(time.Duration(s.ETASeconds)*time.Second), colorReset)
	}

	for _, w := range s.Warnings {
		cmd.Printf("%s! %s%s\n", colorYellow, w, colorReset)
	}
	for _, e := range s.Errors {
		cmd.Printf("%s✗ %s%s\n", colorRed, e, colorReset)
	}
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

// statusIcon covers both health levels and job states.
func statusIcon(status string) string {
	switch status {
	case "healthy", "completed":
		return colorGreen + "✓" + colorReset
	case "critical", "failed":
		return colorRed + "✗" + colorReset
	case "degraded", "paused":
		return colorYellow + "⏸" + colorReset
	case "running":
		return colorYellow + "⏳" + colorReset
	case "pending":
		return colorCyan + "◯" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status string) string {
	icon := statusIcon(status)
	switch status {
	case "healthy", "completed":
		return icon + " " + colorGreen + status + colorReset
	case "critical", "failed":
		return icon + " " + colorRed + status + colorReset
	case "degraded", "paused", "running":
		return icon + " " + colorYellow + status + colorReset
	case "pending":
		return icon + " " + colorCyan + status + colorReset
	default:
		return status
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
