package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var itemsFile string

var startCmd = &cobra.Command{
	Use:   "start [item...]",
	Short: "Start a job over a list of item identifiers",
	Long: `Start a new job. Identifiers come from the arguments, from --file (one per
line, blank lines and lines starting with # are ignored), or both. Use
--file - to read from stdin.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		items := append([]string(nil), args...)
		if itemsFile != "" {
			fromFile, err := readItems(cmd, itemsFile)
			if err != nil {
				return err
			}
			items = append(items, fromFile...)
		}
		if len(items) == 0 {
			return fmt.Errorf("no items given: pass identifiers as arguments or use --file")
		}

		job, err := newClientFromConfig().StartJob(items)
		if err != nil {
			return err
		}
		cmd.Printf("Started job %s (%d items in %d batches)\n", job.ID, job.TotalItems, job.TotalBatches)
		return nil
	},
}

func readItems(cmd *cobra.Command, path string) ([]string, error) {
	var r io.Reader
	if path == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open items file: %w", err)
		}
		defer f.Close()
		r = f
	}

	var items []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		items = append(items, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read items file: %w", err)
	}
	return items, nil
}

func init() {
	rootCmd.AddCommand(startCmd)
	startCmd.Flags().StringVarP(&itemsFile, "file", "f", "", "file with one item identifier per line")
}
