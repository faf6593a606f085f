package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/lucasnoah/batchpatch/internal/pipeline"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show every repository's step outcomes from a state file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("state")
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("state file: %w", err)
			}
			store, err := pipeline.Load(path)
			if err != nil {
				return err
			}
			repos := store.Repos()

			format, _ := cmd.Flags().GetString("format")
			if format == "json" {
				data, err := json.MarshalIndent(repos, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}

			w := cmd.OutOrStdout()
			meta := store.Meta()
			fmt.Fprintf(w, "run %s\n", store.RunID())
			if !meta.IsZero() {
				fmt.Fprintf(w, "branch %s, %s, message %q\n", meta.Branch, meta.Source, meta.CommitMessage)
			}
			if len(repos) == 0 {
				fmt.Fprintln(w, "No repositories recorded.")
				return nil
			}
			fmt.Fprintln(w)
			return writeStatusTable(w, repos)
		},
	}
	cmd.Flags().String("state", "", "State file path")
	cmd.Flags().String("format", "text", "Output format: text or json")
	_ = cmd.MarkFlagRequired("state")
	return cmd
}

func writeStatusTable(w io.Writer, repos []pipeline.RepoState) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	header := []string{"REPO"}
	for _, step := range pipeline.Steps {
		header = append(header, strings.ToUpper(string(step)))
	}
	fmt.Fprintln(tw, strings.Join(header, "\t"))

	var failures []string
	for _, rs := range repos {
		row := []string{rs.Target}
		for _, step := range pipeline.Steps {
			o := rs.Outcome(step)
			row = append(row, statusCell(o.Status))
			if o.Status == pipeline.StatusFailed {
				failures = append(failures, fmt.Sprintf("%s %s: %s", rs.Target, step, o.Reason))
			}
		}
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(failures) > 0 {
		fmt.Fprintln(w, "\nFailures:")
		for _, f := range failures {
			fmt.Fprintf(w, "  %s\n", f)
		}
	}
	return nil
}

func statusCell(s pipeline.Status) string {
	switch s {
	case pipeline.StatusSucceeded:
		return "done"
	case pipeline.StatusFailed:
		return "FAILED"
	default:
		return "-"
	}
}
