package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "batchpatch",
		Short: "Apply one change across many repositories and open pull requests",
		Long: `batchpatch clones each repository in a list, applies a diff or script on a
branch, commits, pushes and opens a pull request.

Every step outcome is written to a JSON state file. Running the same command
again resumes each repository at its first unfinished step.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, _ := cmd.Flags().GetString("log-level")
			format, _ := cmd.Flags().GetString("log-format")
			logger, err := newLogger(cmd.ErrOrStderr(), level, format)
			if err != nil {
				return err
			}
			cmd.SetContext(clog.WithLogger(cmd.Context(), logger))
			return nil
		},
	}
	root.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	root.PersistentFlags().String("log-format", "text", "Log format: text or json")

	root.AddCommand(newRunCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newLogger(w io.Writer, level, format string) (*clog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text", "":
		return clog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return clog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q (want text or json)", format)
	}
}

// Execute runs the root command. Cancelling ctx interrupts a run; steps in
// flight are left unrecorded and retried next time.
func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}
