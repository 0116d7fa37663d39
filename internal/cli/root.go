// Package cli is the taskmanager command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"taskmanager/internal/app"
)

type rootOptions struct {
	configPath string
	verbose    bool
}

// NewRoot builds the command tree.
func NewRoot() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "taskmanager",
		Short:         "Schedule recurring file, mail and web tasks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "./config.yaml", "path to config file (yaml or json; optional)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log at the configured level instead of warn for one-shot commands")

	root.AddCommand(
		newAddCmd(opts),
		newRemoveCmd(opts),
		newListCmd(opts),
		newRunCmd(opts),
		newHistoryCmd(opts),
		newKindsCmd(),
		newStartCmd(opts),
	)
	return root
}

// Execute runs the CLI and returns the process exit code. Errors are printed as one
// line on stderr.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRoot()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, "error:", oneLine(err))
		return 1
	}
	return 0
}

func oneLine(err error) string {
	return strings.Join(strings.Fields(err.Error()), " ")
}

// openApp opens the app for a one-shot command.
func (o *rootOptions) openApp() (*app.App, error) {
	if o.verbose {
		return app.New(o.configPath)
	}
	return app.New(o.configPath, app.WithLogLevel("warn"))
}
