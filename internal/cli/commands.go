package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"taskmanager/internal/app"
	"taskmanager/internal/task"
)

func newAddCmd(opts *rootOptions) *cobra.Command {
	var (
		kind       string
		interval   int
		unit       string
		pairs      []string
		paramsJSON string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a recurring task and print its name",
		Example: `  taskmanager add --kind DeleteFiles --interval 1 --unit days \
    --param directory=/tmp/x --param age_days=30 --param 'formats=[".log"]'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := task.ParseKind(kind)
			if err != nil {
				return err
			}
			u, err := task.ParseUnit(unit)
			if err != nil {
				return err
			}
			params, err := parseParams(pairs, paramsJSON)
			if err != nil {
				return err
			}
			a, err := opts.openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			name, err := a.Manager().AddTask(cmd.Context(), k, interval, u, params)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), name)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "task kind (see 'kinds')")
	cmd.Flags().IntVar(&interval, "interval", 0, "interval count, > 0")
	cmd.Flags().StringVar(&unit, "unit", "", "seconds, minutes, hours or days")
	cmd.Flags().StringArrayVar(&pairs, "param", nil, "task parameter key=value (repeatable)")
	cmd.Flags().StringVar(&paramsJSON, "params-json", "", "task parameters as a JSON object")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("interval")
	_ = cmd.MarkFlagRequired("unit")
	return cmd
}

func newRemoveCmd(opts *rootOptions) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove a task by name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Manager().RemoveTask(cmd.Context(), strings.TrimSpace(name)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "removed", name)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "task name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			recs := a.Manager().ListTasks(cmd.Context())
			out := cmd.OutOrStdout()
			if len(recs) == 0 {
				fmt.Fprintln(out, "No tasks scheduled.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintf(w, "NAME\tKIND\tEVERY\tPARAMETERS\n")
			for _, r := range recs {
				every := fmt.Sprintf("%d %s", r.Interval, r.Unit)
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Name, r.Kind, every, r.Params.String())
			}
			return w.Flush()
		},
	}
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a stored task once, now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			detail, err := a.Manager().RunTask(cmd.Context(), strings.TrimSpace(name))
			if err != nil {
				return err
			}
			b, err := json.MarshalIndent(detail, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "task name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		name  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent audit entries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			entries, err := a.History(cmd.Context(), strings.TrimSpace(name), limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintf(w, "AT\tTASK\tOP\tLEVEL\tSTATUS\n")
			for _, e := range entries {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					e.At.Local().Format(time.DateTime), e.TaskName, e.Operation, e.Level, e.Status)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "only this task")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries")
	return cmd
}

func newKindsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List task kinds and their required parameters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintf(w, "KIND\tREQUIRED\n")
			for _, k := range task.Kinds() {
				req, _ := k.RequiredParams()
				_, _ = fmt.Fprintf(w, "%s\t%s\n", k, strings.Join(req, ", "))
			}
			return w.Flush()
		},
	}
}

func newStartCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the scheduler until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(opts.configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(ctx, app.StopFatalError)
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			reason := app.StopUnknown
			select {
			case sig := <-sigCh:
				reason = app.StopSIGINT
				if sig == syscall.SIGTERM {
					reason = app.StopSIGTERM
				}
			case <-a.Done():
				reason = app.StopFatalError
			case <-ctx.Done():
				reason = app.StopAppStop
			}

			fatal := a.Err()
			// the drain is bounded by scheduler.drain_timeout inside Stop
			stopErr := a.Stop(context.WithoutCancel(ctx), reason)
			if fatal != nil {
				return fatal
			}
			return stopErr
		},
	}
}
