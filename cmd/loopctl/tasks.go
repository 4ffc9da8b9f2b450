package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	httpserver "github.com/fyrsmithlabs/codeloop/internal/http"
	"github.com/fyrsmithlabs/codeloop/internal/scheduler"
	"github.com/spf13/cobra"
)

func newSubmitCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "submit [file]",
		Short: "Submit a task or batch of tasks",
		Long: `Submit a YAML or JSON task document. The document may be a single task,
a list of tasks, or a mapping with a "tasks" list.

Examples:
  # Submit a batch file
  loopctl submit tasks.yaml

  # Submit from stdin
  cat task.json | loopctl submit -`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			var err error
			if len(args) == 0 || args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read from stdin: %w", err)
				}
			} else {
				data, err = os.ReadFile(args[0])
				if err != nil {
					return fmt.Errorf("failed to read file %s: %w", args[0], err)
				}
			}
			if len(strings.TrimSpace(string(data))) == 0 {
				return fmt.Errorf("no tasks to submit")
			}

			var resp httpserver.SubmitResponse
			if err := c.do(http.MethodPost, "/api/v1/tasks", "application/yaml", data, &resp); err != nil {
				return err
			}
			for _, id := range resp.Accepted {
				fmt.Fprintf(cmd.OutOrStdout(), "submitted %s\n", id)
			}
			return nil
		},
	}
}

func getTask(c *client, id string) (scheduler.Snapshot, error) {
	var snap scheduler.Snapshot
	err := c.do(http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id), "", nil, &snap)
	return snap, err
}

func newStatusCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show a task and its iteration history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := getTask(c, args[0])
			if err != nil {
				return err
			}
			writeSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}
}

func newListCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List submitted tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp httpserver.ListResponse
			if err := c.do(http.MethodGet, "/api/v1/tasks", "", nil, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(resp.Tasks) == 0 {
				fmt.Fprintln(out, "no tasks")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPRIORITY\tSTATE\tITERATION\tCOMPOSITE")
			for _, s := range resp.Tasks {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\n",
					s.Task.ID, s.Task.Priority, s.State, s.Iteration, s.Task.MaxIterations, composite(s))
			}
			return tw.Flush()
		},
	}
}

func newCancelCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp httpserver.CancelResponse
			path := "/api/v1/tasks/" + url.PathEscape(args[0]) + "/cancel"
			if err := c.do(http.MethodPost, path, "", nil, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancel requested for %s (state %s)\n", resp.ID, resp.State)
			return nil
		},
	}
}

func newWaitCmd(c *client) *cobra.Command {
	var interval, timeout time.Duration
	cmd := &cobra.Command{
		Use:   "wait <id>",
		Short: "Wait for a task to be accepted or rejected",
		Long: `Poll a task until it is terminal, then print its status. The command fails
when the task is rejected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				snap, err := getTask(c, args[0])
				if err != nil {
					return err
				}
				if snap.State.Terminal() {
					writeSnapshot(cmd.OutOrStdout(), snap)
					if snap.Outcome != nil && snap.Outcome.Error != "" {
						return fmt.Errorf("task %s %s: %s", snap.Task.ID, snap.State, snap.Outcome.Error)
					}
					return nil
				}
				select {
				case <-ctx.Done():
					return fmt.Errorf("task %s still %s: %w", args[0], snap.State, ctx.Err())
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "polling interval")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "give up after this long")
	return cmd
}

func composite(s scheduler.Snapshot) string {
	if last := s.Outcome.Last(); last != nil {
		return fmt.Sprintf("%.1f", last.Composite)
	}
	return "-"
}

func writeSnapshot(w io.Writer, s scheduler.Snapshot) {
	fmt.Fprintf(w, "Task:       %s (%s, %s priority)\n", s.Task.ID, s.Task.Type, s.Task.Priority)
	fmt.Fprintf(w, "State:      %s\n", s.State)
	fmt.Fprintf(w, "Iteration:  %d/%d\n", s.Iteration, s.Task.MaxIterations)
	if len(s.Task.Dependencies) > 0 {
		fmt.Fprintf(w, "Depends on: %s\n", strings.Join(s.Task.Dependencies, ", "))
	}
	if s.Outcome == nil {
		return
	}
	if s.Outcome.Error != "" {
		fmt.Fprintf(w, "Error:      %s\n", s.Outcome.Error)
	}
	if len(s.Outcome.Iterations) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\n#\tVERDICT\tCOMPOSITE\tFAILURES")
	for _, it := range s.Outcome.Iterations {
		failures := strings.Join(it.Failures, "; ")
		if it.Error != "" {
			failures = it.Error
		}
		if failures == "" {
			failures = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%.1f\t%s\n", it.Number, it.Verdict, it.Composite, failures)
	}
	tw.Flush()
}

func writeCounts(w io.Writer, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	states := make([]string, 0, len(counts))
	for s := range counts {
		states = append(states, s)
	}
	sort.Strings(states)
	parts := make([]string, len(states))
	for i, s := range states {
		parts[i] = fmt.Sprintf("%s=%d", s, counts[s])
	}
	fmt.Fprintf(w, "Tasks:         %s\n", strings.Join(parts, " "))
}
