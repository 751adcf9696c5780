package main

import (
	"context"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-nosql/internal/cli"
	"github.com/gezibash/arc-nosql/internal/node"
	"github.com/gezibash/arc-nosql/internal/taskstore"
)

func newTasksCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Register, lease and manage resumable tasks",
	}
	cmd.AddCommand(
		newTasksRegisterCmd(v),
		newTasksGrabCmd(v),
		newTasksReadCmd(v),
		newTasksExtendCmd(v),
		newTasksDeleteCmd(v),
	)
	return cmd
}

func taskKV(out *cli.Output, t *taskstore.ManagedTask) *cli.KV {
	return out.KV("task").
		Set("ID", t.ID).
		Set("Timeout", time.UnixMilli(t.Timeout).UTC().Format(time.RFC3339)).
		Set("Retry Count", t.RetryCount).
		Set("Task", string(t.Task))
}

func newTasksRegisterCmd(v *viper.Viper) *cobra.Command {
	var timeout int64
	cmd := &cobra.Command{
		Use:   "register <file|->",
		Short: "Register a task, grabbable after --after seconds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			return run(cmd, v, func(ctx context.Context, n *node.Node, out *cli.Output) error {
				t, err := n.Tasks.Register(ctx, body, timeout)
				if err != nil {
					return err
				}
				return taskKV(out, t).Render()
			})
		},
	}
	cmd.Flags().Int64Var(&timeout, "after", 0, "seconds until the task can be grabbed")
	return cmd
}

func newTasksGrabCmd(v *viper.Viper) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "grab",
		Short: "Lease due tasks for " + taskstore.LeaseDuration.String(),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, func(ctx context.Context, n *node.Node, out *cli.Output) error {
				tasks, err := n.Tasks.Grab(ctx, count)
				if err != nil {
					return err
				}
				t := out.Table("tasks", "ID", "Lease Until", "Retry Count")
				for _, task := range tasks {
					t.AddRow(task.ID, time.UnixMilli(task.Timeout).UTC().Format(time.RFC3339), strconv.Itoa(task.RetryCount))
				}
				return t.Render()
			})
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "maximum tasks to lease")
	return cmd
}

func newTasksReadCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "read <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, func(ctx context.Context, n *node.Node, out *cli.Output) error {
				t, err := n.Tasks.Read(ctx, args[0])
				if err != nil {
					return err
				}
				if t == nil {
					return out.Result("task", "no such task").With("id", args[0]).Render()
				}
				return taskKV(out, t).Render()
			})
		},
	}
}

func newTasksExtendCmd(v *viper.Viper) *cobra.Command {
	var timeout int64
	cmd := &cobra.Command{
		Use:   "extend <task-id>",
		Short: "Push a task's timeout to --seconds from now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, func(ctx context.Context, n *node.Node, out *cli.Output) error {
				if err := n.Tasks.Extend(ctx, args[0], timeout); err != nil {
					return err
				}
				return out.Result("task-extend", "extended").With("id", args[0]).With("seconds", timeout).Render()
			})
		},
	}
	cmd.Flags().Int64Var(&timeout, "seconds", int64(taskstore.LeaseDuration/time.Second), "seconds from now")
	return cmd
}

func newTasksDeleteCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, func(ctx context.Context, n *node.Node, out *cli.Output) error {
				if err := n.Tasks.Delete(ctx, args[0]); err != nil {
					return err
				}
				return out.Result("task-delete", "deleted").With("id", args[0]).Render()
			})
		},
	}
}
