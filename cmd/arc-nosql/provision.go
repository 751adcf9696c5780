package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-nosql/internal/cli"
	"github.com/gezibash/arc-nosql/internal/node"
)

func newProvisionCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Create the store tables and indexes if they do not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, func(ctx context.Context, n *node.Node, out *cli.Output) error {
				// Opening the node provisions every table.
				return out.Result("provision", "tables ready").
					With("events", v.GetString("stores.events")).
					With("messages", v.GetString("stores.messages")).
					With("tasks", v.GetString("stores.tasks")).
					Render()
			})
		},
	}
}

func newClearCmd(v *viper.Viper) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:       "clear {events|messages|tasks|all}",
		Short:     "Delete every item of a store",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"events", "messages", "tasks", "all"},
		RunE: func(cmd *cobra.Command, args []string) error {
			which := args[0]
			if !yes {
				return fmt.Errorf("refusing to clear %s without --yes", which)
			}
			return run(cmd, v, func(ctx context.Context, n *node.Node, out *cli.Output) error {
				clears := map[string]func(context.Context) error{
					"events":   n.Events.Clear,
					"messages": n.Messages.Clear,
					"tasks":    n.Tasks.Clear,
				}
				var names []string
				switch which {
				case "all":
					names = []string{"events", "messages", "tasks"}
				default:
					if _, ok := clears[which]; !ok {
						return fmt.Errorf("unknown store %q", which)
					}
					names = []string{which}
				}
				for _, name := range names {
					if err := clears[name](ctx); err != nil {
						return fmt.Errorf("clear %s: %w", name, err)
					}
				}
				return out.Result("clear", "cleared").With("stores", names).Render()
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}
