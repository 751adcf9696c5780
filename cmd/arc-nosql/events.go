package main

import (
	"context"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-nosql/internal/cli"
	"github.com/gezibash/arc-nosql/internal/node"
	"github.com/gezibash/arc-nosql/pkg/query"
)

func newEventsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Append to and read the event log",
	}
	cmd.AddCommand(newEventsAppendCmd(v), newEventsListCmd(v), newEventsDeleteCmd(v))
	return cmd
}

func newEventsAppendCmd(v *viper.Viper) *cobra.Command {
	var indexes []string
	cmd := &cobra.Command{
		Use:   "append <tenant> <message-cid>",
		Short: "Append an event and print its watermark",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := parseIndexes(indexes)
			if err != nil {
				return err
			}
			return run(cmd, v, func(ctx context.Context, n *node.Node, out *cli.Output) error {
				w, err := n.Events.Append(ctx, args[0], args[1], idx)
				if err != nil {
					return err
				}
				return out.KV("event").Set("CID", args[1]).Set("Watermark", w).Render()
			})
		},
	}
	cmd.Flags().StringArrayVarP(&indexes, "index", "i", nil, "index as key=value (repeatable)")
	return cmd
}

func newEventsListCmd(v *viper.Viper) *cobra.Command {
	var (
		filters []string
		limit   int
		cursor  string
	)
	cmd := &cobra.Command{
		Use:   "list <tenant>",
		Short: "List events in watermark order",
		Long: `List a tenant's events in watermark order.

Each --filter is one group of comma separated conditions; an event is
listed when any group matches.

Examples:
  arc-nosql events list alice --limit 20
  arc-nosql events list alice --filter 'method=Write,schema=post' --filter 'method=Delete'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := parseFilters(filters)
			if err != nil {
				return err
			}
			page := query.Pagination{Limit: limit, Cursor: query.Cursor(cursor)}
			return run(cmd, v, func(ctx context.Context, n *node.Node, out *cli.Output) error {
				res, err := n.Events.QueryEvents(ctx, args[0], fs, page)
				if err != nil {
					return err
				}
				t := out.Table("events", "Watermark", "CID")
				for _, e := range res.Events {
					t.AddRow(strconv.FormatInt(e.Watermark, 10), e.CID)
				}
				return t.WithCursor(string(res.Cursor)).Render()
			})
		},
	}
	cmd.Flags().StringArrayVarP(&filters, "filter", "f", nil, "filter group (repeatable)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum events (0 for all)")
	cmd.Flags().StringVar(&cursor, "cursor", "", "resume after this cursor")
	return cmd
}

func newEventsDeleteCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <tenant> <message-cid>...",
		Short: "Delete events by message CID",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, func(ctx context.Context, n *node.Node, out *cli.Output) error {
				if err := n.Events.DeleteEventsByCID(ctx, args[0], args[1:]); err != nil {
					return err
				}
				return out.Result("events-delete", "deleted").With("count", len(args)-1).Render()
			})
		},
	}
}
