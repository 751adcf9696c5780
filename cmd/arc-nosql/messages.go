package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-nosql/internal/cli"
	"github.com/gezibash/arc-nosql/internal/messagestore"
	"github.com/gezibash/arc-nosql/internal/node"
	"github.com/gezibash/arc-nosql/pkg/query"
)

func newMessagesCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "messages",
		Short: "Store and query messages",
	}
	cmd.AddCommand(newMessagesPutCmd(v), newMessagesGetCmd(v), newMessagesQueryCmd(v), newMessagesDeleteCmd(v))
	return cmd
}

func newMessagesPutCmd(v *viper.Viper) *cobra.Command {
	var (
		indexes []string
		data    string
	)
	cmd := &cobra.Command{
		Use:   "put <tenant> <message-cid> <file|->",
		Short: "Store a message payload with indexes",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := parseIndexes(indexes)
			if err != nil {
				return err
			}
			payload, err := readInput(cmd.InOrStdin(), args[2])
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}
			msg := &messagestore.Message{CID: args[1], Payload: payload, InlinePayload: data}
			return run(cmd, v, func(ctx context.Context, n *node.Node, out *cli.Output) error {
				if err := n.Messages.Put(ctx, args[0], msg, idx); err != nil {
					return err
				}
				return out.Result("message-put", "stored").With("cid", msg.CID).With("bytes", len(payload)).Render()
			})
		},
	}
	cmd.Flags().StringArrayVarP(&indexes, "index", "i", nil, "index as key=value (repeatable)")
	cmd.Flags().StringVar(&data, "data", "", "small inline data stored next to the message")
	return cmd
}

func newMessagesGetCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "get <tenant> <message-cid>",
		Short: "Show a stored message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, func(ctx context.Context, n *node.Node, out *cli.Output) error {
				msg, err := n.Messages.Get(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if msg == nil {
					return fmt.Errorf("message %s not found", args[1])
				}
				kv := out.KV("message").
					Set("CID", msg.CID).
					Set("Payload", base64.StdEncoding.EncodeToString(msg.Payload))
				if msg.InlinePayload != "" {
					kv.Set("Data", msg.InlinePayload)
				}
				for _, k := range slices.Sorted(maps.Keys(msg.Indexes)) {
					kv.Set("index "+k, msg.Indexes[k])
				}
				return kv.Render()
			})
		},
	}
}

func newMessagesQueryCmd(v *viper.Viper) *cobra.Command {
	var (
		filters []string
		sortBy  string
		limit   int
		cursor  string
	)
	cmd := &cobra.Command{
		Use:   "query <tenant>",
		Short: "Query messages by index",
		Long: `Query a tenant's messages.

Each --filter is one group of comma separated conditions (=, >, >=, <, <=);
a message matches when any group does. --sort takes one of dateCreated,
datePublished or messageTimestamp, optionally suffixed with :desc.

Examples:
  arc-nosql messages query alice --filter 'schema=post' --sort dateCreated:desc -n 10
  arc-nosql messages query alice --filter 'messageTimestamp>=2024-01-01,messageTimestamp<2024-02-01'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := parseFilters(filters)
			if err != nil {
				return err
			}
			sort, err := parseSort(sortBy)
			if err != nil {
				return err
			}
			page := query.Pagination{Limit: limit, Cursor: query.Cursor(cursor)}
			return run(cmd, v, func(ctx context.Context, n *node.Node, out *cli.Output) error {
				res, err := n.Messages.Query(ctx, args[0], fs, sort, page)
				if err != nil {
					return err
				}
				t := out.Table("messages", "CID", "Bytes", "Indexes")
				for _, m := range res.Messages {
					t.AddRow(m.CID, fmt.Sprint(len(m.Payload)), formatIndexes(m.Indexes))
				}
				return t.WithCursor(string(res.Cursor)).Render()
			})
		},
	}
	cmd.Flags().StringArrayVarP(&filters, "filter", "f", nil, "filter group (repeatable)")
	cmd.Flags().StringVarP(&sortBy, "sort", "s", "", "sort property[:asc|:desc]")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum messages (0 for all)")
	cmd.Flags().StringVar(&cursor, "cursor", "", "resume after this cursor")
	return cmd
}

func newMessagesDeleteCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <tenant> <message-cid>",
		Short: "Delete a message and its spilled payload",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, func(ctx context.Context, n *node.Node, out *cli.Output) error {
				if err := n.Messages.Delete(ctx, args[0], args[1]); err != nil {
					return err
				}
				return out.Result("message-delete", "deleted").With("cid", args[1]).Render()
			})
		},
	}
}

func formatIndexes(idx query.Indexes) string {
	parts := make([]string, 0, len(idx))
	for _, k := range slices.Sorted(maps.Keys(idx)) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, idx[k]))
	}
	return strings.Join(parts, " ")
}
