package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-nosql/internal/cli"
	"github.com/gezibash/arc-nosql/internal/config"
	"github.com/gezibash/arc-nosql/internal/node"
)

func main() {
	if err := newRootCmd(viper.New()).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:   "arc-nosql",
		Short: "Event log, message store and task store on a wide-column table service",
		Long: `arc-nosql manages the event log, message store and resumable task
store tables and lets you read and write them directly.

Backends are chosen in arc-nosql.yaml or with ARC_NOSQL_* variables, e.g.
  ARC_NOSQL_STORAGE_TABLE_BACKEND=dynamodb arc-nosql provision`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	config.BindFlags(pf, v)
	pf.StringP("output", "o", "text", "output format (text, json, yaml)")
	_ = v.BindPFlag("output", pf.Lookup("output"))
	pf.Duration("timeout", 30*time.Second, "command timeout")

	root.AddCommand(
		newProvisionCmd(v),
		newEventsCmd(v),
		newMessagesCmd(v),
		newTasksCmd(v),
		newClearCmd(v),
		newVersionCmd(),
	)
	return root
}

// run executes fn against the stores with the root flags applied.
func run(cmd *cobra.Command, v *viper.Viper, fn func(context.Context, *node.Node, *cli.Output) error) error {
	configFile, _ := cmd.Flags().GetString("config")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return cli.RunCommand(cmd.Context(), cli.CommandConfig{
		Name:       cmd.CommandPath(),
		Viper:      v,
		ConfigFile: configFile,
		Timeout:    timeout,
		Stdout:     cmd.OutOrStdout(),
		Stderr:     cmd.ErrOrStderr(),
		Run:        fn,
	})
}
