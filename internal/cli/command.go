package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/gezibash/arc-nosql/internal/config"
	"github.com/gezibash/arc-nosql/internal/node"
	"github.com/gezibash/arc-nosql/internal/observability"
)

// CommandConfig configures a command that runs against the stores.
type CommandConfig struct {
	// Name identifies the command in logs.
	Name string

	Viper      *viper.Viper
	ConfigFile string

	// Timeout bounds the whole command. Zero means no timeout.
	Timeout time.Duration

	// Stdout and Stderr default to the process streams. Logs go to Stderr.
	Stdout io.Writer
	Stderr io.Writer

	Run func(ctx context.Context, n *node.Node, out *Output) error
}

// RunCommand loads configuration, sets up observability, opens the stores,
// runs cfg.Run and tears everything down again.
func RunCommand(ctx context.Context, cfg CommandConfig) (err error) {
	if cfg.Name == "" || cfg.Viper == nil || cfg.Run == nil {
		return errors.New("command name, viper and run function are required")
	}
	stdout, stderr := cfg.Stdout, cfg.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	format, err := ParseFormat(cfg.Viper.GetString("output"))
	if err != nil {
		return err
	}
	conf, err := config.Load(cfg.Viper, cfg.ConfigFile)
	if err != nil {
		return err
	}

	obs, err := observability.New(ctx, conf.Observability.ObsConfig(), stderr)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		err = errors.Join(err, obs.Close(shutdownCtx))
	}()

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	obs.Logger.DebugContext(ctx, "running command", "command", cfg.Name, "table_backend", conf.Storage.Table.Backend)
	n, err := node.Open(ctx, conf, obs.Metrics)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, n.Close()) }()

	return cfg.Run(ctx, n, NewOutput(format, stdout))
}
