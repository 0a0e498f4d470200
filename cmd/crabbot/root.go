package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhubert/crabbot-core/config"
	"github.com/zhubert/crabbot-core/exec"
	"github.com/zhubert/crabbot-core/logger"
	"github.com/zhubert/crabbot-core/manager"
	"github.com/zhubert/crabbot-core/notify"
	"github.com/zhubert/crabbot-core/state"
	"github.com/zhubert/crabbot-core/store"
)

var (
	version = "dev"
	commit  = "unknown"
)

// requestTimeout bounds one-shot commands such as threads.
const requestTimeout = 30 * time.Second

// options holds the persistent flags.
type options struct {
	configPath string
	debug      bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "crabbot",
		Short: "Chat with agent daemons over WebSocket JSON-RPC",
		Long: `crabbot connects to one or more agent daemons, keeps a local directory
of their threads and lets you chat with them from the terminal.

Quick Start:
  crabbot connection add local ws://127.0.0.1:4500
  crabbot threads local
  crabbot chat local --new`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to config.yaml (default: the crabbot config directory)")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(
		newConnectionCmd(opts),
		newThreadsCmd(opts),
		newChatCmd(opts),
		newOpenCmd(opts),
		newDoctorCmd(opts),
		newLogsCmd(),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads the config file and sets up logging.
func (o *options) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.LoadFile(o.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if logger.Path() == "" {
		path, err := logger.DefaultLogPath()
		if err != nil {
			return nil, err
		}
		if err := logger.Init(path); err != nil {
			return nil, err
		}
	}
	logger.SetDebug(o.debug || cfg.GetDebug())
	return cfg, nil
}

// openSupervisor loads config, opens the store and starts a Supervisor.
// The caller must Close it.
func (o *options) openSupervisor() (*manager.Supervisor, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.GetStore())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var sink notify.Sink = notify.LogSink{}
	if cfg.GetDesktopNotifications() {
		desktop := notify.NewDesktopSink(exec.NewRealExecutor())
		if desktop.Available() {
			sink = notify.Multi{sink, desktop}
		}
	}

	sup := manager.New(cfg, manager.Options{Store: st, Sink: sink})
	if err := sup.Start(); err != nil {
		_ = sup.Close()
		return nil, err
	}
	return sup, nil
}

// resolveConnection finds a connection by id, id prefix or name.
func resolveConnection(sup *manager.Supervisor, ref string) (state.Connection, error) {
	var matches []state.Connection
	for _, c := range sup.Connections() {
		if c.ID == ref || c.Name == ref {
			return c, nil
		}
		if strings.HasPrefix(c.ID, ref) {
			matches = append(matches, c)
		}
	}
	switch len(matches) {
	case 0:
		return state.Connection{}, fmt.Errorf("%w: %s", manager.ErrUnknownConnection, ref)
	case 1:
		return matches[0], nil
	}
	return state.Connection{}, fmt.Errorf("connection %q is ambiguous (%d matches)", ref, len(matches))
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, requestTimeout)
}
