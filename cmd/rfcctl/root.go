package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/danmuck/rfcctl/internal/client"
	"github.com/danmuck/rfcctl/internal/config"
)

type rootOptions struct {
	configPath  string
	destination string
	timeout     time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "rfcctl",
		Short:         "Remote function call client, server and table reader",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.DefaultPath, "destinations file")
	root.PersistentFlags().StringVarP(&opts.destination, "dest", "d", "NPL", "destination name or connect string")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall timeout for client commands")

	root.AddCommand(
		callCmd(opts),
		readTableCmd(opts),
		describeCmd(opts),
		pingCmd(opts),
		serveCmd(opts),
		hashPasswordCmd(),
		configCmd(opts),
	)
	return root
}

func (o *rootOptions) load() (config.File, error) {
	return config.Load(o.configPath)
}

// session loads the config, resolves the destination and logs on.
func (o *rootOptions) session(ctx context.Context) (*client.Session, error) {
	f, err := o.load()
	if err != nil {
		return nil, err
	}
	dest, err := f.Destination(o.destination)
	if err != nil {
		return nil, err
	}
	cache, err := f.Repository.Cache()
	if err != nil {
		return nil, err
	}
	cc, err := f.ClientConfig(dest, cache)
	if err != nil {
		return nil, err
	}
	s := client.New(cc)
	if err := s.Connect(ctx); err != nil {
		return nil, fmt.Errorf("logon to %s: %w", dest.Name, err)
	}
	return s, nil
}

func (o *rootOptions) context() (context.Context, context.CancelFunc) {
	if o.timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), o.timeout)
}
