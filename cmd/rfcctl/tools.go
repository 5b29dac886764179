package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danmuck/rfcctl/internal/auth"
	"github.com/danmuck/rfcctl/internal/config"
)

func hashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [PASSWORD]",
		Short: "Print a bcrypt hash for a [[server.user]] entry",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password := ""
			if len(args) == 1 {
				password = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return fmt.Errorf("empty password")
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func configCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write or validate configuration files",
	}

	var (
		kind  string
		force bool
	)
	initCmd := &cobra.Command{
		Use:   "init [PATH]",
		Short: "Write a configuration template",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := opts.configPath
			if len(args) == 1 {
				target = args[0]
			}
			if err := config.WriteTemplate(target, kind, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s template to %s\n", kind, target)
			return nil
		},
	}
	initCmd.Flags().StringVar(&kind, "kind", "destinations", "template kind: destinations|server")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the destinations file",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := opts.load()
			if err != nil {
				return err
			}
			for _, d := range f.Destinations {
				resolved, err := f.Destination(d.Name)
				if err != nil {
					return err
				}
				addr, err := resolved.Addr()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tclient %s\n", resolved.Name, addr, resolved.Client)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", green("valid"), opts.configPath)
			return nil
		},
	}
	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}
