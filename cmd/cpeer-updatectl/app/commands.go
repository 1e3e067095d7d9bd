package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/autopeer-io/updater/internal/updater/core/model"
	"github.com/autopeer-io/updater/pkg/client"
)

func newStatusCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the orchestrator state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.call(cmd, func(ctx context.Context, c *client.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				if o.json() {
					return writeJSON(cmd.OutOrStdout(), st)
				}
				return printState(cmd.OutOrStdout(), st)
			})
		},
	}
}

func newCheckCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Ask the distribution endpoints for a newer release now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.call(cmd, func(ctx context.Context, c *client.Client) error {
				pending, err := c.Check(ctx)
				if err != nil {
					return err
				}
				return o.printDescriptors(cmd, pending)
			})
		},
	}
}

func newPendingCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List releases waiting to be installed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.call(cmd, func(ctx context.Context, c *client.Client) error {
				pending, err := c.Pending(ctx)
				if err != nil {
					return err
				}
				return o.printDescriptors(cmd, pending)
			})
		},
	}
}

func newInstallCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "install [VERSION]",
		Short: "Install a pending release, the oldest one by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var version string
			if len(args) == 1 {
				version = args[0]
			}
			return o.call(cmd, func(ctx context.Context, c *client.Client) error {
				acc, err := c.Install(ctx, version)
				if err != nil {
					return err
				}
				return o.printAccepted(cmd, acc)
			})
		},
	}
}

func newRollbackCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback",
		Short: "Restore the latest pre-update snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.call(cmd, func(ctx context.Context, c *client.Client) error {
				acc, err := c.Rollback(ctx)
				if err != nil {
					return err
				}
				return o.printAccepted(cmd, acc)
			})
		},
	}
}

func newResolveCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve",
		Short: "Acknowledge an unstable release or a failed rollback",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.call(cmd, func(ctx context.Context, c *client.Client) error {
				st, err := c.Resolve(ctx)
				if err != nil {
					return err
				}
				if o.json() {
					return writeJSON(cmd.OutOrStdout(), st)
				}
				return printState(cmd.OutOrStdout(), st)
			})
		},
	}
}

func newChangelogCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "changelog VERSION",
		Short: "Print the changelog of a release",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.call(cmd, func(ctx context.Context, c *client.Client) error {
				text, err := c.Changelog(ctx, args[0])
				if err != nil {
					return err
				}
				if o.json() {
					return writeJSON(cmd.OutOrStdout(), map[string]string{"version": args[0], "changelog": text})
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), text)
				return err
			})
		},
	}
}

func newHistoryCommand(o *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past checks, installs and rollbacks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.call(cmd, func(ctx context.Context, c *client.Client) error {
				recs, err := c.History(ctx, limit)
				if err != nil {
					return err
				}
				if o.json() {
					return writeJSON(cmd.OutOrStdout(), recs)
				}
				return printHistory(cmd.OutOrStdout(), recs)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of records.")
	return cmd
}

func newConfigCommand(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the orchestrator configuration",
	}

	get := &cobra.Command{
		Use:   "get",
		Short: "Print the configuration in force",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.call(cmd, func(ctx context.Context, c *client.Client) error {
				cfg, err := c.Configuration(ctx)
				if err != nil {
					return err
				}
				return o.printConfiguration(cmd, cfg)
			})
		},
	}

	set := &cobra.Command{
		Use:   "set KEY=VALUE...",
		Short: "Change configuration fields, e.g. autoInstall=false maintenanceWindow.start=01:00",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := parseAssignments(args)
			if err != nil {
				return err
			}
			return o.call(cmd, func(ctx context.Context, c *client.Client) error {
				cfg, err := c.UpdateConfiguration(ctx, patch)
				if err != nil {
					return err
				}
				return o.printConfiguration(cmd, cfg)
			})
		},
	}

	cmd.AddCommand(get, set)
	return cmd
}

// parseAssignments turns key=value pairs into a nested document. Values
// are read as YAML scalars so numbers and booleans keep their type.
func parseAssignments(args []string) (map[string]any, error) {
	patch := map[string]any{}
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected KEY=VALUE, got %q", arg)
		}

		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		if value == nil {
			value = raw
		}

		parts := strings.Split(key, ".")
		m := patch
		for _, p := range parts[:len(parts)-1] {
			next, ok := m[p].(map[string]any)
			if !ok {
				next = map[string]any{}
				m[p] = next
			}
			m = next
		}
		m[parts[len(parts)-1]] = value
	}
	return patch, nil
}

func (o *rootOptions) printDescriptors(cmd *cobra.Command, ds []model.UpdateDescriptor) error {
	if o.json() {
		if ds == nil {
			ds = []model.UpdateDescriptor{}
		}
		return writeJSON(cmd.OutOrStdout(), ds)
	}
	return printDescriptors(cmd.OutOrStdout(), ds)
}

func (o *rootOptions) printAccepted(cmd *cobra.Command, acc *client.Accepted) error {
	if o.json() {
		return writeJSON(cmd.OutOrStdout(), acc)
	}
	msg := acc.Operation + " " + acc.Status
	if acc.Version != "" {
		msg = fmt.Sprintf("%s %s: %s", acc.Operation, acc.Version, acc.Status)
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), msg)
	return err
}

func (o *rootOptions) printConfiguration(cmd *cobra.Command, cfg *model.Configuration) error {
	if o.json() {
		return writeJSON(cmd.OutOrStdout(), cfg)
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
