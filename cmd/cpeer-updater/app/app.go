package app

import (
	"context"
	"flag"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/component-base/cli/globalflag"

	"github.com/autopeer-io/updater/cmd/cpeer-updater/app/options"
	"github.com/autopeer-io/updater/pkg/log"
)

const (
	commandName = "cpeer-updater"
	commandDesc = `The cpeer-updater daemon keeps one installation up to date. It polls the
distribution endpoints, installs new releases inside the maintenance window,
watches the service's health afterwards and rolls back to the pre-update
snapshot when the new release does not stay healthy.`
)

func NewUpdaterCommand(ctx context.Context) *cobra.Command {
	opts := options.NewUpdaterOptions()
	cmd := &cobra.Command{
		Use:          commandName,
		Short:        "Launch the update and rollback orchestrator",
		Long:         commandDesc,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.Complete(cmd.Flags()); err != nil {
				return err
			}
			if err := opts.Validate(); err != nil {
				return err
			}

			log.Init(opts.Log)
			defer func() { _ = log.Sync() }()

			cfg, err := opts.Config()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			server, err := cfg.NewUpdaterServer()
			if err != nil {
				log.Error(err, "failed to create updater server")
				return err
			}

			return server.Run(ctx)
		},
	}

	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	fs := cmd.Flags()
	namedfs := opts.Flags()
	globalflag.AddGlobalFlags(namedfs.FlagSet("global"), cmd.Name())
	for _, f := range namedfs.FlagSets {
		fs.AddFlagSet(f)
	}

	return cmd
}
