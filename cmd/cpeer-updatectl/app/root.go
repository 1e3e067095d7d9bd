package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/autopeer-io/updater/pkg/client"
)

const (
	outputTable = "table"
	outputJSON  = "json"
)

type rootOptions struct {
	server  string
	output  string
	timeout time.Duration
}

func NewRootCommand() *cobra.Command {
	o := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "cpeer-updatectl",
		Short:         "Control a running cpeer-updater daemon",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if o.output != outputTable && o.output != outputJSON {
				return fmt.Errorf("--output must be %q or %q", outputTable, outputJSON)
			}
			return nil
		},
	}

	fs := cmd.PersistentFlags()
	fs.StringVarP(&o.server, "server", "s", "127.0.0.1:8480", "Address of the updater operator API.")
	fs.StringVarP(&o.output, "output", "o", outputTable, "Output format: table or json.")
	fs.DurationVar(&o.timeout, "timeout", 30*time.Second, "Timeout for one request.")

	cmd.AddCommand(
		newStatusCommand(o),
		newCheckCommand(o),
		newPendingCommand(o),
		newInstallCommand(o),
		newRollbackCommand(o),
		newResolveCommand(o),
		newChangelogCommand(o),
		newHistoryCommand(o),
		newConfigCommand(o),
	)
	return cmd
}

// call runs fn with a connected client and a bounded context.
func (o *rootOptions) call(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) error) error {
	c, err := client.New(o.server)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()
	return fn(ctx, c)
}

func (o *rootOptions) json() bool { return o.output == outputJSON }

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
