package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/warden/internal/versionprobe"
)

func newProbeCmd(ctx *context) *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "probe PATH",
		Short: "Print the version an executable reports for -v",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				version string
				err     error
			)
			if remote {
				client, clientErr := ctx.client(cmd)
				if clientErr != nil {
					return clientErr
				}
				version, err = client.ProbeVersion(cmd.Context(), args[0])
			} else {
				version, err = versionprobe.Probe(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "Probe on the host running the daemon")
	return cmd
}
