package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newConfigCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with settings and manifest files",
	}
	cmd.AddCommand(newConfigValidateCmd(ctx))
	return cmd
}

func newConfigValidateCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "validate",
		Aliases: []string{"lint"},
		Short:   "Validate the settings and the process manifest",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := ctx.loadSettings(cmd)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return err
			}
			manifest, err := ctx.loadManifest(settings)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "settings ok")
			if manifest == nil {
				fmt.Fprintln(out, "no manifest configured")
				return nil
			}
			fmt.Fprintf(out, "manifest %s ok: %d processes, %d autostart\n",
				manifest.Source, len(manifest.Processes), len(manifest.Autostart()))
			return nil
		},
	}
	return cmd
}
