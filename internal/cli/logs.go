package cli

import (
	"github.com/spf13/cobra"
)

func newLogsCmd(ctx *context) *cobra.Command {
	var (
		follow bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "logs [ID]",
		Short: "Stream process output from the running daemon",
		Long: "Stream process output from the running daemon. Recent lines are " +
			"replayed first. Without --follow the stream for ID ends when it exits.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client(cmd)
			if err != nil {
				return err
			}
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			printer := newRecordPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), outputMode(cmd, asJSON))
			return client.Events(cmd.Context(), id, follow || id == "", printer.PrintRecord)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "F", false, "Keep streaming after the process exits")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON records even on a terminal")
	return cmd
}
