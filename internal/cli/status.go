package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/Paintersrp/warden/internal/api"
	"github.com/Paintersrp/warden/internal/cliutil"
)

func newStartCmd(ctx *context) *cobra.Command {
	var (
		dir string
		env []string
	)
	cmd := &cobra.Command{
		Use:   "start ID [-- PATH [ARGS...]]",
		Short: "Launch a process on the running daemon",
		Long: "Launch a process on the running daemon. Without PATH the process " +
			"definition is taken from the daemon's manifest.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client(cmd)
			if err != nil {
				return err
			}
			req := api.LaunchRequest{ID: args[0], Dir: dir, Env: env}
			if len(args) > 1 {
				req.Path = args[1]
				req.Args = args[2:]
			}
			status, err := client.Launch(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s started\n", status.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Working directory for the process")
	cmd.Flags().StringArrayVar(&env, "env", nil, "Extra KEY=VALUE environment entries")
	return cmd
}

func newStopCmd(ctx *context) *cobra.Command {
	return &cobra.Command{
		Use:   "stop ID",
		Short: "Kill a managed process and its descendants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client(cmd)
			if err != nil {
				return err
			}
			if err := client.Terminate(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s stopped\n", args[0])
			return nil
		},
	}
}

func newStatusCmd(ctx *context) *cobra.Command {
	return &cobra.Command{
		Use:   "status ID",
		Short: "Report whether a process is running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client(cmd)
			if err != nil {
				return err
			}
			status, err := client.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			state := "running"
			if !status.Running {
				state = "not running"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", status.ID, state)
			if !status.Running {
				return &exitError{code: 3}
			}
			return nil
		},
	}
}

func newPsCmd(ctx *context) *cobra.Command {
	return &cobra.Command{
		Use:   "ps",
		Short: "List processes managed by the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client(cmd)
			if err != nil {
				return err
			}
			list, err := client.List(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPID\tAGE\tCOMMAND")
			for _, info := range list.Processes {
				age := "-"
				if !info.StartedAt.IsZero() {
					ageDur := list.GeneratedAt.Sub(info.StartedAt)
					if ageDur < 0 {
						ageDur = 0
					}
					age = units.HumanDuration(ageDur.Truncate(time.Second))
				}
				command := strings.Join(append([]string{info.Path}, cliutil.RedactArgs(info.Args)...), " ")
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", info.ID, info.PID, age, command)
			}
			return w.Flush()
		},
	}
}
