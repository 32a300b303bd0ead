package cli

import (
	stdcontext "context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Paintersrp/warden/internal/config"
	"github.com/Paintersrp/warden/internal/event"
	"github.com/Paintersrp/warden/internal/logmux"
	"github.com/Paintersrp/warden/internal/supervisor"
)

const interruptTimeout = 10 * time.Second

type runOptions struct {
	id     string
	dir    string
	env    []string
	asJSON bool
}

func newRunCmd(ctx *context) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run [--id ID] -- PATH [ARGS...]",
		Short: "Run a single process in the foreground and relay its output",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := ctx.loadSettings(cmd)
			if err != nil {
				return err
			}
			logger, closeLog, err := ctx.logger(settings)
			if err != nil {
				return err
			}
			defer closeLog()

			if opts.id == "" {
				opts.id = uuid.NewString()
			}
			spec := supervisor.Spec{
				ID:   opts.id,
				Path: args[0],
				Args: args[1:],
				Dir:  opts.dir,
				Env:  opts.env,
			}
			printer := newRecordPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), outputMode(cmd, opts.asJSON))
			code, err := runForeground(cmd.Context(), settings, logger, spec, printer)
			if err != nil {
				return err
			}
			if code != 0 {
				return &exitError{code: exitStatus(code)}
			}
			return nil
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVar(&opts.id, "id", "", "Process id (defaults to a random UUID)")
	cmd.Flags().StringVar(&opts.dir, "dir", "", "Working directory for the process")
	cmd.Flags().StringArrayVar(&opts.env, "env", nil, "Extra KEY=VALUE environment entries")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "Emit JSON records even on a terminal")
	cmd.Flags().Duration("drain-timeout", config.DefaultDrain, "How long to keep reading the second output stream after the first closes")
	return cmd
}

// runForeground launches spec, relays its events to out and returns the exit
// code. Cancelling ctx terminates the process group and still waits for the
// exit notification.
func runForeground(ctx stdcontext.Context, settings *config.Settings, logger *zap.Logger, spec supervisor.Spec, out event.Sink) (int, error) {
	exited := make(chan event.Event, 1)
	catcher := event.SinkFunc(func(evt event.Event) {
		if evt.Type == event.TypeExited && evt.ID == spec.ID {
			exited <- evt
		}
	})

	mux := logmux.New(settings.Events.Buffer, event.Multi(out, catcher))
	defer mux.Close()

	sup := supervisor.New(mux,
		supervisor.WithDrainTimeout(settings.DrainTimeout),
		supervisor.WithLogger(logger),
	)
	if err := sup.Launch(ctx, spec); err != nil {
		return 0, err
	}

	select {
	case evt := <-exited:
		return evt.ExitCode, evt.Err
	case <-ctx.Done():
	}

	killCtx, cancel := stdcontext.WithTimeout(stdcontext.Background(), interruptTimeout)
	defer cancel()
	if err := sup.Terminate(killCtx, spec.ID); err != nil {
		logger.Warn("terminate on interrupt", zap.String("id", spec.ID), zap.Error(err))
	}
	select {
	case evt := <-exited:
		return evt.ExitCode, evt.Err
	case <-killCtx.Done():
		return 0, fmt.Errorf("process %s did not exit after interrupt: %w", spec.ID, killCtx.Err())
	}
}

// exitStatus maps a child exit code onto a status this process can return.
// Signal deaths report -1 and become 1.
func exitStatus(code int) int {
	if code < 0 || code > 255 {
		return 1
	}
	return code
}
