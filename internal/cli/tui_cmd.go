package cli

import (
	stdcontext "context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Paintersrp/warden/internal/config"
	"github.com/Paintersrp/warden/internal/logging"
	"github.com/Paintersrp/warden/internal/tui"
)

func newTuiCmd(ctx *context) *cobra.Command {
	var maxLogs int
	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Supervise the manifest processes in an interactive view",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !supportsInteractiveOutput(cmd) {
				return fmt.Errorf("tui requires an interactive terminal")
			}

			settings, err := ctx.loadSettings(cmd)
			if err != nil {
				return err
			}
			manifest, err := ctx.loadManifest(settings)
			if err != nil {
				return err
			}

			// Console logging would scribble over the screen.
			logger := zap.NewNop()
			if settings.Log.File != "" {
				fileLogger, closeLog, err := logging.New(settings.Log)
				if err != nil {
					return err
				}
				defer closeLog()
				logger = fileLogger
			}

			return runTUI(cmd.Context(), settings, manifest, logger, maxLogs)
		},
	}
	cmd.Flags().IntVar(&maxLogs, "max-logs", 500, "Log lines retained per process")
	cmd.Flags().Duration("drain-timeout", config.DefaultDrain, "How long to keep reading the second output stream after the first closes")
	return cmd
}

func runTUI(ctx stdcontext.Context, settings *config.Settings, manifest *config.Manifest, logger *zap.Logger, maxLogs int) error {
	d, err := newDaemon(settings, manifest, logger)
	if err != nil {
		return err
	}

	ui := tui.New(
		tui.WithMaxLogs(maxLogs),
		tui.WithTerminate(d.sup.Terminate),
		tui.WithProcessList(d.sup.List),
	)

	events, release, _ := d.events.Subscribe(settings.Events.Buffer)
	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		defer ui.CloseEvents()
		for evt := range events {
			select {
			case ui.EventSink() <- evt:
			case <-ui.Done():
				return
			}
		}
	}()

	if err := d.autostart(ctx); err != nil {
		logger.Warn("some processes failed to autostart", zap.Error(err))
	}

	runErr := ui.Run(ctx)

	shutdownCtx, cancel := stdcontext.WithTimeout(stdcontext.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	closeErr := d.close(shutdownCtx)
	release()
	<-forwardDone

	if runErr != nil {
		return runErr
	}
	return closeErr
}
