package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Paintersrp/warden/internal/api"
	apihttp "github.com/Paintersrp/warden/internal/api/http"
	"github.com/Paintersrp/warden/internal/config"
)

var newAPIServer = apihttp.NewServer

func newServeCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor daemon with the HTTP control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := ctx.loadSettings(cmd)
			if err != nil {
				return err
			}
			manifest, err := ctx.loadManifest(settings)
			if err != nil {
				return err
			}
			logger, closeLog, err := ctx.logger(settings)
			if err != nil {
				return err
			}
			defer closeLog()

			return runServe(cmd.Context(), cmd.OutOrStdout(), settings, manifest, logger, nil)
		},
	}
	cmd.Flags().Bool("api", true, "Serve the HTTP control API")
	cmd.Flags().String("mqtt-broker", "", "Forward process events to this MQTT broker")
	cmd.Flags().Duration("drain-timeout", config.DefaultDrain, "How long to keep reading the second output stream after the first closes")
	return cmd
}

// runServe runs the daemon until ctx is cancelled or the API server fails.
// A nil listener makes the server bind settings.API.Addr.
func runServe(ctx stdcontext.Context, out io.Writer, settings *config.Settings, manifest *config.Manifest, logger *zap.Logger, listener net.Listener) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	d, err := newDaemon(settings, manifest, logger)
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)

	if settings.API.Enabled {
		tlsCfg, err := apihttp.ServerTLS(settings.API.TLS)
		if err != nil {
			_ = d.close(ctx)
			return err
		}
		server, err := newAPIServer(apihttp.Config{
			Addr:       settings.API.Addr,
			Listener:   listener,
			Controller: api.NewLocal(d.sup, d.events, manifest),
			TLS:        tlsCfg,
			Logger:     logger.Named("api"),
		})
		if err != nil {
			_ = d.close(ctx)
			return err
		}
		group.Go(func() error {
			return server.Run(groupCtx)
		})
		fmt.Fprintf(out, "Control API listening on %s\n", server.Addr())
	} else {
		fmt.Fprintln(out, "HTTP API disabled; set WARDEN_API_ENABLED=true or pass --api to enable.")
	}

	group.Go(func() error {
		if err := d.autostart(groupCtx); err != nil {
			logger.Warn("some processes failed to autostart", zap.Error(err))
		}
		<-groupCtx.Done()
		return nil
	})

	runErr := group.Wait()

	shutdownCtx, cancel := stdcontext.WithTimeout(stdcontext.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	closeErr := d.close(shutdownCtx)

	if runErr != nil && !errors.Is(runErr, stdcontext.Canceled) {
		return runErr
	}
	return closeErr
}
