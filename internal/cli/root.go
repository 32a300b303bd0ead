package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	apihttp "github.com/Paintersrp/warden/internal/api/http"
	"github.com/Paintersrp/warden/internal/config"
	"github.com/Paintersrp/warden/internal/logging"
)

func NewRootCmd() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

func newRootCommand() (*cobra.Command, *context) {
	ctx := &context{}

	root := &cobra.Command{
		Use:   "warden",
		Short: "Supervise long-running worker processes",
	}

	flags := root.PersistentFlags()
	flags.StringVar(&ctx.settingsFile, "config", "", "Path to the settings file (defaults to $WARDEN_CONFIG)")
	flags.StringP("manifest", "f", "", "Path to the process manifest")
	flags.String("addr", config.DefaultAPIAddr, "Address of the HTTP control API")
	flags.String("log-level", config.DefaultLogLevel, "Diagnostic log level")
	flags.String("log-format", config.DefaultLogFormat, "Diagnostic log format (console or json)")
	flags.String("log-file", "", "Write diagnostic logs to a rotating file")
	flags.String("tls-cert", "", "TLS certificate for the control API")
	flags.String("tls-key", "", "TLS private key for the control API")
	flags.String("tls-ca", "", "CA bundle used to verify the control API peer")

	root.AddCommand(newServeCmd(ctx))
	root.AddCommand(newRunCmd(ctx))
	root.AddCommand(newStartCmd(ctx))
	root.AddCommand(newStopCmd(ctx))
	root.AddCommand(newStatusCmd(ctx))
	root.AddCommand(newPsCmd(ctx))
	root.AddCommand(newLogsCmd(ctx))
	root.AddCommand(newTuiCmd(ctx))
	root.AddCommand(newProbeCmd(ctx))
	root.AddCommand(newObfuscateCmd())
	root.AddCommand(newDeobfuscateCmd())
	root.AddCommand(newConfigCmd(ctx))

	root.SilenceUsage = true
	root.SilenceErrors = true

	return root, ctx
}

// Execute runs the CLI entrypoint.
func Execute() {
	ctx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)

	root := NewRootCmd()
	root.SetContext(ctx)

	err := root.ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	var exit *exitError
	if errors.As(err, &exit) {
		os.Exit(exit.code)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

// exitError carries a child exit status out of a command without printing.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

type context struct {
	settingsFile string

	mu       sync.Mutex
	settings *config.Settings
}

// loadSettings resolves settings once per invocation from the file, the
// environment and the flags parsed for cmd.
func (c *context) loadSettings(cmd *cobra.Command) (*config.Settings, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settings != nil {
		return c.settings, nil
	}
	settings, err := config.LoadSettings(c.settingsFile, cmd.Flags())
	if err != nil {
		return nil, err
	}
	c.settings = settings
	return settings, nil
}

func (c *context) loadManifest(settings *config.Settings) (*config.Manifest, error) {
	if settings.Manifest == "" {
		return nil, nil
	}
	return config.LoadManifest(settings.Manifest)
}

func (c *context) logger(settings *config.Settings) (*zap.Logger, func() error, error) {
	return logging.New(settings.Log)
}

func (c *context) client(cmd *cobra.Command) (*apihttp.Client, error) {
	settings, err := c.loadSettings(cmd)
	if err != nil {
		return nil, err
	}
	tlsCfg, err := apihttp.ClientTLS(settings.API.TLS)
	if err != nil {
		return nil, err
	}
	return apihttp.NewClient(settings.API.Addr, tlsCfg), nil
}
