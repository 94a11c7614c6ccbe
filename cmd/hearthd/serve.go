package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hearthkit/hearthd/cmd/hearthd/interactive"
	"github.com/hearthkit/hearthd/internal/config"
	"github.com/hearthkit/hearthd/pkg/version"
)

// serveFlags override the configuration file when set explicitly.
type serveFlags struct {
	listen      string
	hapPort     int
	setupCode   string
	storage     string
	driver      string
	logLevel    string
	logFormat   string
	protocolLog string
	interactive bool
}

var serveOpts serveFlags

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the controller",
	Long: `Run the controller: drive the configured relay pins and serve the HTTP API
and the accessory-protocol server until interrupted.`,
	RunE: runServe,
}

func init() {
	addServeFlags(serveCmd)
}

// addServeFlags registers the serve flags on cmd. Root and serve share
// the same variables, so either spelling works.
func addServeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&serveOpts.listen, "listen", "", "HTTP API listen address (e.g. :8080)")
	f.IntVar(&serveOpts.hapPort, "hap-port", 0, "Accessory-protocol TCP port")
	f.StringVar(&serveOpts.setupCode, "pin", "", "Accessory setup code (8 digits)")
	f.StringVar(&serveOpts.storage, "storage", "", "Directory holding the pairing records")
	f.StringVar(&serveOpts.driver, "driver", "", "GPIO driver: shell or sim")
	f.StringVar(&serveOpts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	f.StringVar(&serveOpts.logFormat, "log-format", "", "Log format: text or json")
	f.StringVar(&serveOpts.protocolLog, "protocol-log", "", "Write accessory-protocol events to this file")
	f.BoolVarP(&serveOpts.interactive, "interactive", "i", false, "Run the operator console")
}

// applyServeFlags copies every flag the user set onto cfg.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("listen") {
		cfg.API.Listen = serveOpts.listen
	}
	if f.Changed("hap-port") {
		cfg.HAP.Port = serveOpts.hapPort
	}
	if f.Changed("pin") {
		cfg.HAP.SetupCode = serveOpts.setupCode
	}
	if f.Changed("storage") {
		cfg.HAP.StorageDir = serveOpts.storage
	}
	if f.Changed("driver") {
		cfg.GPIO.Driver = serveOpts.driver
	}
	if f.Changed("log-level") {
		cfg.Logging.Level = serveOpts.logLevel
	}
	if f.Changed("log-format") {
		cfg.Logging.Format = serveOpts.logFormat
	}
	if f.Changed("protocol-log") {
		cfg.Logging.ProtocolLog = serveOpts.protocolLog
	}
}

// loadServeConfig reads the configuration file and applies the flags on top.
func loadServeConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	applyServeFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancelCause := context.WithCancelCause(cmd.Context())
	cancel := func() { cancelCause(nil) }
	defer cancel()

	var console *interactive.Console
	var out io.Writer = os.Stderr
	if serveOpts.interactive {
		// The console owns the terminal; logs go through its writer so they
		// do not clobber the prompt.
		console, err = interactive.New(interactive.Deps{})
		if err != nil {
			return err
		}
		out = console.Stderr()
	}

	logger, err := newLogger(cfg.Logging, out)
	if err != nil {
		return err
	}
	logger.Info("starting hearthd", "version", version.Version, "room", cfg.Room.Name, "driver", cfg.GPIO.Driver)

	a, err := newApp(ctx, cfg, logger, appOptions{
		Reload: func() (*config.Config, error) { return loadServeConfig(cmd) },
		Fatal:  cancelCause,
	})
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		a.close()
		return err
	}

	if console != nil {
		console.Attach(a.consoleDeps())
		go console.Run(ctx, cancel)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("received signal", "signal", sig.String())
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	stopErr := a.Stop()
	if stopErr != nil {
		logger.Error("shutdown", "error", stopErr)
	}
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return stopErr
}
