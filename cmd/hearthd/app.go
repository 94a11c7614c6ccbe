package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/hearthkit/hearthd/cmd/hearthd/interactive"
	"github.com/hearthkit/hearthd/internal/api"
	"github.com/hearthkit/hearthd/internal/config"
	"github.com/hearthkit/hearthd/internal/history"
	"github.com/hearthkit/hearthd/internal/mqtt"
	"github.com/hearthkit/hearthd/pkg/accessory"
	"github.com/hearthkit/hearthd/pkg/commissioning"
	"github.com/hearthkit/hearthd/pkg/discovery"
	"github.com/hearthkit/hearthd/pkg/gpio"
	"github.com/hearthkit/hearthd/pkg/log"
	"github.com/hearthkit/hearthd/pkg/pairing"
	"github.com/hearthkit/hearthd/pkg/pin"
	"github.com/hearthkit/hearthd/pkg/service"
	"github.com/hearthkit/hearthd/pkg/version"
)

// app is one running controller. Components are optional except the pins
// and the accessory model, which both surfaces share.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	driver   gpio.Driver
	pins     *pin.Store
	model    *accessory.Model
	pairings *pairing.Store
	code     commissioning.SetupCode
	hap      *service.AccessoryServer
	rest     *api.Server
	history  *history.Recorder
	mqtt     *mqtt.Client
	mirror   *mqtt.Mirror
	protoLog *log.FileLogger

	fatal  func(error)
	detach []func()
}

// appOptions carries what does not live in the configuration file.
type appOptions struct {
	// Reload re-reads the configuration for POST /api/v1/config/reload.
	Reload func() (*config.Config, error)

	// Fatal stops the process. A pairing change that cannot be persisted
	// ends up here.
	Fatal func(error)
}

func newDriver(cfg *config.Config, logger *slog.Logger) (gpio.Driver, error) {
	switch cfg.GPIO.Driver {
	case "sim":
		// Start every simulated relay in its inactive state.
		initial := make(map[int]gpio.Level, len(cfg.Pins))
		for _, p := range cfg.Pins {
			initial[p.GPIO] = pin.LevelFor(false, p.ActiveLow)
		}
		return gpio.NewSimDriver(initial), nil
	case "shell", "":
		return gpio.NewShellDriver(gpio.ShellConfig{
			Command: cfg.GPIO.Command,
			Timeout: cfg.GPIO.Timeout,
			Logger:  logger,
		})
	default:
		return nil, fmt.Errorf("unknown gpio driver %q", cfg.GPIO.Driver)
	}
}

// newApp assembles the controller without opening any listener.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, fatal: opts.Fatal}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if a.driver, err = newDriver(cfg, logger); err != nil {
		return nil, err
	}
	a.pins, err = pin.NewStore(a.driver, cfg.PinDefinitions(), pin.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	a.pins.Init(ctx)

	a.model = accessory.NewModel(accessory.Build(cfg.BuildConfig()), a.pins,
		accessory.WithLogger(logger),
		accessory.WithIdentify(func(acc *accessory.Accessory) {
			logger.Info("identify", "accessory", acc.Name, "aid", acc.AID)
		}),
	)

	proto, err := a.protocolLogger()
	if err != nil {
		return nil, err
	}

	if cfg.History.Enabled {
		a.history, err = history.Open(history.Config{Path: cfg.History.Path, Buffer: cfg.History.Buffer, Logger: logger})
		if err != nil {
			return nil, err
		}
		a.detach = append(a.detach, a.history.Attach(a.pins))
	}

	if cfg.MQTT.Enabled {
		// A missing broker degrades the mirror, not the controller.
		client, mqttErr := mqtt.Connect(cfg.MQTT, cfg.Room.Name, logger)
		if mqttErr != nil {
			logger.Warn("mqtt mirror disabled", "broker", cfg.MQTT.Broker, "error", mqttErr)
		} else {
			a.mqtt = client
			a.mirror = mqtt.NewMirror(mqtt.MirrorConfig{
				Publisher: client,
				Topics:    mqtt.Topics{Prefix: cfg.MQTT.TopicPrefix, Room: cfg.Room.Name},
				QoS:       byte(cfg.MQTT.QoS),
				Logger:    logger,
			})
			a.detach = append(a.detach, a.mirror.Attach(a.pins))
		}
	}

	if cfg.HAP.Enabled {
		if err := a.buildHAP(proto); err != nil {
			return nil, err
		}
	}

	if cfg.API.Enabled {
		a.rest, err = api.New(api.Deps{
			Config:  cfg,
			Pins:    a.pins,
			Model:   a.model,
			History: a.history,
			Reload:  opts.Reload,
			Logger:  logger,
			Version: version.Version,
		})
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *app) protocolLogger() (log.Logger, error) {
	var sinks []log.Logger
	if path := a.cfg.Logging.ProtocolLog; path != "" {
		fl, err := log.NewFileLogger(path)
		if err != nil {
			return nil, err
		}
		a.protoLog = fl
		sinks = append(sinks, fl)
	}
	// Protocol failures reach the operational log even without a capture
	// file; the adapter drops the rest below Debug.
	sinks = append(sinks, log.NewSlogAdapter(a.logger))
	return log.NewMultiLogger(sinks...), nil
}

func (a *app) buildHAP(proto log.Logger) error {
	cfg := a.cfg
	store, err := pairing.OpenFile(cfg.HAP.StorageDir, pairing.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("open pairing store: %w", err)
	}
	a.pairings = store

	a.code, err = cfg.SetupCode()
	if err != nil {
		return err
	}
	if a.code.IsTrivial() {
		a.logger.Warn("setup code is trivial; some controllers refuse it", "pin", a.code.Formatted())
	}

	var mgr *discovery.Manager
	if cfg.HAP.Advertise {
		mgr = discovery.NewManager(discovery.ManagerConfig{
			Advertiser: discovery.NewMDNSAdvertiser(discovery.AdvertiserConfig{
				Interface: cfg.HAP.Interface,
				TTL:       discovery.DefaultTTL,
			}),
			Info: discovery.AccessoryInfo{
				Name:     cfg.AccessoryName(),
				DeviceID: store.Identity().DeviceID,
				Model:    "hearthd",
				Category: accessory.CategoryBridge,
				SetupID:  cfg.HAP.SetupID,
				Port:     uint16(cfg.HAP.Port),
			},
			Heartbeat: cfg.HAP.Heartbeat,
			Logger:    a.logger,
		})
	}

	a.hap, err = service.NewAccessoryServer(service.AccessoryConfig{
		ListenAddress:    net.JoinHostPort("", strconv.Itoa(cfg.HAP.Port)),
		SetupCode:        a.code,
		Pairings:         store,
		Model:            a.model,
		AttemptPolicy:    service.DefaultAttemptPolicy(),
		Discovery:        mgr,
		IdleTimeout:      cfg.HAP.IdleTimeout,
		OnPersistFailure: a.persistFailed,
		Logger:           a.logger,
		ProtocolLogger:   proto,
	})
	if err != nil {
		return err
	}
	a.hap.OnEvent(func(ev service.Event) {
		switch ev.Type {
		case service.EventPaired, service.EventUnpaired, service.EventVerified:
			a.logger.Info("accessory event", "event", ev.Type.String(), "controller", ev.ControllerID, "remote", ev.RemoteAddr)
		case service.EventSetupFailed:
			a.logger.Warn("pair-setup failed", "remote", ev.RemoteAddr, "error", ev.Error)
		}
	})
	return nil
}

// persistFailed stops the controller: the pairing store on disk no longer
// matches what controllers were told.
func (a *app) persistFailed(err error) {
	a.logger.Error("pairing store cannot be persisted, stopping", "storage", a.cfg.HAP.StorageDir, "error", err)
	if a.fatal != nil {
		a.fatal(fmt.Errorf("persist pairing store: %w", err))
	}
}

func (a *app) consoleDeps() interactive.Deps {
	deps := interactive.Deps{Pins: a.pins, Pairings: a.pairings}
	if a.hap != nil {
		deps.Sessions = a.hap
	}
	return deps
}

// Start opens the listeners.
func (a *app) Start(ctx context.Context) error {
	if a.hap != nil {
		if err := a.hap.Start(ctx); err != nil {
			return fmt.Errorf("start accessory server: %w", err)
		}
		a.printSetupInfo()
	}
	if a.rest != nil {
		if err := a.rest.Start(ctx); err != nil {
			if a.hap != nil {
				_ = a.hap.Stop()
			}
			return err
		}
	}
	return nil
}

func (a *app) printSetupInfo() {
	attrs := []any{"name", a.cfg.AccessoryName(), "pin", a.code.Formatted(), "paired", a.pairings.IsPaired()}
	if a.cfg.HAP.SetupID != "" {
		if uri, err := discovery.SetupURI(a.code, accessory.CategoryBridge, a.cfg.HAP.SetupID); err == nil {
			attrs = append(attrs, "setup_uri", uri)
		}
	}
	a.logger.Info("accessory ready for pairing", attrs...)
}

// Stop closes the listeners, then the background sinks.
func (a *app) Stop() error {
	var errs []error
	if a.rest != nil {
		errs = append(errs, a.rest.Close())
	}
	if a.hap != nil {
		if err := a.hap.Stop(); err != nil && !errors.Is(err, service.ErrNotStarted) {
			errs = append(errs, err)
		}
	}
	a.close()
	return errors.Join(errs...)
}

func (a *app) close() {
	for _, d := range a.detach {
		d()
	}
	a.detach = nil
	if a.model != nil {
		a.model.Close()
	}
	if a.mirror != nil {
		a.mirror.Close()
	}
	if a.mqtt != nil {
		_ = a.mqtt.Close()
	}
	if a.history != nil {
		_ = a.history.Close()
	}
	if a.protoLog != nil {
		if err := a.protoLog.Close(); err != nil {
			a.logger.Warn("protocol log incomplete", "path", a.cfg.Logging.ProtocolLog, "events", a.protoLog.Events(), "error", err)
		}
	}
}
