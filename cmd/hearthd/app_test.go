package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/hearthkit/hearthd/internal/config"
	"github.com/hearthkit/hearthd/pkg/discovery"
	"github.com/hearthkit/hearthd/pkg/gpio"
	"github.com/hearthkit/hearthd/pkg/pairing"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.GPIO.Driver = "sim"
	cfg.API.Listen = "127.0.0.1:0"
	cfg.HAP.Port = 0
	cfg.HAP.Advertise = false
	cfg.HAP.StorageDir = filepath.Join(dir, "pairings")
	cfg.History.Path = filepath.Join(dir, "history.db")
	cfg.Logging.ProtocolLog = filepath.Join(dir, "trace.hlog")
	return cfg
}

func TestAppServesBothSurfaces(t *testing.T) {
	cfg := testConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop()

	if a.hap.Addr() == nil {
		t.Fatal("accessory server has no address")
	}

	// The simulated fireplace relay is active-low and starts released.
	sim := a.driver.(*gpio.SimDriver)
	if got := sim.Level(17); got != gpio.High {
		t.Fatalf("initial fireplace level = %s, want HIGH", got)
	}

	base := "http://" + a.rest.Addr().String()
	resp, err := http.Post(base+"/api/v1/fireplace/control", "application/json",
		strings.NewReader(`{"action":"ON","device":"fireplace"}`))
	if err != nil {
		t.Fatalf("POST control: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("control status = %d", resp.StatusCode)
	}
	if got := sim.Level(17); got != gpio.Low {
		t.Errorf("fireplace level after ON = %s, want LOW", got)
	}

	resp, err = http.Get(base + "/api/v1/gpio/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	defer resp.Body.Close()
	var status struct {
		Pins []struct {
			ID string `json:"id"`
			On bool   `json:"on"`
		} `json:"pins"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if len(status.Pins) != 4 || status.Pins[0].ID != "fireplace" || !status.Pins[0].On {
		t.Errorf("status = %+v", status)
	}

	// The accessory model shares the same pin store.
	view, err := a.model.AccessoriesJSON("")
	if err != nil {
		t.Fatalf("AccessoriesJSON: %v", err)
	}
	if !strings.Contains(string(view), `"aid":2`) {
		t.Errorf("accessory view missing fireplace accessory: %s", view)
	}
}

func TestAppWithoutAccessoryServer(t *testing.T) {
	cfg := testConfig(t)
	cfg.HAP.Enabled = false
	cfg.History.Enabled = false
	cfg.Logging.ProtocolLog = ""

	a, err := newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), appOptions{})
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	if a.hap != nil || a.pairings != nil || a.history != nil {
		t.Error("disabled components were built")
	}
	deps := a.consoleDeps()
	if deps.Sessions != nil || deps.Pairings != nil {
		t.Error("console deps should not reference a disabled accessory server")
	}
	if err := a.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestPersistFailureStopsTheController(t *testing.T) {
	cfg := testConfig(t)
	cfg.Logging.ProtocolLog = ""

	var got error
	a, err := newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), appOptions{
		Fatal: func(err error) { got = err },
	})
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.Stop()

	diskFull := errors.New("no space left on device")
	a.persistFailed(diskFull)
	if !errors.Is(got, diskFull) {
		t.Fatalf("fatal error = %v, want it to wrap %v", got, diskFull)
	}
}

func TestAppRejectsUnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.GPIO.Driver = "spi"
	if _, err := newApp(context.Background(), cfg, slog.Default(), appOptions{}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestServeFlagsOverrideConfig(t *testing.T) {
	cmd := &cobra.Command{Use: "serve"}
	addServeFlags(cmd)
	if err := cmd.ParseFlags([]string{"--listen", ":9999", "--driver", "sim", "--pin", "031-45-154", "--log-level", "debug"}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}

	cfg := config.Default()
	cfg.HAP.StorageDir = "/var/lib/hearthd"
	applyServeFlags(cmd, cfg)

	if cfg.API.Listen != ":9999" || cfg.GPIO.Driver != "sim" || cfg.Logging.Level != "debug" {
		t.Errorf("flags not applied: api=%q driver=%q level=%q", cfg.API.Listen, cfg.GPIO.Driver, cfg.Logging.Level)
	}
	if cfg.HAP.SetupCode != "031-45-154" {
		t.Errorf("setup code = %q", cfg.HAP.SetupCode)
	}
	// Unset flags leave the file's values alone.
	if cfg.HAP.StorageDir != "/var/lib/hearthd" || cfg.HAP.Port != 51826 {
		t.Errorf("unset flags changed config: storage=%q port=%d", cfg.HAP.StorageDir, cfg.HAP.Port)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "pin", "fireplace")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info record passed a warn logger")
	}
	if !strings.Contains(out, `"pin":"fireplace"`) {
		t.Errorf("json output = %q", out)
	}

	if _, err := newLogger(config.LoggingConfig{Level: "loud"}, &buf); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, err := newLogger(config.LoggingConfig{Format: "xml"}, &buf); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestPairingsListAndReset(t *testing.T) {
	dir := t.TempDir()
	store, err := pairing.OpenFile(dir)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	deviceID := store.Identity().DeviceID

	var buf bytes.Buffer
	if err := listPairings(store, &buf); err != nil {
		t.Fatalf("listPairings: %v", err)
	}
	if !strings.Contains(buf.String(), deviceID) || !strings.Contains(buf.String(), "No paired controllers") {
		t.Errorf("list output = %q", buf.String())
	}

	buf.Reset()
	if err := resetPairings(store, true, &buf); err != nil {
		t.Fatalf("resetPairings: %v", err)
	}
	reopened, err := pairing.OpenFile(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Identity().DeviceID == deviceID {
		t.Error("identity reset kept the old device id")
	}
}

func TestPrintAccessories(t *testing.T) {
	var buf bytes.Buffer
	if err := printAccessories(&buf, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "No accessories found") {
		t.Errorf("empty output = %q", buf.String())
	}

	buf.Reset()
	err := printAccessories(&buf, []*discovery.AccessoryService{
		{InstanceName: "Family Room", Host: "den.local", Port: 51826, DeviceID: "AA:BB:CC:DD:EE:FF", Model: "hearthd", ConfigNumber: 3, StatusFlags: discovery.StatusFlagUnpaired, Protocol: "1.1"},
		{InstanceName: "Garage", Addresses: []string{"10.0.0.9"}, Port: 8000, Protocol: "2.0"},
	})
	if err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "den.local:51826") || !strings.Contains(out, "10.0.0.9:8000") {
		t.Errorf("addresses missing:\n%s", out)
	}
	if !strings.Contains(out, "2.0 (unsupported)") || strings.Contains(out, "1.1 (unsupported)") {
		t.Errorf("protocol column wrong:\n%s", out)
	}
}
