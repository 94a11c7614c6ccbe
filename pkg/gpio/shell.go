package gpio

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"
)

// DefaultCommand is the wiringPi utility invoked when no command is configured.
const DefaultCommand = "gpio"

// DefaultCommandTimeout bounds a single command invocation.
const DefaultCommandTimeout = 2 * time.Second

// ShellConfig configures a ShellDriver.
type ShellConfig struct {
	// Command is the command prefix, split like a shell would ("gpio -g").
	Command string

	// Timeout bounds each invocation. Zero means DefaultCommandTimeout.
	Timeout time.Duration

	// Logger receives debug output for every invocation.
	Logger *slog.Logger
}

// ShellDriver drives pins by running an external gpio command.
type ShellDriver struct {
	argv    []string
	timeout time.Duration
	logger  *slog.Logger

	// outputs tracks pins already switched to output mode.
	mu      sync.Mutex
	outputs map[int]bool
}

// NewShellDriver parses the command template and returns a driver.
func NewShellDriver(cfg ShellConfig) (*ShellDriver, error) {
	cmd := cfg.Command
	if strings.TrimSpace(cmd) == "" {
		cmd = DefaultCommand
	}
	argv, err := shlex.Split(cmd)
	if err != nil {
		return nil, fmt.Errorf("parse gpio command %q: %w", cmd, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("parse gpio command %q: empty", cmd)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &ShellDriver{
		argv:    argv,
		timeout: timeout,
		logger:  logger,
		outputs: make(map[int]bool),
	}, nil
}

// Apply sets the pin to output mode (once), writes the level, and reads it back.
func (d *ShellDriver) Apply(ctx context.Context, pin int, level Level) (Level, error) {
	if pin < 0 {
		return Low, fmt.Errorf("%w: %d", ErrInvalidPin, pin)
	}

	if !d.isOutput(pin) {
		if _, err := d.run(ctx, "mode", strconv.Itoa(pin), "out"); err != nil {
			return Low, err
		}
		d.markOutput(pin)
	}

	if _, err := d.run(ctx, "write", strconv.Itoa(pin), level.Digit()); err != nil {
		return Low, err
	}

	return d.Read(ctx, pin)
}

// Read returns the level reported by "<cmd> read <pin>".
func (d *ShellDriver) Read(ctx context.Context, pin int) (Level, error) {
	if pin < 0 {
		return Low, fmt.Errorf("%w: %d", ErrInvalidPin, pin)
	}

	out, err := d.run(ctx, "read", strconv.Itoa(pin))
	if err != nil {
		return Low, err
	}

	level, err := ParseLevel(strings.TrimSpace(out))
	if err != nil {
		return Low, fmt.Errorf("%w: read pin %d: %v", ErrCommandFailed, pin, err)
	}
	return level, nil
}

func (d *ShellDriver) isOutput(pin int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outputs[pin]
}

func (d *ShellDriver) markOutput(pin int) {
	d.mu.Lock()
	d.outputs[pin] = true
	d.mu.Unlock()
}

func (d *ShellDriver) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	argv := append(append([]string{}, d.argv[1:]...), args...)
	cmd := exec.CommandContext(ctx, d.argv[0], argv...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	d.logger.Debug("gpio command",
		"cmd", d.argv[0],
		"args", argv,
		"duration", time.Since(start),
		"error", err)
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%w: %s %s: %s", ErrCommandFailed, d.argv[0], strings.Join(args, " "), msg)
	}
	return stdout.String(), nil
}

// Compile-time interface satisfaction check.
var _ Driver = (*ShellDriver)(nil)
