// Package interactive provides the operator console of hearthd.
package interactive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/chzyer/readline"

	"github.com/hearthkit/hearthd/pkg/pairing"
	"github.com/hearthkit/hearthd/pkg/pin"
	"github.com/hearthkit/hearthd/pkg/session"
)

// Source tags pin changes made from the console.
const Source = "console"

// SessionLister is the part of the accessory server the console shows.
type SessionLister interface {
	Sessions() []session.Info
}

// Deps are the components the console drives. Pairings and Sessions are
// nil when the accessory server is disabled.
type Deps struct {
	Pins     *pin.Store
	Pairings *pairing.Store
	Sessions SessionLister
}

// Console is the interactive command loop.
type Console struct {
	deps Deps
	rl   *readline.Instance
}

// New creates a console reading from the terminal.
func New(deps Deps) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "hearthd> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Console{deps: deps, rl: rl}, nil
}

// Attach sets the components once the controller is running. The console
// is created first so the logger can write through it.
func (c *Console) Attach(deps Deps) {
	c.deps = deps
}

// Stdout returns a writer that keeps log output off the prompt line.
func (c *Console) Stdout() io.Writer {
	return c.rl.Stdout()
}

// Stderr is the error counterpart of Stdout.
func (c *Console) Stderr() io.Writer {
	return c.rl.Stderr()
}

// Run reads commands until exit, EOF or ctx is done. Leaving the loop
// calls cancel so the server shuts down with the console.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()

	c.printHelp(c.rl.Stdout())

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()
			return
		}
		if !c.Exec(ctx, line, c.rl.Stdout()) {
			cancel()
			return
		}
	}
}

// Exec runs one command line and writes its output to w. It returns false
// when the console should exit.
func (c *Console) Exec(ctx context.Context, line string, w io.Writer) bool {
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) == 0 {
		return true
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		c.printHelp(w)
	case "status", "s":
		c.cmdStatus(w)
	case "on":
		c.cmdSet(ctx, w, args, true)
	case "off":
		c.cmdSet(ctx, w, args, false)
	case "toggle", "t":
		c.cmdToggle(ctx, w, args)
	case "pairings", "p":
		c.cmdPairings(w)
	case "unpair":
		c.cmdUnpair(w, args)
	case "sessions":
		c.cmdSessions(w)
	case "exit", "quit", "q":
		fmt.Fprintln(w, "Exiting...")
		return false
	default:
		fmt.Fprintf(w, "Unknown command: %s (type 'help')\n", cmd)
	}
	return true
}

func (c *Console) printHelp(w io.Writer) {
	fmt.Fprint(w, `Commands:
  status              Show every pin
  on <pin>            Turn a pin on
  off <pin>           Turn a pin off
  toggle <pin>        Flip a pin
  pairings            List paired controllers
  unpair <id|all>     Remove a controller, or every controller
  sessions            List accessory-protocol connections
  help                Show this help
  exit                Stop hearthd
`)
}

func (c *Console) cmdStatus(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tGPIO\tSTATE\tLEVEL\tCHANGED")
	for _, p := range c.deps.Pins.List() {
		changed := "-"
		if !p.LastChanged.IsZero() {
			changed = p.LastChanged.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", p.ID, p.GPIO, onOff(p.On), p.Raw, changed)
	}
	tw.Flush()
}

func (c *Console) cmdSet(ctx context.Context, w io.Writer, args []string, on bool) {
	if len(args) != 1 {
		fmt.Fprintln(w, "Usage: on|off <pin>")
		return
	}
	c.set(ctx, w, args[0], on)
}

func (c *Console) cmdToggle(ctx context.Context, w io.Writer, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(w, "Usage: toggle <pin>")
		return
	}
	p, ok := c.deps.Pins.Pin(args[0])
	if !ok {
		fmt.Fprintf(w, "Unknown pin: %s\n", args[0])
		return
	}
	c.set(ctx, w, p.ID, !p.On)
}

func (c *Console) set(ctx context.Context, w io.Writer, id string, on bool) {
	reading, err := c.deps.Pins.Set(pin.WithSource(ctx, Source), id, on)
	if err != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(w, "%s is %s (%s)\n", id, onOff(reading.On), reading.Raw)
}

func (c *Console) cmdPairings(w io.Writer) {
	if c.deps.Pairings == nil {
		fmt.Fprintln(w, "Accessory server is disabled")
		return
	}
	ctrls := c.deps.Pairings.Controllers()
	if len(ctrls) == 0 {
		fmt.Fprintln(w, "No paired controllers")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPERMISSIONS\tPAIRED")
	for _, ctrl := range ctrls {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", ctrl.ID, ctrl.Permissions, ctrl.PairedAt.Format(time.RFC3339))
	}
	tw.Flush()
}

func (c *Console) cmdUnpair(w io.Writer, args []string) {
	if c.deps.Pairings == nil {
		fmt.Fprintln(w, "Accessory server is disabled")
		return
	}
	if len(args) != 1 {
		fmt.Fprintln(w, "Usage: unpair <controller-id|all>")
		return
	}
	if args[0] == "all" {
		if err := c.deps.Pairings.RemoveAllControllers(); err != nil {
			fmt.Fprintf(w, "Error: %v\n", err)
			return
		}
		fmt.Fprintln(w, "Removed every controller")
		return
	}
	removed, err := c.deps.Pairings.RemoveController(args[0])
	switch {
	case err != nil:
		fmt.Fprintf(w, "Error: %v\n", err)
	case !removed:
		fmt.Fprintf(w, "No controller %s\n", args[0])
	default:
		fmt.Fprintf(w, "Removed %s\n", args[0])
	}
}

func (c *Console) cmdSessions(w io.Writer) {
	if c.deps.Sessions == nil {
		fmt.Fprintln(w, "Accessory server is disabled")
		return
	}
	infos := c.deps.Sessions.Sessions()
	if len(infos) == 0 {
		fmt.Fprintln(w, "No connections")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tREMOTE\tPHASE\tCONTROLLER\tOPENED")
	for _, s := range infos {
		ctrl := s.ControllerID
		if ctrl == "" {
			ctrl = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.RemoteAddr, s.Phase, ctrl, s.OpenedAt.Format(time.RFC3339))
	}
	tw.Flush()
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}
