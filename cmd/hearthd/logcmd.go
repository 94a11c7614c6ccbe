package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hearthkit/hearthd/pkg/log"
)

// logFilterFlags select events for view and filter.
type logFilterFlags struct {
	connID       string
	controllerID string
	layer        string
	direction    string
	category     string
	entity       string
	since        string
	until        string
}

var (
	viewFilter   logFilterFlags
	filterFilter logFilterFlags
	filterOutput string
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Inspect accessory-protocol log files",
	Long:  `Inspect the CBOR event files written by "hearthd serve --protocol-log".`,
}

var logViewCmd = &cobra.Command{
	Use:   "view <file.hlog>",
	Short: "Print events in human-readable form",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := viewFilter.build()
		if err != nil {
			return err
		}
		return runLogView(args[0], filter, cmd.OutOrStdout())
	},
}

var logFilterCmd = &cobra.Command{
	Use:   "filter <file.hlog>",
	Short: "Copy matching events to a new log file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := filterFilter.build()
		if err != nil {
			return err
		}
		n, err := runLogFilter(args[0], filterOutput, filter)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Filtered %d events to %s\n", n, filterOutput)
		return nil
	},
}

var logStatsCmd = &cobra.Command{
	Use:   "stats <file.hlog>",
	Short: "Summarize a log file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLogStats(args[0], cmd.OutOrStdout())
	},
}

func init() {
	viewFilter.register(logViewCmd)
	filterFilter.register(logFilterCmd)
	logFilterCmd.Flags().StringVarP(&filterOutput, "output", "o", "", "Output file (required)")
	_ = logFilterCmd.MarkFlagRequired("output")

	logCmd.AddCommand(logViewCmd, logFilterCmd, logStatsCmd)
}

func (f *logFilterFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.connID, "conn-id", "", "Only this connection")
	fs.StringVar(&f.controllerID, "controller", "", "Only this verified controller")
	fs.StringVar(&f.layer, "layer", "", "transport, http, session or accessory")
	fs.StringVar(&f.direction, "direction", "", "in or out")
	fs.StringVar(&f.category, "category", "", "message, state or error")
	fs.StringVar(&f.entity, "entity", "", "State changes of: connection, session, pairing or pin")
	fs.StringVar(&f.since, "since", "", "Events at or after this RFC 3339 time")
	fs.StringVar(&f.until, "until", "", "Events before this RFC 3339 time")
}

func (f logFilterFlags) build() (log.Filter, error) {
	filter := log.Filter{ConnectionID: f.connID, ControllerID: f.controllerID}

	if f.layer != "" {
		l, err := parseLayer(f.layer)
		if err != nil {
			return filter, err
		}
		filter.Layer = &l
	}
	if f.direction != "" {
		d, err := parseDirection(f.direction)
		if err != nil {
			return filter, err
		}
		filter.Direction = &d
	}
	if f.category != "" {
		c, err := parseCategory(f.category)
		if err != nil {
			return filter, err
		}
		filter.Category = &c
	}
	if f.entity != "" {
		e, err := parseEntity(f.entity)
		if err != nil {
			return filter, err
		}
		filter.Entity = &e
	}
	if f.since != "" {
		t, err := time.Parse(time.RFC3339, f.since)
		if err != nil {
			return filter, fmt.Errorf("invalid --since: %w", err)
		}
		filter.TimeStart = &t
	}
	if f.until != "" {
		t, err := time.Parse(time.RFC3339, f.until)
		if err != nil {
			return filter, fmt.Errorf("invalid --until: %w", err)
		}
		filter.TimeEnd = &t
	}
	return filter, nil
}

func parseLayer(s string) (log.Layer, error) {
	switch strings.ToLower(s) {
	case "transport":
		return log.LayerTransport, nil
	case "http":
		return log.LayerHTTP, nil
	case "session":
		return log.LayerSession, nil
	case "accessory":
		return log.LayerAccessory, nil
	}
	return 0, fmt.Errorf("invalid layer %q (use transport, http, session or accessory)", s)
}

func parseDirection(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	}
	return 0, fmt.Errorf("invalid direction %q (use in or out)", s)
}

func parseCategory(s string) (log.Category, error) {
	switch strings.ToLower(s) {
	case "message":
		return log.CategoryMessage, nil
	case "state":
		return log.CategoryState, nil
	case "error":
		return log.CategoryError, nil
	}
	return 0, fmt.Errorf("invalid category %q (use message, state or error)", s)
}

func parseEntity(s string) (log.StateEntity, error) {
	switch strings.ToLower(s) {
	case "connection":
		return log.StateEntityConnection, nil
	case "session":
		return log.StateEntitySession, nil
	case "pairing":
		return log.StateEntityPairing, nil
	case "pin":
		return log.StateEntityPin, nil
	}
	return 0, fmt.Errorf("invalid entity %q", s)
}

// eachEvent calls fn for every event matching filter. truncated reports a
// log that ends inside a record, as left by a crash mid-write.
func eachEvent(path string, filter log.Filter, fn func(log.Event)) (truncated bool, err error) {
	reader, err := log.OpenReader(path, filter)
	if err != nil {
		return false, fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return reader.Truncated(), nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to read event: %w", err)
		}
		fn(event)
	}
}

func runLogView(path string, filter log.Filter, w io.Writer) error {
	truncated, err := eachEvent(path, filter, func(ev log.Event) { formatEvent(w, ev) })
	if truncated {
		fmt.Fprintln(w, "(log ends with a partial event)")
	}
	return err
}

func runLogFilter(path, output string, filter log.Filter) (int, error) {
	out, err := log.NewFileLogger(output)
	if err != nil {
		return 0, fmt.Errorf("failed to create output log: %w", err)
	}
	n := 0
	_, err = eachEvent(path, filter, func(ev log.Event) {
		out.Log(ev)
		n++
	})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// formatEvent writes one event as a header line and indented details.
func formatEvent(w io.Writer, ev log.Event) {
	ts := ev.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z")

	var label string
	switch {
	case ev.Frame != nil:
		label = "Frame"
	case ev.Message != nil:
		label = ev.Message.Type.String()
	case ev.StateChange != nil:
		label = "State"
	case ev.Error != nil:
		label = "Error"
	default:
		label = "Unknown"
	}

	fmt.Fprintf(w, "%s [conn:%s] %-3s %s %s\n", ts, shortID(ev.ConnectionID), ev.Direction, ev.Layer, label)
	if ev.ControllerID != "" {
		fmt.Fprintf(w, "  Controller: %s\n", ev.ControllerID)
	}

	switch {
	case ev.Frame != nil:
		f := ev.Frame
		fmt.Fprintf(w, "  Size: %d bytes", f.Size)
		if f.Encrypted {
			fmt.Fprintf(w, " (encrypted, counter %d)", f.Counter)
		}
		fmt.Fprintln(w)
		if len(f.Data) > 0 {
			fmt.Fprintf(w, "  Data: %s", hex.EncodeToString(f.Data))
			if f.Truncated {
				fmt.Fprint(w, " (truncated)")
			}
			fmt.Fprintln(w)
		}
	case ev.Message != nil:
		m := ev.Message
		if m.Method != "" || m.Path != "" {
			fmt.Fprintf(w, "  %s %s\n", m.Method, m.Path)
		}
		if m.Status != 0 {
			fmt.Fprintf(w, "  Status: %d\n", m.Status)
		}
		if m.ProcessingTime != nil {
			fmt.Fprintf(w, "  Duration: %s\n", formatDuration(*m.ProcessingTime))
		}
		if m.BodySize > 0 {
			fmt.Fprintf(w, "  Body: %d bytes %s\n", m.BodySize, m.ContentType)
		}
		if len(m.Body) > 0 {
			fmt.Fprintf(w, "  %s\n", m.Body)
		}
	case ev.StateChange != nil:
		sc := ev.StateChange
		fmt.Fprintf(w, "  Entity: %s\n", sc.Entity)
		if sc.OldState != "" {
			fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
		} else {
			fmt.Fprintf(w, "  -> %s\n", sc.NewState)
		}
		if sc.Reason != "" {
			fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
		}
	case ev.Error != nil:
		e := ev.Error
		fmt.Fprintf(w, "  Layer: %s\n", e.Layer)
		fmt.Fprintf(w, "  Message: %s\n", e.Message)
		if e.Code != nil {
			fmt.Fprintf(w, "  Code: %d\n", *e.Code)
		}
		if e.Context != "" {
			fmt.Fprintf(w, "  Context: %s\n", e.Context)
		}
	}
	fmt.Fprintln(w)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dus", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%.1fms", float64(d.Microseconds())/1000)
	default:
		return d.Round(time.Millisecond).String()
	}
}

type connStats struct {
	id         string
	controller string
	remote     string
	first      time.Time
	last       time.Time
	events     int
}

type logStats struct {
	total       int
	errors      int
	byLayer     map[log.Layer]int
	byCategory  map[log.Category]int
	byDirection map[log.Direction]int
	pinChanges  int
	conns       map[string]*connStats
	start, end  time.Time
}

func collectStats(path string) (*logStats, error) {
	st := &logStats{
		byLayer:     make(map[log.Layer]int),
		byCategory:  make(map[log.Category]int),
		byDirection: make(map[log.Direction]int),
		conns:       make(map[string]*connStats),
	}
	_, err := eachEvent(path, log.Filter{}, func(ev log.Event) {
		st.total++
		st.byLayer[ev.Layer]++
		st.byCategory[ev.Category]++
		st.byDirection[ev.Direction]++

		if st.start.IsZero() || ev.Timestamp.Before(st.start) {
			st.start = ev.Timestamp
		}
		if ev.Timestamp.After(st.end) {
			st.end = ev.Timestamp
		}
		if ev.Error != nil {
			st.errors++
		}
		if ev.StateChange != nil && ev.StateChange.Entity == log.StateEntityPin {
			st.pinChanges++
		}

		if ev.ConnectionID == "" {
			return
		}
		c, ok := st.conns[ev.ConnectionID]
		if !ok {
			c = &connStats{id: ev.ConnectionID, first: ev.Timestamp, last: ev.Timestamp}
			st.conns[ev.ConnectionID] = c
		}
		c.events++
		if ev.Timestamp.After(c.last) {
			c.last = ev.Timestamp
		}
		if c.controller == "" {
			c.controller = ev.ControllerID
		}
		if c.remote == "" {
			c.remote = ev.RemoteAddr
		}
	})
	return st, err
}

func runLogStats(path string, w io.Writer) error {
	st, err := collectStats(path)
	if err != nil {
		return err
	}

	fmt.Fprintln(w, "=== hearthd Protocol Log Statistics ===")
	fmt.Fprintln(w)
	if st.total > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n", st.start.Format(time.RFC3339), st.end.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n\n", st.end.Sub(st.start).Round(time.Second))
	}
	fmt.Fprintf(w, "Total Events: %d\n\n", st.total)

	fmt.Fprintln(w, "Events by Layer:")
	for _, l := range []log.Layer{log.LayerTransport, log.LayerHTTP, log.LayerSession, log.LayerAccessory} {
		if n := st.byLayer[l]; n > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", l.String()+":", n)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, c := range []log.Category{log.CategoryMessage, log.CategoryState, log.CategoryError} {
		if n := st.byCategory[c]; n > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", c.String()+":", n)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Direction:")
	for _, d := range []log.Direction{log.DirectionIn, log.DirectionOut} {
		if n := st.byDirection[d]; n > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", d.String()+":", n)
		}
	}
	fmt.Fprintln(w)

	if st.pinChanges > 0 {
		fmt.Fprintf(w, "Pin Changes: %d\n\n", st.pinChanges)
	}

	conns := make([]*connStats, 0, len(st.conns))
	for _, c := range st.conns {
		conns = append(conns, c)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].first.Before(conns[j].first) })

	fmt.Fprintf(w, "Connections: %d\n", len(conns))
	for _, c := range conns {
		fmt.Fprintf(w, "  [%s] %d events, duration %s\n", shortID(c.id), c.events, c.last.Sub(c.first).Round(time.Millisecond))
		if c.remote != "" {
			fmt.Fprintf(w, "           Remote: %s\n", c.remote)
		}
		if c.controller != "" {
			fmt.Fprintf(w, "           Controller: %s\n", c.controller)
		}
	}

	if st.errors > 0 {
		fmt.Fprintf(w, "\nErrors: %d\n", st.errors)
	}
	return nil
}
