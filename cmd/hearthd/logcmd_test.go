package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hearthkit/hearthd/pkg/log"
)

func writeTestLog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.hlog")
	fl, err := log.NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}

	base := time.Date(2026, 1, 2, 20, 0, 0, 0, time.UTC)
	dur := 1500 * time.Microsecond
	code := 470
	events := []log.Event{
		{
			Timestamp: base, ConnectionID: "conn-aaaaaaaaaa", Direction: log.DirectionIn,
			Layer: log.LayerTransport, Category: log.CategoryMessage, RemoteAddr: "10.0.0.7:51000",
			Frame: &log.FrameEvent{Size: 3, Data: []byte{0xde, 0xad, 0x01}},
		},
		{
			Timestamp: base.Add(time.Second), ConnectionID: "conn-aaaaaaaaaa", Direction: log.DirectionIn,
			Layer: log.LayerHTTP, Category: log.CategoryMessage, ControllerID: "ctrl-1",
			Message: &log.MessageEvent{Type: log.MessageTypeRequest, Method: "PUT", Path: "/characteristics"},
		},
		{
			Timestamp: base.Add(2 * time.Second), ConnectionID: "conn-aaaaaaaaaa", Direction: log.DirectionOut,
			Layer: log.LayerHTTP, Category: log.CategoryMessage, ControllerID: "ctrl-1",
			Message: &log.MessageEvent{Type: log.MessageTypeResponse, Status: 204, ProcessingTime: &dur},
		},
		{
			Timestamp: base.Add(3 * time.Second), Direction: log.DirectionOut,
			Layer: log.LayerAccessory, Category: log.CategoryState,
			StateChange: &log.StateChangeEvent{Entity: log.StateEntityPin, OldState: "OFF", NewState: "ON", Reason: "hap"},
		},
		{
			Timestamp: base.Add(4 * time.Second), ConnectionID: "conn-bbbbbbbbbb", Direction: log.DirectionIn,
			Layer: log.LayerSession, Category: log.CategoryError,
			Error: &log.ErrorEventData{Layer: log.LayerSession, Message: "bad proof", Code: &code},
		},
	}
	for _, ev := range events {
		fl.Log(ev)
	}
	if err := fl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func TestLogView(t *testing.T) {
	path := writeTestLog(t)

	var buf bytes.Buffer
	if err := runLogView(path, log.Filter{}, &buf); err != nil {
		t.Fatalf("runLogView: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"[conn:conn-aaa] IN  TRANSPORT Frame",
		"Data: dead01",
		"PUT /characteristics",
		"Controller: ctrl-1",
		"Status: 204",
		"Duration: 1.5ms",
		"OFF -> ON",
		"Message: bad proof",
		"Code: 470",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("view output missing %q:\n%s", want, out)
		}
	}
}

func TestLogViewFilters(t *testing.T) {
	path := writeTestLog(t)

	flags := logFilterFlags{layer: "http", direction: "out"}
	filter, err := flags.build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var buf bytes.Buffer
	if err := runLogView(path, filter, &buf); err != nil {
		t.Fatalf("runLogView: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "RESPONSE") || strings.Contains(out, "REQUEST") || strings.Contains(out, "Frame") {
		t.Errorf("unexpected filtered output:\n%s", out)
	}

	flags = logFilterFlags{entity: "pin"}
	filter, _ = flags.build()
	buf.Reset()
	if err := runLogView(path, filter, &buf); err != nil {
		t.Fatalf("runLogView: %v", err)
	}
	if got := strings.Count(buf.String(), "Entity: PIN"); got != 1 {
		t.Errorf("pin state changes = %d, want 1", got)
	}
}

func TestLogFilterFlagErrors(t *testing.T) {
	for _, flags := range []logFilterFlags{
		{layer: "wire"},
		{direction: "sideways"},
		{category: "control"},
		{entity: "zone"},
		{since: "yesterday"},
	} {
		if _, err := flags.build(); err == nil {
			t.Errorf("build(%+v) should fail", flags)
		}
	}
}

func TestLogFilterWritesSubset(t *testing.T) {
	path := writeTestLog(t)
	out := filepath.Join(t.TempDir(), "subset.hlog")

	n, err := runLogFilter(path, out, log.Filter{ConnectionID: "conn-aaaaaaaaaa"})
	if err != nil {
		t.Fatalf("runLogFilter: %v", err)
	}
	if n != 3 {
		t.Fatalf("filtered %d events, want 3", n)
	}

	st, err := collectStats(out)
	if err != nil {
		t.Fatalf("collectStats: %v", err)
	}
	if st.total != 3 || len(st.conns) != 1 {
		t.Errorf("subset stats total=%d conns=%d", st.total, len(st.conns))
	}
}

func TestLogStats(t *testing.T) {
	path := writeTestLog(t)

	st, err := collectStats(path)
	if err != nil {
		t.Fatalf("collectStats: %v", err)
	}
	if st.total != 5 {
		t.Errorf("total = %d, want 5", st.total)
	}
	if st.errors != 1 || st.pinChanges != 1 {
		t.Errorf("errors=%d pinChanges=%d", st.errors, st.pinChanges)
	}
	if got := st.byLayer[log.LayerHTTP]; got != 2 {
		t.Errorf("http events = %d, want 2", got)
	}
	c := st.conns["conn-aaaaaaaaaa"]
	if c == nil || c.events != 3 || c.controller != "ctrl-1" || c.remote != "10.0.0.7:51000" {
		t.Errorf("connection stats = %+v", c)
	}

	var buf bytes.Buffer
	if err := runLogStats(path, &buf); err != nil {
		t.Fatalf("runLogStats: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"Total Events: 5", "Connections: 2", "Pin Changes: 1", "Errors: 1"} {
		if !strings.Contains(out, want) {
			t.Errorf("stats output missing %q:\n%s", want, out)
		}
	}
}

func TestLogViewMissingFile(t *testing.T) {
	if err := runLogView(filepath.Join(t.TempDir(), "none.hlog"), log.Filter{}, &bytes.Buffer{}); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLogViewPartialTail(t *testing.T) {
	path := writeTestLog(t)
	rec, err := log.EncodeEvent(log.Event{ConnectionID: "conn-cccccccccc", Layer: log.LayerHTTP})
	if err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.Write(rec[:len(rec)-4])
	f.Close()

	var buf bytes.Buffer
	if err := runLogView(path, log.Filter{}, &buf); err != nil {
		t.Fatalf("runLogView: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "bad proof") || !strings.Contains(out, "(log ends with a partial event)") {
		t.Errorf("view output:\n%s", out)
	}
}
