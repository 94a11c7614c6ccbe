package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hearthkit/hearthd/pkg/gpio"
	"github.com/hearthkit/hearthd/pkg/pin"
)

func change(id string, gpioPin int, activeLow, on bool, source string, at time.Time) pin.Change {
	return pin.Change{
		Pin:     pin.Pin{Definition: pin.Definition{ID: id, GPIO: gpioPin, ActiveLow: activeLow}},
		Current: on,
		Source:  source,
		At:      at,
	}
}

func openTemp(t *testing.T) (*Recorder, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	r, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return r, path
}

func TestRecordAndQuery(t *testing.T) {
	r, path := openTemp(t)
	base := time.Date(2026, 1, 10, 20, 0, 0, 0, time.UTC)

	r.Record(change("fireplace", 17, true, true, "hap", base))
	r.Record(change("fireplace_fan", 27, true, true, "rest", base.Add(time.Second)))
	r.Record(change("fireplace", 17, true, false, "legacy", base.Add(2*time.Second)))
	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	r, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer r.Close() //nolint:errcheck // test cleanup

	all, err := r.Query(context.Background(), Query{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(all) = %d, want 3", len(all))
	}
	if all[0].Source != "legacy" || all[0].On {
		t.Errorf("newest entry = %+v, want legacy off", all[0])
	}

	fp, err := r.Query(context.Background(), Query{PinID: "fireplace", Limit: 1})
	if err != nil {
		t.Fatalf("Query(fireplace) error = %v", err)
	}
	if len(fp) != 1 {
		t.Fatalf("len(fp) = %d, want 1", len(fp))
	}
	got := fp[0]
	if got.GPIO != 17 || got.Raw != gpio.High || got.State != "HIGH" {
		t.Errorf("off on an active-low pin should record raw HIGH, got %+v", got)
	}
	if !got.ChangedAt.Equal(base.Add(2 * time.Second)) {
		t.Errorf("ChangedAt = %v", got.ChangedAt)
	}
}

func TestAttachRecordsStoreChanges(t *testing.T) {
	r, _ := openTemp(t)
	defer r.Close() //nolint:errcheck // test cleanup

	driver := gpio.NewSimDriver(nil)
	store, err := pin.NewStore(driver, []pin.Definition{{ID: "lights", Label: "Lights", GPIO: 22}})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	cancel := r.Attach(store)
	defer cancel()

	if _, err := store.Set(pin.WithSource(context.Background(), "console"), "lights", true); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, err := r.Query(context.Background(), Query{PinID: "lights"})
		if err != nil {
			t.Fatalf("Query() error = %v", err)
		}
		if len(entries) == 1 {
			if entries[0].Source != "console" || !entries[0].On {
				t.Errorf("entry = %+v", entries[0])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("change was not recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClosedRecorder(t *testing.T) {
	r, _ := openTemp(t)
	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	r.Record(change("fireplace", 17, true, true, "hap", time.Now()))
	if _, err := r.Query(context.Background(), Query{}); err != ErrClosed {
		t.Errorf("Query() after Close error = %v, want ErrClosed", err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Error("Open() with empty path should fail")
	}
}
