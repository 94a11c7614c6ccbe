package log

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Filter selects events. Zero fields match everything.
type Filter struct {
	ConnectionID string
	ControllerID string

	Direction *Direction
	Layer     *Layer
	Category  *Category
	Entity    *StateEntity

	// TimeStart is inclusive, TimeEnd exclusive.
	TimeStart *time.Time
	TimeEnd   *time.Time
}

// Match reports whether event passes every set criterion.
func (f Filter) Match(event Event) bool {
	switch {
	case f.ConnectionID != "" && event.ConnectionID != f.ConnectionID,
		f.ControllerID != "" && event.ControllerID != f.ControllerID,
		f.Direction != nil && event.Direction != *f.Direction,
		f.Layer != nil && event.Layer != *f.Layer,
		f.Category != nil && event.Category != *f.Category,
		f.TimeStart != nil && event.Timestamp.Before(*f.TimeStart),
		f.TimeEnd != nil && !event.Timestamp.Before(*f.TimeEnd):
		return false
	case f.Entity != nil:
		return event.StateChange != nil && event.StateChange.Entity == *f.Entity
	}
	return true
}

// Reader streams the events of a .hlog file that pass its filter.
type Reader struct {
	closer    io.Closer
	dec       *cbor.Decoder
	filter    Filter
	truncated bool
}

// OpenReader opens the .hlog file at path.
func OpenReader(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := NewReader(f, filter)
	r.closer = f
	return r, nil
}

// NewReader reads .hlog records from src. Close does not close src.
func NewReader(src io.Reader, filter Filter) *Reader {
	return &Reader{dec: eventDec.NewDecoder(bufio.NewReader(src)), filter: filter}
}

// Next returns the next matching event, or io.EOF at the end. A record cut
// short by a crash ends the stream as well; Truncated reports it.
func (r *Reader) Next() (Event, error) {
	for {
		var event Event
		err := r.dec.Decode(&event)
		switch {
		case errors.Is(err, io.EOF):
			return Event{}, io.EOF
		case errors.Is(err, io.ErrUnexpectedEOF):
			r.truncated = true
			return Event{}, io.EOF
		case err != nil:
			return Event{}, fmt.Errorf("decode event: %w", err)
		}
		if r.filter.Match(event) {
			return event, nil
		}
	}
}

// Truncated reports whether the stream ended inside a record.
func (r *Reader) Truncated() bool { return r.truncated }

func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
