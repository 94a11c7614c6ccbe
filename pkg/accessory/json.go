package accessory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedRequest is returned for unparseable characteristic requests.
var ErrMalformedRequest = errors.New("accessory: malformed request")

type charJSON struct {
	IID         uint64   `json:"iid"`
	Type        string   `json:"type"`
	Format      string   `json:"format"`
	Perms       []string `json:"perms"`
	Description string   `json:"description,omitempty"`
	Value       any      `json:"value,omitempty"`
	Events      *bool    `json:"ev,omitempty"`
}

type serviceJSON struct {
	IID             uint64     `json:"iid"`
	Type            string     `json:"type"`
	Primary         bool       `json:"primary,omitempty"`
	Characteristics []charJSON `json:"characteristics"`
}

type accessoryJSON struct {
	AID      uint64        `json:"aid"`
	Services []serviceJSON `json:"services"`
}

// AccessoriesJSON renders the full database with current values. When
// session is non-empty each event-capable characteristic reports whether
// that session is subscribed.
func (m *Model) AccessoriesJSON(session string) ([]byte, error) {
	out := struct {
		Accessories []accessoryJSON `json:"accessories"`
	}{}
	for _, acc := range m.db.Accessories() {
		aj := accessoryJSON{AID: acc.AID}
		for _, svc := range acc.Services {
			sj := serviceJSON{IID: svc.IID, Type: svc.Type, Primary: svc.Primary}
			for _, c := range svc.Characteristics {
				cj := charJSON{IID: c.IID, Type: c.Type, Format: c.Format, Perms: c.Perms, Description: c.Description}
				id := CharID{AID: acc.AID, IID: c.IID}
				if c.Has(PermRead) {
					if v, err := m.Read(id); err == nil {
						cj.Value = v
					}
				}
				if session != "" && c.Has(PermEvents) {
					ev := m.Subscribed(session, id)
					cj.Events = &ev
				}
				sj.Characteristics = append(sj.Characteristics, cj)
			}
			aj.Services = append(aj.Services, sj)
		}
		out.Accessories = append(out.Accessories, aj)
	}
	return json.Marshal(out)
}

// ParseIDs parses the id query parameter, "1.9,2.10".
func ParseIDs(s string) ([]CharID, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("%w: empty id list", ErrMalformedRequest)
	}
	parts := strings.Split(s, ",")
	ids := make([]CharID, 0, len(parts))
	for _, p := range parts {
		a, i, ok := strings.Cut(strings.TrimSpace(p), ".")
		if !ok {
			return nil, fmt.Errorf("%w: id %q", ErrMalformedRequest, p)
		}
		aid, err1 := strconv.ParseUint(a, 10, 64)
		iid, err2 := strconv.ParseUint(i, 10, 64)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("%w: id %q", ErrMalformedRequest, p)
		}
		ids = append(ids, CharID{AID: aid, IID: iid})
	}
	return ids, nil
}

// ReadOptions selects optional fields in a read response.
type ReadOptions struct {
	Meta   bool
	Perms  bool
	Type   bool
	Events bool
}

// ReadResult is one entry of a read response.
type ReadResult struct {
	AID    uint64   `json:"aid"`
	IID    uint64   `json:"iid"`
	Value  any      `json:"value,omitempty"`
	Type   string   `json:"type,omitempty"`
	Format string   `json:"format,omitempty"`
	Perms  []string `json:"perms,omitempty"`
	Events *bool    `json:"ev,omitempty"`
	Status *int     `json:"status,omitempty"`
}

// ReadCharacteristics reads each id. failed reports whether any entry
// carries a non-zero status; in that case every entry gets a status, as
// a multi-status response requires.
func (m *Model) ReadCharacteristics(session string, ids []CharID, opts ReadOptions) (results []ReadResult, failed bool) {
	results = make([]ReadResult, 0, len(ids))
	for _, id := range ids {
		r := ReadResult{AID: id.AID, IID: id.IID}
		v, err := m.Read(id)
		if err != nil {
			failed = true
			st := StatusFor(err)
			r.Status = &st
		} else {
			r.Value = v
		}
		if c, ok := m.db.Characteristic(id); ok {
			if opts.Type {
				r.Type = c.Type
			}
			if opts.Meta {
				r.Format = c.Format
			}
			if opts.Perms {
				r.Perms = c.Perms
			}
			if opts.Events && c.Has(PermEvents) {
				ev := m.Subscribed(session, id)
				r.Events = &ev
			}
		}
		results = append(results, r)
	}
	if failed {
		for i := range results {
			if results[i].Status == nil {
				ok := StatusSuccess
				results[i].Status = &ok
			}
		}
	}
	return results, failed
}

// WriteItem is one entry of a PUT /characteristics body.
type WriteItem struct {
	AID   uint64          `json:"aid"`
	IID   uint64          `json:"iid"`
	Value json.RawMessage `json:"value,omitempty"`
	Ev    *bool           `json:"ev,omitempty"`
}

// WriteResult is one entry of a write response.
type WriteResult struct {
	AID    uint64 `json:"aid"`
	IID    uint64 `json:"iid"`
	Status int    `json:"status"`
}

// ParseWriteRequest decodes a PUT /characteristics body.
func ParseWriteRequest(body []byte) ([]WriteItem, error) {
	var req struct {
		Characteristics []WriteItem `json:"characteristics"`
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if len(req.Characteristics) == 0 {
		return nil, fmt.Errorf("%w: no characteristics", ErrMalformedRequest)
	}
	return req.Characteristics, nil
}

// WriteCharacteristics applies each item independently: one failing
// write does not affect the others. Subscription changes are applied
// before the value write.
func (m *Model) WriteCharacteristics(ctx context.Context, session string, items []WriteItem) (results []WriteResult, failed bool) {
	results = make([]WriteResult, 0, len(items))
	for _, it := range items {
		id := CharID{AID: it.AID, IID: it.IID}
		err := m.applyWrite(ctx, session, id, it)
		st := StatusFor(err)
		if err != nil {
			failed = true
			m.logger.Debug("characteristic write failed", "session", session, "id", id.String(), "status", st, "error", err)
		}
		results = append(results, WriteResult{AID: it.AID, IID: it.IID, Status: st})
	}
	return results, failed
}

func (m *Model) applyWrite(ctx context.Context, session string, id CharID, it WriteItem) error {
	if it.Ev != nil {
		if err := m.Subscribe(session, id, *it.Ev); err != nil {
			return err
		}
	}
	if len(it.Value) == 0 {
		if it.Ev == nil {
			return fmt.Errorf("%w: %s: neither value nor ev", ErrInvalidValue, id)
		}
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(it.Value))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return m.Write(ctx, id, v)
}

// EventJSON renders an event body.
func EventJSON(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}
