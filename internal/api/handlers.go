package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/hearthkit/hearthd/internal/history"
	"github.com/hearthkit/hearthd/pkg/pin"
)

// ActionResponse answers both the legacy and the control endpoint.
type ActionResponse struct {
	Success   bool   `json:"success"`
	Action    string `json:"action"`
	Pin       int    `json:"pin"`
	Device    string `json:"device,omitempty"`
	Timestamp string `json:"timestamp"`
}

// ControlRequest is the body of POST /api/v1/fireplace/control.
type ControlRequest struct {
	Action  string `json:"action"`
	Device  string `json:"device"`
	Room    string `json:"room,omitempty"`
	Confirm bool   `json:"confirm,omitempty"`
}

// PinStatus is one entry of GET /api/v1/gpio/status.
type PinStatus struct {
	ID          string  `json:"id"`
	Label       string  `json:"label"`
	Pin         int     `json:"pin"`
	State       string  `json:"state"`
	On          bool    `json:"on"`
	LastToggled *string `json:"last_toggled"`
}

// StatusResponse is the body of GET /api/v1/gpio/status.
type StatusResponse struct {
	Room string      `json:"room"`
	Pins []PinStatus `json:"pins"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	UptimeMS int64  `json:"uptime_ms"`
}

// parseAction accepts on and off in any case and returns the canonical
// upper-case form.
func parseAction(s string) (action string, on bool, ok bool) {
	action = strings.ToUpper(strings.TrimSpace(s))
	switch action {
	case "ON":
		return action, true, true
	case "OFF":
		return action, false, true
	}
	return action, false, false
}

// handleLegacy serves GET /?cmdType=toggle&cmdAction=ON&m_PIN=17. ON and
// OFF are logical states; active-low pins are translated by the Pin Store.
func (s *Server) handleLegacy(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !strings.EqualFold(q.Get("cmdType"), "toggle") {
		writeBadRequest(w, msgInvalidCommand)
		return
	}

	raw := q.Get("cmdAction")
	if raw == "" {
		raw = q.Get("v_ACTION")
	}
	action, on, ok := parseAction(raw)
	if !ok {
		writeBadRequest(w, msgInvalidAction)
		return
	}

	gpioPin, err := strconv.Atoi(q.Get("m_PIN"))
	if err != nil {
		writeBadRequest(w, msgInvalidPin)
		return
	}
	id, ok := s.pins.ByGPIO(gpioPin)
	if !ok {
		writeBadRequest(w, msgInvalidPin)
		return
	}

	if q.Has("m_pulsePIN") || q.Has("m_monPIN") || q.Has("n_CYCLE") {
		s.logger.Debug("legacy pulse parameters ignored",
			"pulse_pin", q.Get("m_pulsePIN"), "mon_pin", q.Get("m_monPIN"), "cycle", q.Get("n_CYCLE"))
	}

	if !s.apply(w, r, SourceLegacy, id, on) {
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{
		Success:   true,
		Action:    action,
		Pin:       gpioPin,
		Device:    id,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var req ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "Invalid request body")
		return
	}
	cfg := s.cfg.Load()

	if req.Room != "" && !strings.EqualFold(req.Room, cfg.Room.Name) {
		writeBadRequest(w, "Unknown room")
		return
	}
	pc, ok := cfg.ResolveDevice(req.Device)
	if !ok {
		writeBadRequest(w, msgInvalidPin)
		return
	}
	action, on, ok := parseAction(req.Action)
	if !ok {
		writeBadRequest(w, msgInvalidAction)
		return
	}
	if cfg.Safety.RequireConfirmation && !req.Confirm {
		writeBadRequest(w, "Confirmation required")
		return
	}

	if !s.apply(w, r, SourceREST, pc.ID, on) {
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{
		Success:   true,
		Action:    action,
		Pin:       pc.GPIO,
		Device:    req.Device,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// apply sets the pin and writes the error response on failure.
func (s *Server) apply(w http.ResponseWriter, r *http.Request, source, id string, on bool) bool {
	_, err := s.pins.Set(pin.WithSource(r.Context(), source), id, on)
	switch {
	case err == nil:
		return true
	case errors.Is(err, pin.ErrUnknownPin):
		writeBadRequest(w, msgInvalidPin)
	case errors.Is(err, pin.ErrHardwareFault):
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		s.logger.Error("pin set failed", "pin", id, "source", source, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
	return false
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{Room: s.cfg.Load().Room.Name, Pins: []PinStatus{}}
	for _, p := range s.pins.List() {
		st := PinStatus{
			ID:    p.ID,
			Label: p.Label,
			Pin:   p.GPIO,
			State: p.Raw.String(),
			On:    p.On,
		}
		if !p.LastChanged.IsZero() {
			ts := p.LastChanged.Format(time.RFC3339)
			st.LastToggled = &ts
		}
		resp.Pins = append(resp.Pins, st)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "History is disabled")
		return
	}

	q := history.Query{}
	if name := r.URL.Query().Get("pin"); name != "" {
		pc, ok := s.cfg.Load().ResolveDevice(name)
		if !ok {
			writeBadRequest(w, msgInvalidPin)
			return
		}
		q.PinID = pc.ID
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeBadRequest(w, "Invalid limit")
			return
		}
		q.Limit = n
	}

	entries, err := s.history.Query(r.Context(), q)
	if err != nil {
		s.logger.Error("history query failed", "pin", q.PinID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handleAccessories(w http.ResponseWriter, _ *http.Request) {
	body, err := s.model.AccessoriesJSON("")
	if err != nil {
		s.logger.Error("accessory database render failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body) //nolint:errcheck // connection may already be gone
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	cfg := s.cfg.Load()
	writeJSON(w, http.StatusOK, map[string]any{
		"room":   cfg.Room.Name,
		"pins":   cfg.Pins,
		"safety": cfg.Safety,
	})
}

// handleReload swaps in a freshly read configuration. The Pin Store and the
// accessory database are fixed at startup, so a changed pin list is kept
// pending until restart.
func (s *Server) handleReload(w http.ResponseWriter, _ *http.Request) {
	current := s.cfg.Load()
	next := current
	if s.reload != nil {
		var err error
		next, err = s.reload()
		if err != nil {
			s.logger.Warn("configuration reload failed", "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	} else if err := current.Validate(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	restart := !reflect.DeepEqual(next.Pins, current.Pins)
	if restart {
		copied := *next
		copied.Pins = current.Pins
		next = &copied
		s.logger.Warn("pin layout changed, restart required to apply it")
	}
	s.cfg.Store(next)
	s.logger.Info("configuration reloaded", "room", next.Room.Name, "restart_required", restart)

	msg := "Configuration reloaded"
	if restart {
		msg = "Configuration reloaded; pin changes take effect after restart"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"message":          msg,
		"restart_required": restart,
		"timestamp":        time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:   "healthy",
		Version:  s.version,
		UptimeMS: time.Since(s.started).Milliseconds(),
	})
}
