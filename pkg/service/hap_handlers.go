package service

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hearthkit/hearthd/pkg/accessory"
	"github.com/hearthkit/hearthd/pkg/commissioning"
	"github.com/hearthkit/hearthd/pkg/pin"
	"github.com/hearthkit/hearthd/pkg/session"
	"github.com/hearthkit/hearthd/pkg/tlv8"
	"github.com/hearthkit/hearthd/pkg/transport"
)

// SourceHAP tags pin changes made by controllers.
const SourceHAP = "hap"

func (s *AccessoryServer) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.requireExchange)

	r.Post("/pair-setup", s.handlePairSetup)
	r.Post("/pair-verify", s.handlePairVerify)
	r.Post("/identify", s.handleIdentify)

	r.Group(func(r chi.Router) {
		r.Use(s.requireVerified)
		r.Get("/accessories", s.handleAccessories)
		r.Get("/characteristics", s.handleGetCharacteristics)
		r.Put("/characteristics", s.handlePutCharacteristics)
		r.Post("/pairings", s.handlePairings)
	})
	return r
}

func (s *AccessoryServer) requireExchange(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exchangeFrom(r.Context()) == nil {
			s.logger.Error("dropping request", "path", r.URL.Path, "error", errNoExchange)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireVerified answers 470 until Pair-Verify completed. A session whose
// controller was removed meanwhile is closed after the reply.
func (s *AccessoryServer) requireVerified(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ex := exchangeFrom(r.Context())
		if _, err := ex.session.Authorize(); err != nil {
			if errors.Is(err, session.ErrRevoked) {
				ex.closeReason = "controller no longer paired"
			}
			writeStatus(w, transport.StatusConnectionAuthorizationRequired, accessory.StatusInsufficientPrivileges)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func readTLV(w http.ResponseWriter, r *http.Request) (*tlv8.Container, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		var c *tlv8.Container
		if c, err = tlv8.Decode(body); err == nil {
			return c, true
		}
	}
	writeTLV(w, commissioning.ErrorResponse(2, commissioning.ErrInvalidMessage))
	return nil, false
}

func (s *AccessoryServer) handlePairSetup(w http.ResponseWriter, r *http.Request) {
	req, ok := readTLV(w, r)
	if !ok {
		return
	}
	ex := exchangeFrom(r.Context())
	sess := ex.session

	resp, err := sess.HandleSetup(req)
	switch {
	case err != nil:
		s.logger.Info("pair-setup step failed", "session", sess.ID(), "error", err)
		if errors.Is(err, commissioning.ErrPersist) {
			s.persistFailed(err)
		}
		s.emit(Event{Type: EventSetupFailed, SessionID: sess.ID(), Error: err})
	case sess.Phase() == session.PhasePairSetupComplete:
		s.emit(Event{Type: EventPaired, SessionID: sess.ID()})
	}
	writeTLV(w, resp)
}

func (s *AccessoryServer) handlePairVerify(w http.ResponseWriter, r *http.Request) {
	req, ok := readTLV(w, r)
	if !ok {
		return
	}
	ex := exchangeFrom(r.Context())
	sess := ex.session

	resp, keys, err := sess.HandleVerify(req)
	if keys != nil {
		ex.keys = keys
	}
	if err != nil {
		s.logger.Info("pair-verify failed", "session", sess.ID(), "error", err)
		if sess.Phase() == session.PhaseClosed {
			ex.closeReason = "pair-verify failed: " + err.Error()
		}
	}
	writeTLV(w, resp)
}

// handleIdentify is only allowed while unpaired.
func (s *AccessoryServer) handleIdentify(w http.ResponseWriter, r *http.Request) {
	if s.pairings.IsPaired() {
		writeStatus(w, http.StatusBadRequest, accessory.StatusInsufficientPrivileges)
		return
	}
	id, ok := s.model.Database().IdentifyCharacteristic(accessory.BridgeAID)
	if ok {
		if err := s.model.Write(r.Context(), id, true); err != nil {
			s.logger.Warn("identify failed", "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *AccessoryServer) handleAccessories(w http.ResponseWriter, r *http.Request) {
	ex := exchangeFrom(r.Context())
	body, err := s.model.AccessoriesJSON(ex.session.ID())
	if err != nil {
		s.logger.Error("render accessories", "error", err)
		writeStatus(w, http.StatusInternalServerError, accessory.StatusServiceCommunicationFailure)
		return
	}
	w.Header().Set("Content-Type", transport.ContentTypeJSON)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (s *AccessoryServer) handleGetCharacteristics(w http.ResponseWriter, r *http.Request) {
	ex := exchangeFrom(r.Context())
	q := r.URL.Query()
	ids, err := accessory.ParseIDs(q.Get("id"))
	if err != nil {
		writeStatus(w, http.StatusBadRequest, accessory.StatusInvalidValue)
		return
	}
	opts := accessory.ReadOptions{
		Meta:   q.Get("meta") == "1",
		Perms:  q.Get("perms") == "1",
		Type:   q.Get("type") == "1",
		Events: q.Get("ev") == "1",
	}
	results, failed := s.model.ReadCharacteristics(ex.session.ID(), ids, opts)
	status := http.StatusOK
	if failed {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, map[string]any{"characteristics": results})
}

func (s *AccessoryServer) handlePutCharacteristics(w http.ResponseWriter, r *http.Request) {
	ex := exchangeFrom(r.Context())
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeStatus(w, http.StatusBadRequest, accessory.StatusInvalidValue)
		return
	}
	items, err := accessory.ParseWriteRequest(body)
	if err != nil {
		writeStatus(w, http.StatusBadRequest, accessory.StatusInvalidValue)
		return
	}
	ctx := pin.WithSource(r.Context(), SourceHAP)
	results, failed := s.model.WriteCharacteristics(ctx, ex.session.ID(), items)
	if !failed {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusMultiStatus, map[string]any{"characteristics": results})
}

func writeTLV(w http.ResponseWriter, c *tlv8.Container) {
	w.Header().Set("Content-Type", transport.ContentTypeTLV8)
	w.WriteHeader(http.StatusOK)
	w.Write(c.Encode())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", transport.ContentTypeJSON)
	w.WriteHeader(status)
	w.Write(body)
}

func writeStatus(w http.ResponseWriter, httpStatus, hapStatus int) {
	writeJSON(w, httpStatus, map[string]int{"status": hapStatus})
}
