package service

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/http"

	"github.com/hearthkit/hearthd/pkg/commissioning"
	"github.com/hearthkit/hearthd/pkg/pairing"
	"github.com/hearthkit/hearthd/pkg/tlv8"
)

// MaxPairings is the number of controllers the accessory accepts.
const MaxPairings = 16

// handlePairings serves Add, Remove and List Pairings for admin sessions.
func (s *AccessoryServer) handlePairings(w http.ResponseWriter, r *http.Request) {
	req, ok := readTLV(w, r)
	if !ok {
		return
	}
	ex := exchangeFrom(r.Context())

	if state, err := req.Byte(commissioning.TypeState); err != nil || state != 1 {
		writeTLV(w, commissioning.ErrorResponse(2, commissioning.ErrInvalidMessage))
		return
	}
	caller, err := ex.session.AuthorizeAdmin()
	if err != nil {
		s.logger.Info("pairings request refused", "session", ex.session.ID(), "controller", caller.ID, "error", err)
		writeTLV(w, commissioning.ErrorResponse(2, commissioning.ErrAuthenticationFailed))
		return
	}

	method, _ := req.Byte(commissioning.TypeMethod)
	var resp *tlv8.Container
	switch method {
	case commissioning.MethodAddPairing:
		resp, err = s.addPairing(req)
	case commissioning.MethodRemovePairing:
		resp, err = s.removePairing(ex, req)
	case commissioning.MethodListPairings:
		resp = s.listPairings()
	default:
		err = fmt.Errorf("%w: method %d", commissioning.ErrInvalidMessage, method)
	}
	if err != nil {
		s.logger.Info("pairings request failed", "controller", caller.ID, "method", method, "error", err)
		resp = commissioning.ErrorResponse(2, err)
	}
	writeTLV(w, resp)
}

func (s *AccessoryServer) addPairing(req *tlv8.Container) (*tlv8.Container, error) {
	id, err := req.String(commissioning.TypeIdentifier)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", commissioning.ErrInvalidMessage, err)
	}
	pk, err := req.Bytes(commissioning.TypePublicKey)
	if err != nil || len(pk) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key", commissioning.ErrInvalidMessage)
	}
	perms, err := req.Byte(commissioning.TypePermissions)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", commissioning.ErrInvalidMessage, err)
	}

	if _, known := s.pairings.Controller(id); !known && len(s.pairings.Controllers()) >= MaxPairings {
		return nil, commissioning.ErrMaxPeers
	}
	err = s.pairings.AddController(pairing.Controller{
		ID:          id,
		PublicKey:   append(ed25519.PublicKey(nil), pk...),
		Permissions: pairing.Permissions(perms),
	})
	if err != nil {
		if !errors.Is(err, pairing.ErrConflict) {
			s.persistFailed(err)
			err = fmt.Errorf("%w: %v", commissioning.ErrPersist, err)
		}
		return nil, err
	}
	s.emit(Event{Type: EventPaired, ControllerID: id})
	return tlv8.New().AddByte(commissioning.TypeState, 2), nil
}

// removePairing deletes the record and, once the reply is sent, closes the
// controller's sessions. Removing the last admin removes every pairing.
func (s *AccessoryServer) removePairing(ex *exchange, req *tlv8.Container) (*tlv8.Container, error) {
	id, err := req.String(commissioning.TypeIdentifier)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", commissioning.ErrInvalidMessage, err)
	}
	if _, err := s.pairings.RemoveController(id); err != nil {
		s.persistFailed(err)
		return nil, fmt.Errorf("%w: %v", commissioning.ErrPersist, err)
	}
	s.emit(Event{Type: EventUnpaired, ControllerID: id})

	if s.pairings.IsPaired() && s.pairings.AdminCount() == 0 {
		s.logger.Warn("last admin removed, removing all pairings")
		if err := s.pairings.RemoveAllControllers(); err != nil {
			s.persistFailed(err)
			return nil, fmt.Errorf("%w: %v", commissioning.ErrPersist, err)
		}
		ex.after = append(ex.after, func() { s.sessions.CloseAll("all pairings removed") })
	} else {
		ex.after = append(ex.after, func() { s.sessions.CloseController(id, "pairing removed") })
	}
	return tlv8.New().AddByte(commissioning.TypeState, 2), nil
}

func (s *AccessoryServer) listPairings() *tlv8.Container {
	resp := tlv8.New().AddByte(commissioning.TypeState, 2)
	for i, c := range s.pairings.Controllers() {
		if i > 0 {
			resp.AddSeparator()
		}
		resp.AddString(commissioning.TypeIdentifier, c.ID).
			Add(commissioning.TypePublicKey, c.PublicKey).
			AddByte(commissioning.TypePermissions, byte(c.Permissions))
	}
	return resp
}
