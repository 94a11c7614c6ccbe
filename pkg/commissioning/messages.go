package commissioning

import (
	"errors"
	"fmt"
	"time"

	"github.com/hearthkit/hearthd/pkg/tlv8"
)

// TLV item types.
const (
	TypeMethod        byte = 0x00
	TypeIdentifier    byte = 0x01
	TypeSalt          byte = 0x02
	TypePublicKey     byte = 0x03
	TypeProof         byte = 0x04
	TypeEncryptedData byte = 0x05
	TypeState         byte = 0x06
	TypeError         byte = 0x07
	TypeRetryDelay    byte = 0x08
	TypeCertificate   byte = 0x09
	TypeSignature     byte = 0x0A
	TypePermissions   byte = 0x0B
	TypeFlags         byte = 0x13
	TypeSeparator     byte = tlv8.Separator
)

// Pairing methods.
const (
	MethodPairSetup         byte = 0x00
	MethodPairSetupWithAuth byte = 0x01
	MethodPairVerify        byte = 0x02
	MethodAddPairing        byte = 0x03
	MethodRemovePairing     byte = 0x04
	MethodListPairings      byte = 0x05
)

// TLVError is the error code carried in a TypeError item.
type TLVError byte

const (
	TLVErrorUnknown        TLVError = 0x01
	TLVErrorAuthentication TLVError = 0x02
	TLVErrorBackoff        TLVError = 0x03
	TLVErrorMaxPeers       TLVError = 0x04
	TLVErrorMaxTries       TLVError = 0x05
	TLVErrorUnavailable    TLVError = 0x06
	TLVErrorBusy           TLVError = 0x07
)

// String returns the error name.
func (e TLVError) String() string {
	switch e {
	case TLVErrorUnknown:
		return "UNKNOWN"
	case TLVErrorAuthentication:
		return "AUTHENTICATION"
	case TLVErrorBackoff:
		return "BACKOFF"
	case TLVErrorMaxPeers:
		return "MAX_PEERS"
	case TLVErrorMaxTries:
		return "MAX_TRIES"
	case TLVErrorUnavailable:
		return "UNAVAILABLE"
	case TLVErrorBusy:
		return "BUSY"
	default:
		return fmt.Sprintf("TLVError(%d)", byte(e))
	}
}

// Pairing errors.
var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrVerificationFailed   = errors.New("verification failed")
	ErrAlreadyPaired        = errors.New("accessory already paired")
	ErrUnknownController    = errors.New("unknown controller")
	ErrBusy                 = errors.New("pair-setup in progress on another session")
	ErrBackoff              = errors.New("pair-setup attempts backing off")
	ErrMaxTries             = errors.New("too many pair-setup attempts")
	ErrMaxPeers             = errors.New("no room for more pairings")
	ErrUnexpectedState      = errors.New("unexpected pairing state")
	ErrInvalidMessage       = errors.New("invalid pairing message")
	ErrPersist              = errors.New("failed to persist pairing")
)

// BackoffError reports how long the controller must wait before retrying.
type BackoffError struct {
	Delay time.Duration
}

func (e *BackoffError) Error() string {
	return fmt.Sprintf("%v: retry in %v", ErrBackoff, e.Delay)
}

func (e *BackoffError) Unwrap() error { return ErrBackoff }

// RemoteError is a TLV error reported by the peer.
type RemoteError struct {
	State byte
	Code  TLVError
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("peer reported %s at state %d", e.Code, e.State)
}

// Unwrap maps the code onto the local sentinel errors.
func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case TLVErrorAuthentication:
		return ErrAuthenticationFailed
	case TLVErrorBackoff:
		return ErrBackoff
	case TLVErrorMaxTries:
		return ErrMaxTries
	case TLVErrorMaxPeers:
		return ErrMaxPeers
	case TLVErrorUnavailable:
		return ErrAlreadyPaired
	case TLVErrorBusy:
		return ErrBusy
	default:
		return ErrInvalidMessage
	}
}

// CodeFor maps a local error onto the TLV error code sent to the peer.
func CodeFor(err error) TLVError {
	switch {
	case errors.Is(err, ErrAuthenticationFailed),
		errors.Is(err, ErrVerificationFailed),
		errors.Is(err, ErrUnknownController):
		return TLVErrorAuthentication
	case errors.Is(err, ErrBackoff):
		return TLVErrorBackoff
	case errors.Is(err, ErrMaxTries):
		return TLVErrorMaxTries
	case errors.Is(err, ErrMaxPeers):
		return TLVErrorMaxPeers
	case errors.Is(err, ErrAlreadyPaired):
		return TLVErrorUnavailable
	case errors.Is(err, ErrBusy):
		return TLVErrorBusy
	default:
		return TLVErrorUnknown
	}
}

// ErrorResponse builds the TLV reply for a failed step.
func ErrorResponse(state byte, err error) *tlv8.Container {
	c := tlv8.New().AddByte(TypeState, state).AddByte(TypeError, byte(CodeFor(err)))
	var be *BackoffError
	if errors.As(err, &be) {
		secs := uint64(be.Delay.Round(time.Second) / time.Second)
		if secs == 0 {
			secs = 1
		}
		c.AddUint(TypeRetryDelay, secs)
	}
	return c
}

// checkResponse extracts the state from a reply and converts an error item
// into a RemoteError.
func checkResponse(resp *tlv8.Container, want byte) error {
	state, err := resp.Byte(TypeState)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if code, ok := resp.Get(TypeError); ok && len(code) == 1 {
		return &RemoteError{State: state, Code: TLVError(code[0])}
	}
	if state != want {
		return fmt.Errorf("%w: got state %d, want %d", ErrUnexpectedState, state, want)
	}
	return nil
}
