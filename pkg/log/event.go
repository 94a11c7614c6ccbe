package log

import "time"

// Event is one entry in the protocol trace. CBOR encoding uses integer
// keys so .hlog files stay compact.
type Event struct {
	Timestamp    time.Time `cbor:"1,keyasint"`
	ConnectionID string    `cbor:"2,keyasint"`
	Direction    Direction `cbor:"3,keyasint"`
	Layer        Layer     `cbor:"4,keyasint"`
	Category     Category  `cbor:"5,keyasint"`
	LocalRole    Role      `cbor:"6,keyasint,omitempty"`
	RemoteAddr   string    `cbor:"7,keyasint,omitempty"`

	// ControllerID is set once Pair-Verify has identified the peer.
	ControllerID string `cbor:"8,keyasint,omitempty"`

	// Exactly one payload is set.
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"`
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"`
}

// Direction of message flow relative to the local endpoint.
type Direction uint8

const (
	DirectionIn  Direction = 0
	DirectionOut Direction = 1
)

func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer identifies where an event was captured.
type Layer uint8

const (
	// LayerTransport sees encrypted frames.
	LayerTransport Layer = 0
	// LayerHTTP sees decoded requests, responses and EVENT messages.
	LayerHTTP Layer = 1
	// LayerSession covers Pair-Setup, Pair-Verify and session phases.
	LayerSession Layer = 2
	// LayerAccessory covers characteristic reads, writes and pin changes.
	LayerAccessory Layer = 3
)

func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerHTTP:
		return "HTTP"
	case LayerSession:
		return "SESSION"
	case LayerAccessory:
		return "ACCESSORY"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the payload.
type Category uint8

const (
	CategoryMessage Category = 0
	CategoryState   Category = 2
	CategoryError   Category = 3
)

func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Role of the local endpoint.
type Role uint8

const (
	RoleAccessory  Role = 0
	RoleController Role = 1
)

func (r Role) String() string {
	switch r {
	case RoleAccessory:
		return "ACCESSORY"
	case RoleController:
		return "CONTROLLER"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent records one transport frame. Data holds the ciphertext, or
// plaintext before the session is encrypted, and may be truncated.
type FrameEvent struct {
	Size      int    `cbor:"1,keyasint"`
	Data      []byte `cbor:"2,keyasint,omitempty"`
	Truncated bool   `cbor:"3,keyasint,omitempty"`
	Encrypted bool   `cbor:"4,keyasint,omitempty"`
	Counter   uint64 `cbor:"5,keyasint,omitempty"`
}

// MessageEvent records an accessory-protocol HTTP exchange.
type MessageEvent struct {
	Type        MessageType `cbor:"1,keyasint"`
	Method      string      `cbor:"2,keyasint,omitempty"`
	Path        string      `cbor:"3,keyasint,omitempty"`
	Status      int         `cbor:"4,keyasint,omitempty"`
	ContentType string      `cbor:"5,keyasint,omitempty"`
	BodySize    int         `cbor:"6,keyasint,omitempty"`

	// Body is kept for JSON payloads only; TLV8 pairing bodies carry key
	// material and are never recorded.
	Body []byte `cbor:"7,keyasint,omitempty"`

	// ProcessingTime is set on responses.
	ProcessingTime *time.Duration `cbor:"9,keyasint,omitempty"`
}

// MessageType distinguishes requests, responses and unsolicited events.
type MessageType uint8

const (
	MessageTypeRequest  MessageType = 0
	MessageTypeResponse MessageType = 1
	MessageTypeEvent    MessageType = 2
)

func (m MessageType) String() string {
	switch m {
	case MessageTypeRequest:
		return "REQUEST"
	case MessageTypeResponse:
		return "RESPONSE"
	case MessageTypeEvent:
		return "EVENT"
	default:
		return "UNKNOWN"
	}
}

// StateChangeEvent records a lifecycle transition.
type StateChangeEvent struct {
	Entity   StateEntity `cbor:"1,keyasint"`
	OldState string      `cbor:"2,keyasint,omitempty"`
	NewState string      `cbor:"3,keyasint"`
	Reason   string      `cbor:"4,keyasint,omitempty"`
}

// StateEntity names what changed state.
type StateEntity uint8

const (
	StateEntityConnection StateEntity = 0
	StateEntitySession    StateEntity = 1
	StateEntityPairing    StateEntity = 2
	StateEntityPin        StateEntity = 3
)

func (s StateEntity) String() string {
	switch s {
	case StateEntityConnection:
		return "CONNECTION"
	case StateEntitySession:
		return "SESSION"
	case StateEntityPairing:
		return "PAIRING"
	case StateEntityPin:
		return "PIN"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData records a failure at any layer.
type ErrorEventData struct {
	Layer   Layer  `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`
	Code    *int   `cbor:"3,keyasint,omitempty"`
	Context string `cbor:"4,keyasint,omitempty"`
}

// MaxFrameData caps FrameEvent.Data.
const MaxFrameData = 256

// NewFrameEvent copies at most MaxFrameData bytes of data.
func NewFrameEvent(data []byte, encrypted bool, counter uint64) *FrameEvent {
	fe := &FrameEvent{Size: len(data), Encrypted: encrypted, Counter: counter}
	if len(data) > MaxFrameData {
		fe.Data = append([]byte(nil), data[:MaxFrameData]...)
		fe.Truncated = true
	} else {
		fe.Data = append([]byte(nil), data...)
	}
	return fe
}
