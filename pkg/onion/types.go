package onion

import "net"

// TargetKind discriminates the three addressing modes an Onion's target
// can carry.
type TargetKind uint8

const (
	TargetRelay   TargetKind = iota // addressed to a relay by numeric id
	TargetIP                        // addressed to a raw IP socket (the exit hop's destination)
	TargetCurrent                   // addressed to the immediate receiver of this frame
)

// Target is the routing address carried by every Onion frame.
type Target struct {
	Kind    TargetKind
	RelayID uint32
	IP      net.IP
	Port    uint16
}

// NewRelayTarget builds a Target addressed to a relay by id.
func NewRelayTarget(id uint32) Target {
	return Target{Kind: TargetRelay, RelayID: id}
}

// NewIPTarget builds a Target addressed to a raw IP socket.
func NewIPTarget(ip net.IP, port uint16) Target {
	return Target{Kind: TargetIP, IP: ip, Port: port}
}

// CurrentTarget builds a Target addressed to the immediate receiver.
func CurrentTarget() Target {
	return Target{Kind: TargetCurrent}
}

// MessageTag identifies one of the eight wire message variants.
type MessageTag uint8

const (
	TagHelloRequest MessageTag = iota
	TagHelloResponse
	TagClose
	TagPayload
	TagGetRelaysRequest
	TagGetRelaysResponse
	TagRelayPingRequest
	TagRelayPingResponse
)

// Message is implemented by each of the eight wire message variants.
type Message interface {
	Tag() MessageTag
}

// ClientType distinguishes a consumer's hello from a relay's hello so the
// receiving side knows whether to index the tunnel by address (relay) or
// allocate a fresh forward circuit (consumer).
type ClientType uint8

const (
	ClientRelay ClientType = iota
	ClientConsumer
)

// HelloRequest opens a tunnel handshake with an ephemeral X25519 public key.
type HelloRequest struct {
	ClientType ClientType
	PublicKey  [32]byte
}

func (HelloRequest) Tag() MessageTag { return TagHelloRequest }

// HelloResponse answers a HelloRequest with the responder's signed ephemeral
// public key: 32 bytes of X25519 public key followed by a 64-byte Ed25519
// signature over those bytes.
type HelloResponse struct {
	SignedPublicKey [96]byte
}

func (HelloResponse) Tag() MessageTag { return TagHelloResponse }

// Close tears down a circuit or tunnel, optionally explaining why.
type Close struct {
	Reason    string
	HasReason bool
}

func (Close) Tag() MessageTag { return TagClose }

// Payload carries opaque bytes: an encrypted inner onion at every hop
// except the exit, where it is the final application data.
type Payload struct {
	Bytes []byte
}

func (Payload) Tag() MessageTag { return TagPayload }

// GetRelaysRequest asks the index for its current relay list.
type GetRelaysRequest struct{}

func (GetRelaysRequest) Tag() MessageTag { return TagGetRelaysRequest }

// GetRelaysResponse answers GetRelaysRequest with the current relay list.
type GetRelaysResponse struct {
	Relays []Relay
}

func (GetRelaysResponse) Tag() MessageTag { return TagGetRelaysResponse }

// RelayPingRequest registers a relay with the index.
type RelayPingRequest struct {
	ListenPort    uint16
	SigningPublic [32]byte
}

func (RelayPingRequest) Tag() MessageTag { return TagRelayPingRequest }

// RelayPingResponse acknowledges a successful registration.
type RelayPingResponse struct{}

func (RelayPingResponse) Tag() MessageTag { return TagRelayPingResponse }

// Relay describes one entry in the index's registry.
type Relay struct {
	ID      uint32
	Addr    *net.TCPAddr
	PubKey  [32]byte
}

// Onion is the universal message envelope exchanged between nodes.
type Onion struct {
	Target    Target
	CircuitID *uint32
	Message   Message
}

// WithCircuitID returns a copy of id boxed for Onion.CircuitID.
func WithCircuitID(id uint32) *uint32 {
	v := id
	return &v
}
