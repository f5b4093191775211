package relay

import (
	"net"
	"sync"

	"github.com/tomrsae/ronion/pkg/idalloc"
	"github.com/tomrsae/ronion/pkg/onion"
	"github.com/tomrsae/ronion/pkg/tunnel"
)

// exitConn is the raw TCP connection a circuit's exit hop holds open to
// the final destination, plus the reader goroutine draining its replies.
type exitConn struct {
	conn    net.Conn
	started bool
}

// Circuit is the per-hop routing state for one end-to-end user circuit,
// as it appears at a single relay. ReverseID is this relay's own id for
// the circuit, handed to whichever peer is closer to the consumer and
// addressed on PeelTunnel. LayerTunnel, when non-nil, is a dedicated
// tunnel dialled to the next hop purely for this circuit segment — one
// relay-to-relay tunnel per circuit, mirroring how a consumer holds one
// tunnel per entry hop, so replies never need a separate id to route:
// the tunnel itself identifies the circuit.
type Circuit struct {
	ReverseID   uint32
	Cipher      *onion.AEADCipher
	PeelTunnel  *tunnel.Tunnel
	LayerTunnel *tunnel.Tunnel
	Exit        *exitConn
}

// Context is the single shared, mutex-guarded region of state for one
// relay node: its circuit table, and the last relay list it fetched from
// the index. All mutation happens under mu; I/O never happens while it
// is held.
type Context struct {
	mu sync.Mutex

	circuits map[uint32]*Circuit
	indexed  []onion.Relay

	idAlloc  *idalloc.Allocator
	identity *onion.ServerCrypto
}

// NewContext builds an empty relay context bound to the node's signing
// identity.
func NewContext(identity *onion.ServerCrypto) *Context {
	return &Context{
		circuits: make(map[uint32]*Circuit),
		idAlloc:  idalloc.New(),
		identity: identity,
	}
}

func (c *Context) allocID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idAlloc.Alloc()
}

func (c *Context) freeID(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idAlloc.Free(id)
}

func (c *Context) storeCircuit(circuit *Circuit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.circuits[circuit.ReverseID] = circuit
}

// teardown removes a circuit and returns its id to the allocator. Safe to
// call more than once for the same circuit.
func (c *Context) teardown(circuit *Circuit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.circuits[circuit.ReverseID]; ok {
		delete(c.circuits, circuit.ReverseID)
		c.idAlloc.Free(circuit.ReverseID)
	}
}

func (c *Context) setIndexed(relays []onion.Relay) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.indexed = relays
}

func (c *Context) findIndexed(id uint32) (onion.Relay, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.indexed {
		if r.ID == id {
			return r, true
		}
	}
	return onion.Relay{}, false
}
