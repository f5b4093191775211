// Package index implements the registry node relays announce themselves to
// and consumers query to discover circuit candidates.
package index

import (
	"net"
	"sync"

	"github.com/tomrsae/ronion/internal/logging"
	"github.com/tomrsae/ronion/internal/metrics"
	"github.com/tomrsae/ronion/internal/ratelimit"
	"github.com/tomrsae/ronion/pkg/idalloc"
	"github.com/tomrsae/ronion/pkg/onion"
	"github.com/tomrsae/ronion/pkg/tunnel"
)

// Context is the single shared, mutex-guarded region of state for one
// index node: its relay registry and id allocator. All mutation happens
// under mu; I/O never happens while it is held.
type Context struct {
	mu       sync.Mutex
	relays   map[string]onion.Relay // keyed by "ip:port"
	idAlloc  *idalloc.Allocator
	identity *onion.ServerCrypto
}

// NewContext builds an empty registry bound to the node's signing identity.
func NewContext(identity *onion.ServerCrypto) *Context {
	return &Context{
		relays:   make(map[string]onion.Relay),
		idAlloc:  idalloc.New(),
		identity: identity,
	}
}

// register inserts a relay if its address is not already present; an
// address that is already registered is left unchanged.
func (c *Context) register(addr *net.TCPAddr, signingPublic [32]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := addr.String()
	if _, exists := c.relays[key]; exists {
		return
	}
	c.relays[key] = onion.Relay{
		ID:     c.idAlloc.Alloc(),
		Addr:   addr,
		PubKey: signingPublic,
	}
}

func (c *Context) list() []onion.Relay {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]onion.Relay, 0, len(c.relays))
	for _, r := range c.relays {
		out = append(out, r)
	}
	return out
}

// Node serves the index protocol over a TCP listener.
type Node struct {
	ctx     *Context
	log     *logging.Logger
	metrics *metrics.PrometheusMetrics
	limiter *ratelimit.Limiter
}

// NewNode builds an index node ready to Serve. limiter may be nil to
// disable per-address rate limiting of inbound connections; when set, it
// is checked once per accepted connection, before the tunnel handshake.
func NewNode(identity *onion.ServerCrypto, log *logging.Logger, m *metrics.PrometheusMetrics, limiter *ratelimit.Limiter) *Node {
	return &Node{
		ctx:     NewContext(identity),
		log:     log.WithComponent("index"),
		metrics: m,
		limiter: limiter,
	}
}

// Serve accepts tunnels on ln until it is closed, dispatching each to its
// own goroutine.
func (n *Node) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go n.handleConn(conn)
	}
}

func (n *Node) handleConn(conn net.Conn) {
	defer conn.Close()

	if n.limiter != nil {
		ip := hostOf(conn.RemoteAddr())
		if !n.limiter.Allow(ip) {
			if n.metrics != nil {
				if n.limiter.IsBanned(ip) {
					n.metrics.BannedIPs.Set(float64(n.limiter.Stats().BannedIPs))
				}
				n.metrics.RateLimitHits.Inc()
			}
			return
		}
	}

	tun, _, err := tunnel.Accept(conn, n.ctx.identity, nil)
	if err != nil {
		n.log.Debug().Err(err).Msg("handshake failed")
		if n.metrics != nil {
			n.metrics.HandshakeFailures.Inc()
		}
		return
	}
	if n.metrics != nil {
		n.metrics.TunnelsTotal.Inc()
		n.metrics.ActiveTunnels.Inc()
		defer n.metrics.ActiveTunnels.Dec()
	}

	log := n.log.WithTunnel(tun.RemoteAddr())
	remoteTCPAddr, _ := conn.RemoteAddr().(*net.TCPAddr)

	for {
		o, err := tun.Recv()
		if err != nil {
			log.Debug().Err(err).Msg("tunnel closed")
			return
		}

		switch msg := o.Message.(type) {
		case onion.GetRelaysRequest:
			relays := n.ctx.list()
			if n.metrics != nil {
				n.metrics.RegisteredRelays.Set(float64(len(relays)))
			}
			resp := &onion.Onion{
				Target:  onion.CurrentTarget(),
				Message: onion.GetRelaysResponse{Relays: n.ctx.list()},
			}
			if err := tun.Send(resp); err != nil {
				log.Debug().Err(err).Msg("send GetRelaysResponse failed")
				return
			}

		case onion.RelayPingRequest:
			if n.metrics != nil {
				n.metrics.PingsReceived.Inc()
			}
			if remoteTCPAddr == nil {
				n.sendClose(tun, log, "cannot observe peer address")
				continue
			}
			addr := &net.TCPAddr{IP: remoteTCPAddr.IP, Port: int(msg.ListenPort)}
			n.ctx.register(addr, msg.SigningPublic)
			if n.metrics != nil {
				n.metrics.RegisteredRelays.Set(float64(len(n.ctx.list())))
			}
			resp := &onion.Onion{Target: onion.CurrentTarget(), Message: onion.RelayPingResponse{}}
			if err := tun.Send(resp); err != nil {
				log.Debug().Err(err).Msg("send RelayPingResponse failed")
				return
			}

		default:
			n.sendClose(tun, log, "Invalid request")
		}
	}
}

// hostOf strips the port off a net.Addr so rate limiting keys on the
// peer's address, not its ephemeral source port.
func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func (n *Node) sendClose(tun *tunnel.Tunnel, log *logging.Logger, reason string) {
	resp := &onion.Onion{
		Target:  onion.CurrentTarget(),
		Message: onion.Close{Reason: reason, HasReason: true},
	}
	if err := tun.Send(resp); err != nil {
		log.Debug().Err(err).Msg("send Close failed")
	}
}
