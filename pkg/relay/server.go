// Package relay implements the middle-hop onion routing node: it accepts
// tunnels from consumers and other relays, telescopes circuits one hop at
// a time, and forwards data-plane onions along the chain until they reach
// an exit, where it bridges to a raw TCP destination.
package relay

import (
	"bufio"
	"bytes"
	"net"

	"github.com/tomrsae/ronion/internal/logging"
	"github.com/tomrsae/ronion/internal/metrics"
	"github.com/tomrsae/ronion/internal/ratelimit"
	"github.com/tomrsae/ronion/pkg/onion"
	"github.com/tomrsae/ronion/pkg/tunnel"
)

// Node serves the relay protocol over a TCP listener and keeps its
// registration with the index node current.
type Node struct {
	ctx     *Context
	log     *logging.Logger
	metrics *metrics.PrometheusMetrics
	limiter *ratelimit.Limiter

	listenPort uint16
	indexAddr  string
	indexKey   [32]byte
}

// NewNode builds a relay node ready to Serve. listenPort is advertised to
// the index in RelayPingRequest; it must match the port ln is bound to.
// limiter may be nil to disable per-address rate limiting of inbound
// tunnel handshakes.
func NewNode(identity *onion.ServerCrypto, listenPort uint16, indexAddr string, indexKey [32]byte, log *logging.Logger, m *metrics.PrometheusMetrics, limiter *ratelimit.Limiter) *Node {
	return &Node{
		ctx:        NewContext(identity),
		log:        log.WithComponent("relay"),
		metrics:    m,
		limiter:    limiter,
		listenPort: listenPort,
		indexAddr:  indexAddr,
		indexKey:   indexKey,
	}
}

// Register announces this relay to the index node and caches the relay
// list the index hands back so later circuit extensions can look up a
// hop's address and signing key by id.
func (n *Node) Register() error {
	conn, err := net.Dial("tcp", n.indexAddr)
	if err != nil {
		return onion.ErrTransportClosed
	}
	defer conn.Close()

	secret, err := onion.NewClientSecret()
	if err != nil {
		return err
	}
	tun, _, err := tunnel.Connect(conn, onion.ClientRelay, secret, n.indexKey)
	if err != nil {
		return err
	}

	req := &onion.Onion{
		Target: onion.CurrentTarget(),
		Message: onion.RelayPingRequest{
			ListenPort:    n.listenPort,
			SigningPublic: n.ctx.identity.SigningPublic(),
		},
	}
	if err := tun.Send(req); err != nil {
		return err
	}
	resp, err := tun.Recv()
	if err != nil {
		return err
	}
	if _, ok := resp.Message.(onion.RelayPingResponse); !ok {
		return onion.ErrProtocolViolation
	}

	return n.refreshIndexed()
}

// refreshIndexed fetches the current relay list from the index and caches
// it for circuit-extension address lookups.
func (n *Node) refreshIndexed() error {
	relays, err := fetchRelays(n.indexAddr, n.indexKey)
	if err != nil {
		return err
	}
	n.ctx.setIndexed(relays)
	return nil
}

func fetchRelays(indexAddr string, indexKey [32]byte) ([]onion.Relay, error) {
	conn, err := net.Dial("tcp", indexAddr)
	if err != nil {
		return nil, onion.ErrTransportClosed
	}
	defer conn.Close()

	secret, err := onion.NewClientSecret()
	if err != nil {
		return nil, err
	}
	tun, _, err := tunnel.Connect(conn, onion.ClientRelay, secret, indexKey)
	if err != nil {
		return nil, err
	}
	if err := tun.Send(&onion.Onion{Target: onion.CurrentTarget(), Message: onion.GetRelaysRequest{}}); err != nil {
		return nil, err
	}
	resp, err := tun.Recv()
	if err != nil {
		return nil, err
	}
	grr, ok := resp.Message.(onion.GetRelaysResponse)
	if !ok {
		return nil, onion.ErrProtocolViolation
	}
	return grr.Relays, nil
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

// handleConn runs the accept-side transport handshake for one incoming
// tunnel. A consumer's tunnel carries exactly one circuit, established
// immediately (its reverse id is stamped on the handshake's own
// HelloResponse). A relay's tunnel is dialled fresh per circuit segment
// by the upstream relay extending a circuit, so its circuit is only
// established once the onion-layer HelloRequest that is always the first
// frame on it arrives.
func (n *Node) handleConn(conn net.Conn) {
	peelAddr := conn.RemoteAddr().String()

	if n.limiter != nil {
		if host, _, err := net.SplitHostPort(peelAddr); err == nil && !n.limiter.Allow(host) {
			if n.metrics != nil {
				n.metrics.RateLimitHits.Inc()
				n.metrics.BannedIPs.Set(float64(n.limiter.Stats().BannedIPs))
			}
			conn.Close()
			return
		}
	}

	circuitID := n.ctx.allocID()

	tun, hello, err := tunnel.Accept(conn, n.ctx.identity, &circuitID)
	if err != nil {
		conn.Close()
		n.ctx.freeID(circuitID)
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

	log := n.log.WithTunnel(peelAddr)

	if hello.ClientType == onion.ClientRelay {
		n.ctx.freeID(circuitID)
		n.relayAcceptLoop(tun, log)
		return
	}

	circuit := &Circuit{ReverseID: circuitID, PeelTunnel: tun, Cipher: tun.Cipher()}
	n.ctx.storeCircuit(circuit)
	log = log.WithCircuit(circuitID)
	if n.metrics != nil {
		n.metrics.CircuitsCreated.Inc()
		n.metrics.ActiveCircuits.Inc()
	}
	defer n.teardownCircuit(circuit)

	n.peelLoop(circuit, log)
}

// relayAcceptLoop handles a tunnel another relay dialled to extend a
// circuit through this node. The first frame is always the onion-layer
// HelloRequest that establishes the circuit; everything after runs
// through the same peelLoop a consumer's tunnel uses.
func (n *Node) relayAcceptLoop(tun *tunnel.Tunnel, log *logging.Logger) {
	o, err := tun.Recv()
	if err != nil {
		log.Debug().Err(err).Msg("relay tunnel closed before establishing a circuit")
		tun.Close()
		return
	}
	hello, ok := o.Message.(onion.HelloRequest)
	if o.Target.Kind != onion.TargetCurrent || !ok {
		log.Debug().Msg("first frame on relay tunnel was not a circuit-establishing HelloRequest")
		tun.Close()
		return
	}

	circuit, err := n.establishCircuit(tun, hello)
	if err != nil {
		log.Debug().Err(err).Msg("establish circuit failed")
		tun.Close()
		return
	}
	log = log.WithCircuit(circuit.ReverseID)
	if n.metrics != nil {
		n.metrics.CircuitsCreated.Inc()
		n.metrics.ActiveCircuits.Inc()
	}
	defer n.teardownCircuit(circuit)

	n.peelLoop(circuit, log)
}

// establishCircuit derives the circuit cipher from hello, mints a fresh
// reverse id, and replies over tun with that id, per the rule that a
// HelloResponse always carries the responder's own freshly allocated id.
func (n *Node) establishCircuit(tun *tunnel.Tunnel, hello onion.HelloRequest) (*Circuit, error) {
	secret, err := n.ctx.identity.GenSecret()
	if err != nil {
		return nil, err
	}
	cipher, err := secret.SymmetricCipher(hello.PublicKey)
	if err != nil {
		return nil, err
	}

	newID := n.ctx.allocID()
	circuit := &Circuit{ReverseID: newID, PeelTunnel: tun, Cipher: cipher}
	n.ctx.storeCircuit(circuit)

	if err := tun.Send(&onion.Onion{
		Target:    onion.CurrentTarget(),
		CircuitID: onion.WithCircuitID(newID),
		Message:   onion.HelloResponse{SignedPublicKey: secret.PublicKey()},
	}); err != nil {
		n.ctx.teardown(circuit)
		return nil, err
	}
	return circuit, nil
}

// teardownCircuit releases a circuit's id and closes whatever it opened
// downstream of it: its layer tunnel to the next hop, or its exit socket.
func (n *Node) teardownCircuit(c *Circuit) {
	n.ctx.teardown(c)
	if c.LayerTunnel != nil {
		c.LayerTunnel.Close()
	}
	if c.Exit != nil {
		c.Exit.conn.Close()
	}
	if n.metrics != nil {
		n.metrics.ActiveCircuits.Dec()
		n.metrics.CircuitsClosed.Inc()
	}
}

// peelLoop is the reader goroutine for one circuit's peel tunnel: every
// onion arriving here is addressed either to a further relay (telescoping
// the circuit one more hop) or to Current (a Payload this relay must peel
// and forward onward, toward either the next hop or an exit socket).
func (n *Node) peelLoop(c *Circuit, log *logging.Logger) {
	defer c.PeelTunnel.Close()

	for {
		o, err := c.PeelTunnel.Recv()
		if err != nil {
			log.Debug().Err(err).Msg("peel tunnel closed")
			return
		}

		switch o.Target.Kind {
		case onion.TargetRelay:
			hello, ok := o.Message.(onion.HelloRequest)
			if !ok {
				n.sendClose(c.PeelTunnel, log, "unexpected message addressed to relay")
				return
			}
			if err := n.extendCircuit(c, o.Target.RelayID, hello, log); err != nil {
				log.Debug().Err(err).Msg("extend circuit failed")
				n.sendClose(c.PeelTunnel, log, "extension failed")
				return
			}

		case onion.TargetCurrent:
			p, ok := o.Message.(onion.Payload)
			if !ok {
				n.sendClose(c.PeelTunnel, log, "unexpected message on peel tunnel")
				continue
			}
			if err := n.handlePeelPayload(c, p, log); err != nil {
				log.Debug().Err(err).Msg("peel payload failed")
				return
			}

		default:
			n.sendClose(c.PeelTunnel, log, "invalid target")
		}
	}
}

// extendCircuit telescopes c one hop further, to relayID: it dials a
// fresh tunnel dedicated to this circuit segment, forwards hello, and
// blocks for the single HelloResponse that tunnel will ever carry before
// replying to our own peel side. Once established, a background
// downstreamLoop takes over reading any further traffic on it.
func (n *Node) extendCircuit(c *Circuit, relayID uint32, hello onion.HelloRequest, log *logging.Logger) error {
	next, ok := n.ctx.findIndexed(relayID)
	if !ok {
		return onion.ErrUnknownRelay
	}

	conn, err := net.Dial("tcp", next.Addr.String())
	if err != nil {
		return onion.ErrTransportClosed
	}
	secret, err := onion.NewClientSecret()
	if err != nil {
		conn.Close()
		return err
	}
	layerTun, _, err := tunnel.Connect(conn, onion.ClientRelay, secret, next.PubKey)
	if err != nil {
		conn.Close()
		return err
	}
	c.LayerTunnel = layerTun

	if err := layerTun.Send(&onion.Onion{Target: onion.CurrentTarget(), Message: hello}); err != nil {
		return err
	}
	resp, err := layerTun.Recv()
	if err != nil {
		return err
	}
	hr, ok := resp.Message.(onion.HelloResponse)
	if !ok {
		return onion.ErrProtocolViolation
	}

	if err := c.PeelTunnel.Send(&onion.Onion{
		Target:  onion.CurrentTarget(),
		Message: onion.HelloResponse{SignedPublicKey: hr.SignedPublicKey},
	}); err != nil {
		return err
	}

	go n.downstreamLoop(c, n.log.WithTunnel(layerTun.RemoteAddr()))
	return nil
}

// downstreamLoop drains data-plane replies arriving on a circuit's layer
// tunnel, re-layering each with the circuit's own cipher before handing
// it back to the peel side. One goroutine per extended circuit, started
// once extendCircuit's synchronous handshake read completes, mirrors the
// dedicated per-outbound-connection reader goroutine a production relay
// runs for its peer links.
func (n *Node) downstreamLoop(c *Circuit, log *logging.Logger) {
	for {
		o, err := c.LayerTunnel.Recv()
		if err != nil {
			log.Debug().Err(err).Msg("layer tunnel closed")
			return
		}
		p, ok := o.Message.(onion.Payload)
		if !ok {
			log.Debug().Msg("unexpected message on layer tunnel")
			continue
		}
		ct, err := c.Cipher.Encrypt(p.Bytes)
		if err != nil {
			log.Debug().Err(err).Msg("re-layer reply failed")
			return
		}
		if n.metrics != nil {
			n.metrics.BytesLayered.Add(float64(len(p.Bytes)))
		}
		if err := c.PeelTunnel.Send(&onion.Onion{
			Target:  onion.CurrentTarget(),
			Message: onion.Payload{Bytes: ct},
		}); err != nil {
			log.Debug().Err(err).Msg("send reply to peel side failed")
			return
		}
	}
}

// handlePeelPayload handles a data-plane Payload arriving from the peel
// side: peel one layer with this circuit's cipher, then route the inner
// onion either further into the network or out to the exit destination.
func (n *Node) handlePeelPayload(c *Circuit, p onion.Payload, log *logging.Logger) error {
	plaintext, err := c.Cipher.Decrypt(p.Bytes)
	if err != nil {
		return onion.ErrCryptoFailure
	}
	if n.metrics != nil {
		n.metrics.BytesPeeled.Add(float64(len(plaintext)))
		n.metrics.OnionsRelayed.Inc()
	}

	inner, err := onion.DecodeOnion(bufio.NewReader(bytes.NewReader(plaintext)))
	if err != nil {
		return err
	}

	switch inner.Target.Kind {
	case onion.TargetRelay:
		if hello, ok := inner.Message.(onion.HelloRequest); ok {
			// A nested extension: the consumer is telescoping past a
			// hop beyond this one, and this Payload was just this
			// relay's own wrapping of that deeper HelloRequest.
			return n.extendCircuit(c, inner.Target.RelayID, hello, log)
		}
		if c.LayerTunnel == nil {
			return onion.ErrProtocolViolation
		}
		return c.LayerTunnel.Send(inner)

	case onion.TargetIP:
		return n.sendToExit(c, inner, log)

	default:
		return onion.ErrProtocolViolation
	}
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
