package consumer

import (
	"bytes"
	"net"

	"github.com/tomrsae/ronion/pkg/onion"
	"github.com/tomrsae/ronion/pkg/tunnel"
)

// Circuit is a consumer's end of a telescoped path through a sequence of
// relays. hops[0] is the exit, hops[len-1] the entry: the node the
// consumer holds a direct TCP tunnel to. ciphers is aligned the same
// way, one AEAD cipher per hop, derived during construction and never
// rotated — a rekey means building a new circuit. The entry's cipher is
// simply its tunnel's wire cipher; only hops[0..len-2] have a cipher
// negotiated over an extension HelloRequest sent through the entry tunnel
// (bare for hops[len-2], Payload-wrapped for deeper hops).
type Circuit struct {
	hops        []onion.Relay
	ciphers     []*onion.AEADCipher
	entryTunnel *tunnel.Tunnel
	entryCircID uint32
}

// BuildCircuit telescopes a circuit through relays, which must be ordered
// exit-first, entry-last, exactly as stored on Circuit.
func BuildCircuit(relays []onion.Relay) (*Circuit, error) {
	if len(relays) == 0 {
		return nil, onion.ErrProtocolViolation
	}

	entry := relays[len(relays)-1]
	conn, err := net.Dial("tcp", entry.Addr.String())
	if err != nil {
		return nil, onion.ErrTransportClosed
	}

	entrySecret, err := onion.NewClientSecret()
	if err != nil {
		conn.Close()
		return nil, err
	}
	entryTun, circuitID, err := tunnel.Connect(conn, onion.ClientConsumer, entrySecret, entry.PubKey)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if circuitID == nil {
		entryTun.Close()
		return nil, onion.ErrProtocolViolation
	}

	c := &Circuit{
		hops:        []onion.Relay{entry},
		ciphers:     []*onion.AEADCipher{entryTun.Cipher()},
		entryTunnel: entryTun,
		entryCircID: *circuitID,
	}

	for i := len(relays) - 2; i >= 0; i-- {
		if err := c.extend(relays[i]); err != nil {
			entryTun.Close()
			return nil, err
		}
	}

	return c, nil
}

// extend performs one telescoping step: it adds newHop just past the
// deepest hop established so far. c.hops/c.ciphers are kept ordered
// entry-last throughout, so the most recently established (and thus
// closest-to-new-hop) entry is c.hops[0].
func (c *Circuit) extend(newHop onion.Relay) error {
	secret, err := onion.NewClientSecret()
	if err != nil {
		return err
	}

	inner := &onion.Onion{
		Target: onion.NewRelayTarget(newHop.ID),
		Message: onion.HelloRequest{
			ClientType: onion.ClientConsumer,
			PublicKey:  secret.PublicKey(),
		},
	}

	// Wrap through every already-established hop except the entry
	// itself (the entry's layer is the tunnel's own wire encryption),
	// innermost-first: the hop closest to newHop peels first.
	out := inner
	for i := 0; i < len(c.hops)-1; i++ {
		hop := c.hops[i]
		cipher := c.ciphers[i]
		var buf bytes.Buffer
		if err := onion.EncodeOnion(&buf, out); err != nil {
			return err
		}
		ct, err := cipher.Encrypt(buf.Bytes())
		if err != nil {
			return err
		}
		out = &onion.Onion{Target: onion.NewRelayTarget(hop.ID), Message: onion.Payload{Bytes: ct}}
	}

	if err := c.entryTunnel.Send(out); err != nil {
		return err
	}

	resp, err := c.entryTunnel.Recv()
	if err != nil {
		return err
	}
	hr, ok := resp.Message.(onion.HelloResponse)
	if !ok {
		return onion.ErrProtocolViolation
	}

	cipher, err := secret.SymmetricCipher(hr.SignedPublicKey, newHop.PubKey)
	if err != nil {
		return err
	}

	c.hops = append([]onion.Relay{newHop}, c.hops...)
	c.ciphers = append([]*onion.AEADCipher{cipher}, c.ciphers...)
	return nil
}

// Close tears down the entry tunnel, which collapses every hop's circuit
// state along the chain once each relay notices the dead connection.
func (c *Circuit) Close() error {
	return c.entryTunnel.Close()
}
