// Package consumer implements the entry-side client of the overlay:
// relay discovery, telescoping circuit construction, and the onionizing
// data plane that carries application bytes to an exit IP and back.
package consumer

import (
	"math/rand"
	"net"

	"github.com/tomrsae/ronion/pkg/onion"
)

// Engine is one consumer's view of the network: it knows how to reach
// the index and, once Connect succeeds, owns a single live circuit.
type Engine struct {
	indexAddr       string
	indexSigningKey [32]byte
	circuit         *Circuit
}

// NewEngine builds an Engine bound to one index node.
func NewEngine(indexAddr string, indexSigningKey [32]byte) *Engine {
	return &Engine{indexAddr: indexAddr, indexSigningKey: indexSigningKey}
}

// Connect discovers the current relay set and telescopes a circuit of
// length hops through a randomly chosen subset of it, taken in random
// order (the index's list order is not preserved).
func (e *Engine) Connect(hops int) error {
	relays, err := DiscoverRelays(e.indexAddr, e.indexSigningKey)
	if err != nil {
		return err
	}
	if len(relays) < hops {
		return onion.ErrResourceExhausted
	}

	perm := rand.Perm(len(relays))[:hops]
	selected := make([]onion.Relay, hops)
	for i, idx := range perm {
		selected[i] = relays[idx]
	}

	circuit, err := BuildCircuit(selected)
	if err != nil {
		return err
	}
	e.circuit = circuit
	return nil
}

// SendMessage onionizes bytes through the live circuit to destIP:destPort
// and writes it to the entry tunnel.
func (e *Engine) SendMessage(data []byte, destIP net.IP, destPort uint16) error {
	if e.circuit == nil {
		return onion.ErrProtocolViolation
	}
	c := e.circuit

	targets := make([]onion.Target, len(c.hops))
	targets[0] = onion.NewIPTarget(destIP, destPort)
	for i := 1; i < len(c.hops); i++ {
		targets[i] = onion.NewRelayTarget(c.hops[i].ID)
	}

	ct, err := GrowOnion(targets, c.ciphers, data)
	if err != nil {
		return err
	}

	return c.entryTunnel.Send(&onion.Onion{
		Target:    onion.CurrentTarget(),
		CircuitID: onion.WithCircuitID(c.entryCircID),
		Message:   onion.Payload{Bytes: ct},
	})
}

// RecvMessage reads the next reply from the live circuit and peels it
// back to application bytes.
func (e *Engine) RecvMessage() ([]byte, error) {
	if e.circuit == nil {
		return nil, onion.ErrProtocolViolation
	}
	c := e.circuit

	o, err := c.entryTunnel.Recv()
	if err != nil {
		return nil, err
	}
	p, ok := o.Message.(onion.Payload)
	if !ok {
		return nil, onion.ErrProtocolViolation
	}

	peelCiphers := make([]*onion.AEADCipher, 0, len(c.ciphers)-1)
	for i := len(c.ciphers) - 2; i >= 0; i-- {
		peelCiphers = append(peelCiphers, c.ciphers[i])
	}
	return PeelOnion(p.Bytes, peelCiphers)
}

// Close tears down the live circuit, if any.
func (e *Engine) Close() error {
	if e.circuit == nil {
		return nil
	}
	return e.circuit.Close()
}
