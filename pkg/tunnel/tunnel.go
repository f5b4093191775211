// Package tunnel turns a raw TCP connection into a symmetrically encrypted
// point-to-point channel, as described by the onion handshake.
package tunnel

import (
	"bufio"
	"net"
	"sync"

	"github.com/tomrsae/ronion/pkg/onion"
)

// Tunnel wraps one TCP stream and one fixed AES-256-GCM cipher, derived
// once at handshake time and held for the tunnel's lifetime. The reader and
// writer sides are each guarded by their own mutex so that concurrent
// goroutines may Send and Recv without corrupting framing, mirroring the
// write-lock discipline a production relay uses around its peer
// connections.
type Tunnel struct {
	conn    net.Conn
	cipher  *onion.AEADCipher
	reader  *bufio.Reader
	readMu  sync.Mutex
	writeMu sync.Mutex
}

// Connect dials out over conn, performing the client side of the tunnel
// handshake: send a plaintext HelloRequest carrying our ephemeral public
// key, read back the peer's signed public key, verify it under
// peerSigningKey, and derive the shared AEAD cipher. The returned circuit
// id, if any, is the one the remote side stamped on its HelloResponse
// envelope; nil for index tunnels. A relay stamps an id on every tunnel it
// accepts, but only a Consumer's tunnel keeps using it; on a
// relay-to-relay tunnel the accepting relay releases that id at once.
func Connect(conn net.Conn, clientType onion.ClientType, secret *onion.ClientSecret, peerSigningKey [32]byte) (*Tunnel, *uint32, error) {
	hello := &onion.Onion{
		Target: onion.CurrentTarget(),
		Message: onion.HelloRequest{
			ClientType: clientType,
			PublicKey:  secret.PublicKey(),
		},
	}
	if err := onion.EncodeOnion(conn, hello); err != nil {
		return nil, nil, onion.ErrTransportClosed
	}

	reader := bufio.NewReader(conn)
	resp, err := onion.DecodeOnion(reader)
	if err != nil {
		return nil, nil, err
	}
	hr, ok := resp.Message.(onion.HelloResponse)
	if !ok {
		return nil, nil, onion.ErrProtocolViolation
	}

	cipher, err := secret.SymmetricCipher(hr.SignedPublicKey, peerSigningKey)
	if err != nil {
		return nil, nil, err
	}

	return &Tunnel{conn: conn, cipher: cipher, reader: reader}, resp.CircuitID, nil
}

// Accept runs the server side of the tunnel handshake over an already
// accepted conn: read the peer's plaintext HelloRequest, mint a fresh
// signed ephemeral key, reply with it, and derive the shared AEAD cipher.
// The caller's HelloRequest is returned so it can route on ClientType.
//
// circuitID, when non-nil, is stamped onto the HelloResponse envelope. A
// relay accepting a Consumer tunnel allocates the circuit up front and
// hands its id back this way, so the consumer learns the id it must use
// for every later target=Current frame on this tunnel without a separate
// round trip.
func Accept(conn net.Conn, identity *onion.ServerCrypto, circuitID *uint32) (*Tunnel, onion.HelloRequest, error) {
	reader := bufio.NewReader(conn)
	req, err := onion.DecodeOnion(reader)
	if err != nil {
		return nil, onion.HelloRequest{}, err
	}
	hr, ok := req.Message.(onion.HelloRequest)
	if !ok {
		return nil, onion.HelloRequest{}, onion.ErrProtocolViolation
	}

	secret, err := identity.GenSecret()
	if err != nil {
		return nil, onion.HelloRequest{}, err
	}

	resp := &onion.Onion{
		Target:    onion.CurrentTarget(),
		CircuitID: circuitID,
		Message:   onion.HelloResponse{SignedPublicKey: secret.PublicKey()},
	}
	if err := onion.EncodeOnion(conn, resp); err != nil {
		return nil, onion.HelloRequest{}, onion.ErrTransportClosed
	}

	cipher, err := secret.SymmetricCipher(hr.PublicKey)
	if err != nil {
		return nil, onion.HelloRequest{}, err
	}

	return &Tunnel{conn: conn, cipher: cipher, reader: reader}, hr, nil
}

// Send encrypts and writes one onion frame. Safe for concurrent use with
// Recv and with other goroutines calling Send.
func (t *Tunnel) Send(o *onion.Onion) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := onion.WriteEncryptedOnion(t.conn, o, t.cipher); err != nil {
		return err
	}
	return nil
}

// Recv reads and decrypts the next onion frame. Intended to be called from
// a single owning goroutine per tunnel; the mutex guards against accidental
// concurrent reads rather than enabling them.
func (t *Tunnel) Recv() (*onion.Onion, error) {
	t.readMu.Lock()
	defer t.readMu.Unlock()
	return onion.ReadEncryptedOnion(t.reader, t.cipher)
}

// Cipher returns the tunnel's fixed AEAD cipher. The entry hop of a
// consumer's circuit has no separately negotiated circuit cipher of its
// own — the tunnel's wire cipher serves that role directly.
func (t *Tunnel) Cipher() *onion.AEADCipher {
	return t.cipher
}

// RemoteAddr returns the peer's socket address.
func (t *Tunnel) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// Close tears down the underlying TCP stream.
func (t *Tunnel) Close() error {
	return t.conn.Close()
}
