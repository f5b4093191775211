// Package socks implements a minimal SOCKS5 CONNECT-only listener bridging
// local application bytes into a consumer engine's onion circuit.
package socks

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/tomrsae/ronion/internal/logging"
	"github.com/tomrsae/ronion/pkg/consumer"
)

const bufSize = 4096

// Server is a SOCKS5 CONNECT-only proxy that relays bytes through one
// consumer.Engine's live circuit. The engine multiplexes by destination
// per Payload rather than by stream, so only one CONNECT stream bridges
// through the circuit at a time; streamMu serializes them for the
// stream's lifetime rather than interleaving their replies.
type Server struct {
	engine *consumer.Engine
	log    *logging.Logger

	streamMu sync.Mutex
}

// NewServer builds a SOCKS5 front-end bound to engine, which must already
// have a live circuit (see consumer.Engine.Connect).
func NewServer(engine *consumer.Engine, log *logging.Logger) *Server {
	return &Server{engine: engine, log: log.WithComponent("socks")}
}

// Serve accepts connections on ln until it is closed, dispatching each to
// its own goroutine.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	if err := doHandshake(conn); err != nil {
		s.log.Debug().Err(err).Msg("SOCKS5 handshake failed")
		return
	}

	destIP, destPort, err := readConnect(conn)
	if err != nil {
		s.log.Debug().Err(err).Msg("SOCKS5 CONNECT request failed")
		return
	}
	log := s.log.WithTunnel(fmt.Sprintf("%s:%d", destIP, destPort))

	s.streamMu.Lock()
	defer s.streamMu.Unlock()

	sendReply(conn, 0x00)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		s.pumpToCircuit(conn, destIP, destPort, log)
	}()
	go func() {
		defer wg.Done()
		s.pumpFromCircuit(conn, log)
	}()
	wg.Wait()
}

func (s *Server) pumpToCircuit(conn net.Conn, destIP net.IP, destPort uint16, log *logging.Logger) {
	buf := make([]byte, bufSize)
	for {
		nr, err := conn.Read(buf)
		if nr > 0 {
			if serr := s.engine.SendMessage(buf[:nr], destIP, destPort); serr != nil {
				log.Debug().Err(serr).Msg("circuit send failed")
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) pumpFromCircuit(conn net.Conn, log *logging.Logger) {
	for {
		data, err := s.engine.RecvMessage()
		if err != nil {
			log.Debug().Err(err).Msg("circuit recv failed")
			return
		}
		if _, werr := conn.Write(data); werr != nil {
			return
		}
	}
}

func doHandshake(conn net.Conn) error {
	var buf [258]byte
	if _, err := io.ReadFull(conn, buf[:2]); err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if buf[0] != 0x05 {
		return fmt.Errorf("unsupported SOCKS version: %d", buf[0])
	}
	nMethods := int(buf[1])
	if nMethods == 0 {
		return fmt.Errorf("no methods offered")
	}
	if _, err := io.ReadFull(conn, buf[:nMethods]); err != nil {
		return fmt.Errorf("read methods: %w", err)
	}

	found := false
	for i := 0; i < nMethods; i++ {
		if buf[i] == 0x00 {
			found = true
			break
		}
	}
	if !found {
		conn.Write([]byte{0x05, 0xFF})
		return fmt.Errorf("client does not offer no-auth method")
	}

	_, err := conn.Write([]byte{0x05, 0x00})
	return err
}

func readConnect(conn net.Conn) (net.IP, uint16, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, 0, fmt.Errorf("read request header: %w", err)
	}
	if hdr[0] != 0x05 {
		return nil, 0, fmt.Errorf("bad version: %d", hdr[0])
	}
	if hdr[1] != 0x01 {
		sendReply(conn, 0x07)
		return nil, 0, fmt.Errorf("unsupported command: %d", hdr[1])
	}

	var ip net.IP
	switch hdr[3] {
	case 0x01: // IPv4
		var addr [4]byte
		if _, err := io.ReadFull(conn, addr[:]); err != nil {
			return nil, 0, err
		}
		ip = net.IP(addr[:])
	case 0x03: // domain name: resolve, since the exit hop speaks raw IP only
		var lenBuf [1]byte
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return nil, 0, err
		}
		domain := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(conn, domain); err != nil {
			return nil, 0, err
		}
		addrs, err := net.LookupIP(string(domain))
		if err != nil || len(addrs) == 0 {
			sendReply(conn, 0x04)
			return nil, 0, fmt.Errorf("resolve %s: %w", domain, err)
		}
		ip = addrs[0]
	case 0x04: // IPv6
		sendReply(conn, 0x08)
		return nil, 0, fmt.Errorf("IPv6 not supported")
	default:
		return nil, 0, fmt.Errorf("unknown address type: %d", hdr[3])
	}

	var portBuf [2]byte
	if _, err := io.ReadFull(conn, portBuf[:]); err != nil {
		return nil, 0, err
	}
	port := binary.BigEndian.Uint16(portBuf[:])

	return ip, port, nil
}

func sendReply(conn net.Conn, rep byte) {
	reply := []byte{0x05, rep, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	conn.Write(reply)
}
