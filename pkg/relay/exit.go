package relay

import (
	"io"
	"net"
	"strconv"

	"github.com/tomrsae/ronion/internal/logging"
	"github.com/tomrsae/ronion/pkg/onion"
)

// exitReadSize is the chunk size used when reading destination replies off
// the raw exit socket, one onion Payload per chunk.
const exitReadSize = 4096

// sendToExit writes inner's payload to the circuit's exit destination,
// dialling the raw TCP socket on first use and spawning a dedicated
// goroutine to carry replies back up the circuit as they arrive, rather
// than blocking the peel loop on a request/response exchange.
func (n *Node) sendToExit(c *Circuit, inner *onion.Onion, log *logging.Logger) error {
	p, ok := inner.Message.(onion.Payload)
	if !ok {
		return onion.ErrProtocolViolation
	}

	if c.Exit == nil {
		addr := net.JoinHostPort(inner.Target.IP.String(), strconv.Itoa(int(inner.Target.Port)))
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return onion.ErrTransportClosed
		}
		c.Exit = &exitConn{conn: conn}
		go n.exitReadLoop(c, log.WithTunnel(addr))
	}

	_, err := c.Exit.conn.Write(p.Bytes)
	if err != nil {
		return onion.ErrTransportClosed
	}
	return nil
}

// exitReadLoop drains replies from a circuit's exit destination and
// layers each chunk back through the circuit's own cipher before handing
// it to the peel side.
func (n *Node) exitReadLoop(c *Circuit, log *logging.Logger) {
	buf := make([]byte, exitReadSize)
	for {
		nr, err := c.Exit.conn.Read(buf)
		if nr > 0 {
			ct, cerr := c.Cipher.Encrypt(buf[:nr])
			if cerr != nil {
				log.Debug().Err(cerr).Msg("re-layer exit reply failed")
				return
			}
			if n.metrics != nil {
				n.metrics.BytesLayered.Add(float64(nr))
			}
			if serr := c.PeelTunnel.Send(&onion.Onion{
				Target:  onion.CurrentTarget(),
				Message: onion.Payload{Bytes: ct},
			}); serr != nil {
				log.Debug().Err(serr).Msg("send exit reply to peel side failed")
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Debug().Err(err).Msg("exit socket closed")
			}
			return
		}
	}
}
