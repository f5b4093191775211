package consumer

import (
	"net"

	"github.com/tomrsae/ronion/pkg/onion"
	"github.com/tomrsae/ronion/pkg/tunnel"
)

// DiscoverRelays opens a tunnel to the index at indexAddr, authenticated
// with indexSigningKey, and returns the current candidate relay list.
func DiscoverRelays(indexAddr string, indexSigningKey [32]byte) ([]onion.Relay, error) {
	conn, err := net.Dial("tcp", indexAddr)
	if err != nil {
		return nil, onion.ErrTransportClosed
	}
	defer conn.Close()

	secret, err := onion.NewClientSecret()
	if err != nil {
		return nil, err
	}

	tun, _, err := tunnel.Connect(conn, onion.ClientConsumer, secret, indexSigningKey)
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
