package onion

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"net"
)

// Wire layout (spec §4.1):
//
//	header byte: [msgt:3][reserved:1][cip:1][opt1:1][tgt:2]   (bit 7 .. bit 0)
//	target     : tgt=0 -> varint RelayID
//	             tgt=1 -> 4B IPv4 (opt1=0) or 16B IPv6 (opt1=1), then 2B port (big-endian)
//	             tgt=2 -> empty (Current)
//	circuit_id : cip=1 -> varint u32; cip=0 -> absent
//	msg_len    : varint
//	msg_body   : msg_len bytes, interpreted per msgt
//
// The reserved bit is always written as zero and ignored on read.

// EncodeOnion writes the plaintext wire framing of o to w.
func EncodeOnion(w io.Writer, o *Onion) error {
	msgt := byte(o.Message.Tag())

	var cip byte
	if o.CircuitID != nil {
		cip = 1
	}

	var opt1 byte
	var tgt byte
	var targetBytes []byte
	switch o.Target.Kind {
	case TargetRelay:
		tgt = 0
		targetBytes = AppendVarint(nil, o.Target.RelayID)
	case TargetIP:
		tgt = 1
		ip4 := o.Target.IP.To4()
		var addr []byte
		if ip4 != nil {
			opt1 = 0
			addr = ip4
		} else {
			opt1 = 1
			addr = o.Target.IP.To16()
		}
		portBytes := make([]byte, 2)
		binary.BigEndian.PutUint16(portBytes, o.Target.Port)
		targetBytes = append(append([]byte{}, addr...), portBytes...)
	case TargetCurrent:
		tgt = 2
	}

	header := (msgt&0x7)<<5 | (cip&0x1)<<3 | (opt1&0x1)<<2 | (tgt & 0x3)

	body, err := encodeMessageBody(o.Message)
	if err != nil {
		return err
	}

	var out bytes.Buffer
	out.WriteByte(header)
	out.Write(targetBytes)
	if o.CircuitID != nil {
		out.Write(AppendVarint(nil, *o.CircuitID))
	}
	out.Write(AppendVarint(nil, uint32(len(body))))
	out.Write(body)

	_, err = w.Write(out.Bytes())
	return err
}

// DecodeOnion reads one plaintext onion frame from r.
func DecodeOnion(r *bufio.Reader) (*Onion, error) {
	header, err := r.ReadByte()
	if err != nil {
		return nil, ErrTransportClosed
	}

	msgt := MessageTag((header >> 5) & 0x7)
	cip := (header >> 3) & 0x1
	opt1 := (header >> 2) & 0x1
	tgt := header & 0x3

	var target Target
	switch tgt {
	case 0:
		id, err := ReadVarintFrom(r)
		if err != nil {
			return nil, err
		}
		target = NewRelayTarget(id)
	case 1:
		var addr []byte
		if opt1 == 0 {
			addr = make([]byte, 4)
		} else {
			addr = make([]byte, 16)
		}
		if _, err := io.ReadFull(r, addr); err != nil {
			return nil, ErrMalformed
		}
		portBytes := make([]byte, 2)
		if _, err := io.ReadFull(r, portBytes); err != nil {
			return nil, ErrMalformed
		}
		target = NewIPTarget(addr, binary.BigEndian.Uint16(portBytes))
	case 2:
		target = CurrentTarget()
	default:
		return nil, ErrProtocolViolation
	}

	var circuitID *uint32
	if cip == 1 {
		id, err := ReadVarintFrom(r)
		if err != nil {
			return nil, err
		}
		circuitID = WithCircuitID(id)
	}

	msgLen, err := ReadVarintFrom(r)
	if err != nil {
		return nil, err
	}
	body := make([]byte, msgLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, ErrMalformed
	}

	msg, err := decodeMessageBody(msgt, body)
	if err != nil {
		return nil, err
	}

	return &Onion{Target: target, CircuitID: circuitID, Message: msg}, nil
}

func encodeMessageBody(m Message) ([]byte, error) {
	switch v := m.(type) {
	case HelloRequest:
		body := make([]byte, 0, 33)
		var typeByte byte
		if v.ClientType == ClientConsumer {
			typeByte = 0x80
		}
		body = append(body, typeByte)
		body = append(body, v.PublicKey[:]...)
		return body, nil

	case HelloResponse:
		return append([]byte{}, v.SignedPublicKey[:]...), nil

	case Close:
		var body []byte
		if v.HasReason {
			body = append(body, 1)
			body = AppendVarint(body, uint32(len(v.Reason)))
			body = append(body, v.Reason...)
		} else {
			body = append(body, 0)
		}
		return body, nil

	case Payload:
		return v.Bytes, nil

	case GetRelaysRequest:
		return nil, nil

	case GetRelaysResponse:
		var body []byte
		for _, relay := range v.Relays {
			body = append(body, encodeRelay(relay)...)
		}
		return body, nil

	case RelayPingRequest:
		body := make([]byte, 2)
		binary.BigEndian.PutUint16(body, v.ListenPort)
		body = append(body, v.SigningPublic[:]...)
		return body, nil

	case RelayPingResponse:
		return nil, nil
	}
	return nil, ErrProtocolViolation
}

func decodeMessageBody(tag MessageTag, body []byte) (Message, error) {
	switch tag {
	case TagHelloRequest:
		if len(body) != 33 {
			return nil, ErrMalformed
		}
		ct := ClientRelay
		if body[0]&0x80 != 0 {
			ct = ClientConsumer
		}
		var pub [32]byte
		copy(pub[:], body[1:])
		return HelloRequest{ClientType: ct, PublicKey: pub}, nil

	case TagHelloResponse:
		if len(body) != 96 {
			return nil, ErrMalformed
		}
		var signed [96]byte
		copy(signed[:], body)
		return HelloResponse{SignedPublicKey: signed}, nil

	case TagClose:
		if len(body) == 0 {
			return nil, ErrMalformed
		}
		if body[0] == 0 {
			return Close{}, nil
		}
		n, consumed, err := ReadVarint(body[1:])
		if err != nil {
			return nil, err
		}
		start := 1 + consumed
		if uint32(len(body)-start) < n {
			return nil, ErrMalformed
		}
		return Close{Reason: string(body[start : start+int(n)]), HasReason: true}, nil

	case TagPayload:
		return Payload{Bytes: body}, nil

	case TagGetRelaysRequest:
		return GetRelaysRequest{}, nil

	case TagGetRelaysResponse:
		relays, err := decodeRelays(body)
		if err != nil {
			return nil, err
		}
		return GetRelaysResponse{Relays: relays}, nil

	case TagRelayPingRequest:
		if len(body) != 34 {
			return nil, ErrMalformed
		}
		port := binary.BigEndian.Uint16(body[:2])
		var pub [32]byte
		copy(pub[:], body[2:])
		return RelayPingRequest{ListenPort: port, SigningPublic: pub}, nil

	case TagRelayPingResponse:
		return RelayPingResponse{}, nil
	}
	return nil, ErrProtocolViolation
}

// encodeRelay writes one GetRelaysResponse entry: a leading byte whose bit
// 7 is the IP-family flag, the address octets, a big-endian port, the
// signing public key, then a varint id.
func encodeRelay(r Relay) []byte {
	ip4 := r.Addr.IP.To4()
	var familyByte byte
	var addr []byte
	if ip4 != nil {
		familyByte = 0
		addr = ip4
	} else {
		familyByte = 0x80
		addr = r.Addr.IP.To16()
	}

	var out []byte
	out = append(out, familyByte)
	out = append(out, addr...)
	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, uint16(r.Addr.Port))
	out = append(out, portBytes...)
	out = append(out, r.PubKey[:]...)
	out = AppendVarint(out, r.ID)
	return out
}

func decodeRelays(body []byte) ([]Relay, error) {
	var relays []Relay
	i := 0
	for i < len(body) {
		if i >= len(body) {
			return nil, ErrMalformed
		}
		familyByte := body[i]
		i++
		var addrLen int
		if familyByte&0x80 != 0 {
			addrLen = 16
		} else {
			addrLen = 4
		}
		if i+addrLen+2+32 > len(body) {
			return nil, ErrMalformed
		}
		ip := append([]byte{}, body[i:i+addrLen]...)
		i += addrLen
		port := binary.BigEndian.Uint16(body[i : i+2])
		i += 2
		var pub [32]byte
		copy(pub[:], body[i:i+32])
		i += 32
		id, consumed, err := ReadVarint(body[i:])
		if err != nil {
			return nil, err
		}
		i += consumed

		relays = append(relays, Relay{
			ID:     id,
			Addr:   &net.TCPAddr{IP: ip, Port: int(port)},
			PubKey: pub,
		})
	}
	return relays, nil
}
