package onion

import (
	"bufio"
	"bytes"
	"net"
	"testing"
)

func roundTrip(t *testing.T, o *Onion) *Onion {
	t.Helper()
	var buf bytes.Buffer
	if err := EncodeOnion(&buf, o); err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeOnion(bufio.NewReader(bytes.NewReader(buf.Bytes())))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	var buf2 bytes.Buffer
	if err := EncodeOnion(&buf2, decoded); err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), buf2.Bytes()) {
		t.Fatalf("round trip not bit-stable: %x != %x", buf.Bytes(), buf2.Bytes())
	}
	return decoded
}

func TestCodecHelloRequest(t *testing.T) {
	var pk [32]byte
	copy(pk[:], []byte("01234567890123456789012345678901"))

	o := &Onion{
		Target:  NewRelayTarget(7),
		Message: HelloRequest{ClientType: ClientConsumer, PublicKey: pk},
	}
	decoded := roundTrip(t, o)

	hr, ok := decoded.Message.(HelloRequest)
	if !ok {
		t.Fatalf("wrong message type: %T", decoded.Message)
	}
	if hr.ClientType != ClientConsumer || hr.PublicKey != pk {
		t.Fatalf("fields lost in round trip: %+v", hr)
	}
	if decoded.Target.Kind != TargetRelay || decoded.Target.RelayID != 7 {
		t.Fatalf("target lost in round trip: %+v", decoded.Target)
	}
}

func TestCodecPayloadWithCircuitID(t *testing.T) {
	id := uint32(42)
	o := &Onion{
		Target:    CurrentTarget(),
		CircuitID: &id,
		Message:   Payload{Bytes: []byte("hello")},
	}
	decoded := roundTrip(t, o)

	if decoded.CircuitID == nil || *decoded.CircuitID != 42 {
		t.Fatalf("circuit id lost: %+v", decoded.CircuitID)
	}
	p, ok := decoded.Message.(Payload)
	if !ok || string(p.Bytes) != "hello" {
		t.Fatalf("payload lost: %+v", decoded.Message)
	}
}

func TestCodecIPTargetIPv4(t *testing.T) {
	o := &Onion{
		Target:  NewIPTarget(net.ParseIP("127.0.0.1"), 9999),
		Message: Payload{Bytes: []byte("x")},
	}
	decoded := roundTrip(t, o)
	if decoded.Target.Kind != TargetIP || !decoded.Target.IP.Equal(net.ParseIP("127.0.0.1")) || decoded.Target.Port != 9999 {
		t.Fatalf("IPv4 target lost: %+v", decoded.Target)
	}
}

func TestCodecGetRelaysResponse(t *testing.T) {
	var pk [32]byte
	copy(pk[:], []byte("abcdefghijklmnopqrstuvwxyzABCDEF"))

	relays := []Relay{
		{ID: 1, Addr: &net.TCPAddr{IP: net.ParseIP("10.0.0.1").To4(), Port: 4242}, PubKey: pk},
		{ID: 2, Addr: &net.TCPAddr{IP: net.ParseIP("10.0.0.2").To4(), Port: 4343}, PubKey: pk},
	}
	o := &Onion{Target: CurrentTarget(), Message: GetRelaysResponse{Relays: relays}}
	decoded := roundTrip(t, o)

	grr, ok := decoded.Message.(GetRelaysResponse)
	if !ok || len(grr.Relays) != 2 {
		t.Fatalf("relay list lost: %+v", decoded.Message)
	}
	if grr.Relays[0].ID != 1 || grr.Relays[1].ID != 2 {
		t.Fatalf("relay order not preserved: %+v", grr.Relays)
	}
	if grr.Relays[0].Addr.Port != 4242 {
		t.Fatalf("port lost: %+v", grr.Relays[0].Addr)
	}
}

func TestCodecCloseWithReason(t *testing.T) {
	o := &Onion{Target: CurrentTarget(), Message: Close{Reason: "Invalid request", HasReason: true}}
	decoded := roundTrip(t, o)
	c, ok := decoded.Message.(Close)
	if !ok || !c.HasReason || c.Reason != "Invalid request" {
		t.Fatalf("close reason lost: %+v", decoded.Message)
	}
}
