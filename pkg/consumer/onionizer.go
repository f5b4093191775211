package consumer

import (
	"bufio"
	"bytes"

	"github.com/tomrsae/ronion/pkg/onion"
)

// GrowOnion builds the layered ciphertext for one data-plane message.
// targets[0] names the final hop (typically an IP target at the exit);
// targets[i] for i>0 names the relay that decrypts layer i. ciphers must
// be the same length, ordered the same way (ciphers[0] is the exit's
// circuit cipher, ciphers[len-1] the entry's). The returned bytes are
// the ciphertext ready to be sent through the entry tunnel as
// Payload{Bytes: ...} addressed to Current with the entry circuit id.
func GrowOnion(targets []onion.Target, ciphers []*onion.AEADCipher, payload []byte) ([]byte, error) {
	if len(targets) != len(ciphers) || len(targets) == 0 {
		return nil, onion.ErrProtocolViolation
	}

	o := &onion.Onion{Target: targets[0], Message: onion.Payload{Bytes: payload}}
	for i, cipher := range ciphers {
		var buf bytes.Buffer
		if err := onion.EncodeOnion(&buf, o); err != nil {
			return nil, err
		}
		ct, err := cipher.Encrypt(buf.Bytes())
		if err != nil {
			return nil, err
		}
		if i == len(ciphers)-1 {
			return ct, nil
		}
		o = &onion.Onion{Target: targets[i+1], Message: onion.Payload{Bytes: ct}}
	}
	return nil, onion.ErrProtocolViolation
}

// PeelOnion reverses GrowOnion. ciphers must be ordered from the entry's
// cipher to the exit's (the reverse of GrowOnion's order), matching the
// order in which layers were applied and so must be removed. It returns
// the innermost application payload.
func PeelOnion(ciphertext []byte, ciphers []*onion.AEADCipher) ([]byte, error) {
	data := ciphertext
	for _, cipher := range ciphers {
		pt, err := cipher.Decrypt(data)
		if err != nil {
			return nil, onion.ErrCryptoFailure
		}
		o, err := onion.DecodeOnion(bufio.NewReader(bytes.NewReader(pt)))
		if err != nil {
			return nil, err
		}
		p, ok := o.Message.(onion.Payload)
		if !ok {
			return nil, onion.ErrProtocolViolation
		}
		data = p.Bytes
	}
	return data, nil
}
