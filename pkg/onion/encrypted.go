package onion

import (
	"bufio"
	"bytes"
	"io"
)

// WriteEncryptedOnion frames o as plaintext, seals it under c, and writes
// `varint ciphertext_len ‖ ciphertext‖nonce` to w.
func WriteEncryptedOnion(w io.Writer, o *Onion, c *AEADCipher) error {
	var plain bytes.Buffer
	if err := EncodeOnion(&plain, o); err != nil {
		return err
	}
	ciphertext, err := c.Encrypt(plain.Bytes())
	if err != nil {
		return err
	}
	if _, err := w.Write(AppendVarint(nil, uint32(len(ciphertext)))); err != nil {
		return err
	}
	_, err = w.Write(ciphertext)
	return err
}

// ReadEncryptedOnion reverses WriteEncryptedOnion: it reads the length
// prefix, the ciphertext, decrypts it under c, and parses the plaintext
// onion frame.
func ReadEncryptedOnion(r *bufio.Reader, c *AEADCipher) (*Onion, error) {
	n, err := ReadVarintFrom(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, ErrTransportClosed
	}
	plaintext, err := c.Decrypt(buf)
	if err != nil {
		return nil, err
	}
	return DecodeOnion(bufio.NewReader(bytes.NewReader(plaintext)))
}
