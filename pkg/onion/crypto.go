package onion

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"

	"golang.org/x/crypto/curve25519"
)

// ServerCrypto holds a relay's or index's long-lived Ed25519 signing
// identity. It is used to mint per-tunnel ServerSecrets rather than being
// used for DH itself.
type ServerCrypto struct {
	signingPublic  ed25519.PublicKey
	signingPrivate ed25519.PrivateKey
}

// NewServerCrypto generates a fresh Ed25519 signing keypair.
func NewServerCrypto() (*ServerCrypto, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &ServerCrypto{signingPublic: pub, signingPrivate: priv}, nil
}

// LoadServerCrypto reconstructs a ServerCrypto from a persisted 32-byte
// public key and 64-byte private key, as written by keyfile.Save.
func LoadServerCrypto(pub, priv []byte) (*ServerCrypto, error) {
	if len(pub) != ed25519.PublicKeySize || len(priv) != ed25519.PrivateKeySize {
		return nil, ErrProtocolViolation
	}
	return &ServerCrypto{
		signingPublic:  ed25519.PublicKey(pub),
		signingPrivate: ed25519.PrivateKey(priv),
	}, nil
}

// SigningPublic returns the 32-byte Ed25519 public key.
func (s *ServerCrypto) SigningPublic() [32]byte {
	var out [32]byte
	copy(out[:], s.signingPublic)
	return out
}

// SigningPrivateBytes returns the raw 64-byte private key for persistence.
func (s *ServerCrypto) SigningPrivateBytes() []byte {
	return append([]byte{}, s.signingPrivate...)
}

// GenSecret produces a fresh ephemeral X25519 secret tied to this signing
// identity, for use in one tunnel handshake.
func (s *ServerCrypto) GenSecret() (*ServerSecret, error) {
	var scalar [32]byte
	if _, err := rand.Read(scalar[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(scalar[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	return &ServerSecret{parent: s, scalar: scalar, public: pub}, nil
}

// ServerSecret is a one-shot ephemeral X25519 keypair signed by a
// ServerCrypto identity.
type ServerSecret struct {
	parent *ServerCrypto
	scalar [32]byte
	public []byte
}

// PublicKey returns the 96-byte signed public key: the 32-byte X25519
// public key followed by a 64-byte Ed25519 signature over it.
func (s *ServerSecret) PublicKey() [96]byte {
	sig := ed25519.Sign(s.parent.signingPrivate, s.public)
	var out [96]byte
	copy(out[:32], s.public)
	copy(out[32:], sig)
	return out
}

// SymmetricCipher performs X25519 DH against a peer's raw public key and
// derives the AES-256-GCM cipher directly from the shared secret, with no
// key-derivation step.
func (s *ServerSecret) SymmetricCipher(peerPublic [32]byte) (*AEADCipher, error) {
	shared, err := curve25519.X25519(s.scalar[:], peerPublic[:])
	if err != nil {
		return nil, ErrCryptoFailure
	}
	return NewAEADCipher(shared)
}

// ClientSecret is a consumer's or relay's ephemeral X25519 keypair used
// when initiating a tunnel handshake.
type ClientSecret struct {
	scalar [32]byte
	public [32]byte
}

// NewClientSecret generates a fresh ephemeral X25519 keypair.
func NewClientSecret() (*ClientSecret, error) {
	var scalar [32]byte
	if _, err := rand.Read(scalar[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(scalar[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	var out [32]byte
	copy(out[:], pub)
	return &ClientSecret{scalar: scalar, public: out}, nil
}

// PublicKey returns the 32-byte ephemeral X25519 public key.
func (c *ClientSecret) PublicKey() [32]byte {
	return c.public
}

// SymmetricCipher verifies signedPeerPublic under peerSigningKey before
// performing DH, so a signature failure can never yield an AEAD key.
func (c *ClientSecret) SymmetricCipher(signedPeerPublic [96]byte, peerSigningKey [32]byte) (*AEADCipher, error) {
	peerPublic := signedPeerPublic[:32]
	sig := signedPeerPublic[32:]
	if !ed25519.Verify(ed25519.PublicKey(peerSigningKey[:]), peerPublic, sig) {
		return nil, ErrCryptoFailure
	}
	shared, err := curve25519.X25519(c.scalar[:], peerPublic)
	if err != nil {
		return nil, ErrCryptoFailure
	}
	return NewAEADCipher(shared)
}

// AEADCipher wraps an AES-256-GCM cipher.AEAD. The same cipher may be used
// concurrently for Encrypt and Decrypt since AEAD state is per-call.
type AEADCipher struct {
	aead cipher.AEAD
}

// NewAEADCipher builds an AEADCipher directly from a 32-byte key, with no
// intermediate key-derivation step.
func NewAEADCipher(key []byte) (*AEADCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AEADCipher{aead: gcm}, nil
}

// Encrypt seals plaintext under a fresh random nonce, appending the nonce
// to the returned ciphertext.
func (c *AEADCipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := c.aead.Seal(nil, nonce, plaintext, nil)
	return append(sealed, nonce...), nil
}

// Decrypt reverses Encrypt, reading the nonce from the tail of data.
func (c *AEADCipher) Decrypt(data []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(data) < ns {
		return nil, ErrCryptoFailure
	}
	ciphertext := data[:len(data)-ns]
	nonce := data[len(data)-ns:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrCryptoFailure
	}
	return plaintext, nil
}
