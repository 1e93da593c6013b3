package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
)

// randReader is the entropy source for key generation, encapsulation and
// nonces. Tests may swap it through SetRandReaderForTesting.
var randReader io.Reader = rand.Reader

// PublicKey is the shareable half of a KeyPair.
type PublicKey struct {
	pk  *mlkem768.PublicKey
	raw []byte
}

// Bytes returns a copy of the packed public key.
func (k *PublicKey) Bytes() []byte {
	out := make([]byte, len(k.raw))
	copy(out, k.raw)
	return out
}

// Equal reports whether both keys encode the same ML-KEM public key.
func (k *PublicKey) Equal(other *PublicKey) bool {
	if k == nil || other == nil {
		return k == other
	}
	return subtle.ConstantTimeCompare(k.raw, other.raw) == 1
}

// Fingerprint is a short, human comparable identifier for the key.
func (k *PublicKey) Fingerprint() string {
	return fingerprint(k.raw)
}

// KeyPair is a device's static ML-KEM-768 key pair. It is immutable once
// created and safe for concurrent use by any number of decryptions.
type KeyPair struct {
	public *PublicKey
	secret *mlkem768.PrivateKey
}

// GenerateKeyPair creates a fresh key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := mlkem768.GenerateKeyPair(randReader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate key pair: %w", err)
	}
	raw := make([]byte, PublicKeySize)
	pub.Pack(raw)

	return &KeyPair{
		public: &PublicKey{pk: pub, raw: raw},
		secret: priv,
	}, nil
}

// Public returns the public half.
func (kp *KeyPair) Public() *PublicKey {
	return kp.public
}

// MarshalBinary packs the secret key. The public key is embedded in it, so
// the output alone is enough to restore the pair with UnmarshalKeyPair.
func (kp *KeyPair) MarshalBinary() ([]byte, error) {
	buf := make([]byte, SecretKeySize)
	kp.secret.Pack(buf)
	return buf, nil
}

// UnmarshalKeyPair restores a key pair from MarshalBinary output.
func UnmarshalKeyPair(b []byte) (*KeyPair, error) {
	if len(b) != SecretKeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidSecretKey, len(b), SecretKeySize)
	}

	priv := new(mlkem768.PrivateKey)
	if err := priv.Unpack(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecretKey, err)
	}

	pub, ok := priv.Public().(*mlkem768.PublicKey)
	if !ok {
		return nil, ErrInvalidSecretKey
	}
	raw := make([]byte, PublicKeySize)
	pub.Pack(raw)

	return &KeyPair{
		public: &PublicKey{pk: pub, raw: raw},
		secret: priv,
	}, nil
}

// ExportPublicKey serializes k for publication. ImportPublicKey reverses it.
func ExportPublicKey(k *PublicKey) []byte {
	return k.Bytes()
}

// ImportPublicKey parses an exported public key.
func ImportPublicKey(b []byte) (*PublicKey, error) {
	if len(b) != PublicKeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidPublicKey, len(b), PublicKeySize)
	}

	pk := new(mlkem768.PublicKey)
	if err := pk.Unpack(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	raw := make([]byte, PublicKeySize)
	copy(raw, b)
	return &PublicKey{pk: pk, raw: raw}, nil
}
