package crypto

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

type envelope struct {
	_     struct{} `cbor:",toarray"`
	V     uint8
	KEM   []byte
	Nonce []byte
	Box   []byte
}

// ValidatePlaintext checks the size limits applied to every outgoing
// message body, encrypted or not.
func ValidatePlaintext(plaintext []byte) error {
	switch {
	case len(plaintext) == 0:
		return fmt.Errorf("%w: %w", ErrEncrypt, ErrEmptyPlaintext)
	case len(plaintext) > MaxPlaintextSize:
		return fmt.Errorf("%w: %w: %d bytes, limit %d", ErrEncrypt, ErrPlaintextTooLarge, len(plaintext), MaxPlaintextSize)
	}
	return nil
}

// Encrypt seals plaintext so that only the holder of the private half of
// to can open it.
func Encrypt(plaintext []byte, to *PublicKey) ([]byte, error) {
	if err := ValidatePlaintext(plaintext); err != nil {
		return nil, err
	}
	if to == nil || to.pk == nil {
		return nil, fmt.Errorf("%w: %w", ErrEncrypt, ErrInvalidPublicKey)
	}

	seed := make([]byte, mlkem768.EncapsulationSeedSize)
	if _, err := io.ReadFull(randReader, seed); err != nil {
		return nil, fmt.Errorf("%w: read seed: %w", ErrEncrypt, err)
	}
	kemCt := make([]byte, KEMCiphertextSize)
	shared := make([]byte, mlkem768.SharedKeySize)
	to.pk.EncapsulateTo(kemCt, shared, seed)

	key, err := deriveKey(shared, kemCt)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncrypt, err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncrypt, err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(randReader, nonce); err != nil {
		return nil, fmt.Errorf("%w: read nonce: %w", ErrEncrypt, err)
	}

	out, err := cbor.Marshal(&envelope{
		V:     EnvelopeVersion,
		KEM:   kemCt,
		Nonce: nonce,
		Box:   aead.Seal(nil, nonce, plaintext, kemCt),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode envelope: %w", ErrEncrypt, err)
	}
	return out, nil
}

// Decrypt opens a ciphertext produced by Encrypt for kp's public key.
//
// The decryption process:
//  1. CBOR decode and size-check the envelope
//  2. ML-KEM-768 decapsulation to recover the shared secret
//  3. HKDF-SHA-512 key derivation
//  4. ChaCha20-Poly1305 open with the KEM ciphertext as associated data
func Decrypt(ciphertext []byte, kp *KeyPair) ([]byte, error) {
	if kp == nil || kp.secret == nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, ErrInvalidSecretKey)
	}

	var env envelope
	if err := cbor.Unmarshal(ciphertext, &env); err != nil {
		return nil, fmt.Errorf("%w: %w: %v", ErrDecrypt, ErrMalformedCiphertext, err)
	}
	if env.V != EnvelopeVersion {
		return nil, fmt.Errorf("%w: %w: %d", ErrDecrypt, ErrUnsupportedVersion, env.V)
	}
	if len(env.KEM) != KEMCiphertextSize || len(env.Nonce) != chacha20poly1305.NonceSize ||
		len(env.Box) < chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, ErrMalformedCiphertext)
	}

	shared := make([]byte, mlkem768.SharedKeySize)
	kp.secret.DecapsulateTo(shared, env.KEM)

	key, err := deriveKey(shared, env.KEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}

	plaintext, err := aead.Open(nil, env.Nonce, env.Box, env.KEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, ErrAuthentication)
	}
	return plaintext, nil
}

// deriveKey expands the KEM shared secret into a ChaCha20-Poly1305 key.
// Salt is SHA-256 of the KEM ciphertext so every message gets its own key
// even if a shared secret were ever repeated.
func deriveKey(shared, kemCt []byte) ([]byte, error) {
	salt := sha256.Sum256(kemCt)
	reader := hkdf.New(sha512.New, shared, salt[:], []byte(HKDFContext))

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

func fingerprint(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}
