package crypto

import "errors"

var (
	// ErrEncrypt is wrapped by every error returned from Encrypt and
	// ValidatePlaintext.
	ErrEncrypt = errors.New("crypto: encrypt failed")

	// ErrDecrypt is wrapped by every error returned from Decrypt.
	ErrDecrypt = errors.New("crypto: decrypt failed")

	// ErrInvalidPublicKey is returned when an exported public key cannot
	// be imported.
	ErrInvalidPublicKey = errors.New("crypto: invalid public key")

	// ErrInvalidSecretKey is returned when a stored key pair cannot be
	// restored.
	ErrInvalidSecretKey = errors.New("crypto: invalid secret key")

	ErrEmptyPlaintext    = errors.New("crypto: empty plaintext")
	ErrPlaintextTooLarge = errors.New("crypto: plaintext too large")

	// ErrMalformedCiphertext is returned when the envelope cannot be parsed
	// or its fields have the wrong sizes.
	ErrMalformedCiphertext = errors.New("crypto: malformed ciphertext")

	ErrUnsupportedVersion = errors.New("crypto: unsupported envelope version")

	// ErrAuthentication is returned when the AEAD tag does not verify,
	// either because the ciphertext was corrupted or because it was sealed
	// for a different key pair.
	ErrAuthentication = errors.New("crypto: message authentication failed")
)
