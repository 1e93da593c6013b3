package crypto

import "github.com/cloudflare/circl/kem/mlkem/mlkem768"

const (
	// HKDFContext is the info string used for key derivation.
	HKDFContext = "sealedchat:dm:v1"

	// EnvelopeVersion is the only envelope version understood by Decrypt.
	EnvelopeVersion = 1

	// PublicKeySize is the size of an exported public key in bytes.
	PublicKeySize = mlkem768.PublicKeySize
	// SecretKeySize is the size of a packed ML-KEM-768 secret key in bytes.
	SecretKeySize = mlkem768.PrivateKeySize
	// KEMCiphertextSize is the size of an ML-KEM-768 encapsulation.
	KEMCiphertextSize = mlkem768.CiphertextSize

	// MaxPlaintextSize bounds a single message body.
	MaxPlaintextSize = 64 * 1024
)

// Ciphersuite names the algorithms in use, for diagnostics.
const Ciphersuite = "ML-KEM-768:HKDF-SHA-512:ChaCha20-Poly1305"
