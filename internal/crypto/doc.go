// Package crypto implements the message encryption scheme used for direct
// messages.
//
// # Algorithm Suite
//
//   - ML-KEM-768 (NIST FIPS 203): per-device static key pair. Every message
//     gets a fresh encapsulation against the recipient's public key.
//
//   - HKDF-SHA-512 (RFC 5869): derives the symmetric key from the KEM shared
//     secret. The salt is SHA-256 of the KEM ciphertext and the info string
//     is [HKDFContext].
//
//   - ChaCha20-Poly1305 (RFC 8439): seals the message body. The KEM
//     ciphertext is bound in as associated data.
//
// # Envelope
//
// The ciphertext handed to callers is a CBOR array
//
//	[version, kem_ciphertext, nonce, sealed_box]
//
// with version fixed to [EnvelopeVersion]. Plaintext length is capped at
// [MaxPlaintextSize]; the hybrid construction itself has no block limit.
//
// # Failure Reporting
//
// Every encryption failure wraps [ErrEncrypt] and every decryption failure
// wraps [ErrDecrypt], so callers can branch with errors.Is without caring
// which layer rejected the input. A ciphertext produced for another key
// pair is detected when the AEAD tag fails to verify: ML-KEM decapsulation
// with the wrong key returns an unrelated shared secret instead of an error.
//
// Secret keys must never be logged or transmitted. Only [ExportPublicKey]
// output is meant to leave the device.
package crypto
