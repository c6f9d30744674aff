// Package crypto supplies the cryptographic collaborators the runtime
// treats as opaque: transport envelopes carry a verify(msg) bool
// predicate rather than any simulated post-quantum math, and event
// payloads get a real checksum and optional real encryption rather
// than anything invented here.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	xcrypto "golang.org/x/crypto/hkdf"
)

// Signer signs outgoing transport envelopes.
type Signer interface {
	Sign(message []byte) []byte
}

// Verifier checks a signature produced by a Signer. It is an opaque
// verify(msg) -> bool predicate; real deployments wire in whatever
// vetted primitive fits their threat model, which here is ed25519.
type Verifier interface {
	Verify(message, signature []byte) bool
}

// KeyPair is an ed25519 signer/verifier pair for one node identity.
type KeyPair struct {
	public ed25519.PublicKey
	private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh ed25519 identity.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate key pair: %w", err)
	}
	return &KeyPair{public: pub, private: priv}, nil
}

// KeyPairFromSecret derives a deterministic ed25519 identity from a
// shared cluster secret, so every node that knows the secret signs and
// verifies with the same keypair without needing to distribute a
// generated private key out of band.
func KeyPairFromSecret(secret []byte) *KeyPair {
	seed := sha256.Sum256(secret)
	priv := ed25519.NewKeyFromSeed(seed[:])
	return &KeyPair{public: priv.Public().(ed25519.PublicKey), private: priv}
}

// Sign implements Signer.
func (k *KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(k.private, message)
}

// Verify implements Verifier.
func (k *KeyPair) Verify(message, signature []byte) bool {
	return ed25519.Verify(k.public, message, signature)
}

// PublicKey returns the raw public key, suitable for distributing to
// peers so they can build a PeerVerifier.
func (k *KeyPair) PublicKey() ed25519.PublicKey {
	return k.public
}

// PeerVerifier verifies messages against a single known peer public key,
// for use when a node only needs to check signatures, not produce them.
type PeerVerifier struct {
	public ed25519.PublicKey
}

// NewPeerVerifier wraps a peer's public key.
func NewPeerVerifier(public ed25519.PublicKey) *PeerVerifier {
	return &PeerVerifier{public: public}
}

// Verify implements Verifier.
func (v *PeerVerifier) Verify(message, signature []byte) bool {
	if v == nil || len(v.public) == 0 {
		return false
	}
	return ed25519.Verify(v.public, message, signature)
}

// Checksum computes the SHA-256 digest requires every event
// to carry over its serialized fields.
func Checksum(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// VerifyChecksum reports whether data matches the previously computed
// checksum, the check readers perform before surfacing CorruptionError.
func VerifyChecksum(data []byte, checksum [32]byte) bool {
	got := sha256.Sum256(data)
	return got == checksum
}

// Encryptor optionally encrypts event payloads. It uses the same
// AES-256-GCM, nonce-prepended recipe used elsewhere in this codebase
// for secret material.
type Encryptor struct {
	key [32]byte
}

// NewEncryptor derives a 32-byte AES-256 key from an arbitrary-length
// cluster secret using HKDF, so callers never have to worry about key
// sizing.
func NewEncryptor(clusterSecret []byte) (*Encryptor, error) {
	kdf := xcrypto.New(sha256.New, clusterSecret, nil, []byte("aegis-eventstore-payload"))
	var key [32]byte
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return nil, fmt.Errorf("crypto: derive key: %w", err)
	}
	return &Encryptor{key: key}, nil
}

// Encrypt seals plaintext with AES-256-GCM, returning nonce||ciphertext.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(e.key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt.
func (e *Encryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(e.key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("crypto: ciphertext too short")
	}
	nonce, body := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt: %w", err)
	}
	return plaintext, nil
}
