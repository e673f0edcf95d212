// Package keys manages the cryptographic material of an audit session: the
// master key file, per-session derived keys, the Ed25519 signing keypair and
// the AEAD used to encrypt sealed segments at rest.
//
// One signing keypair is generated per session and never reused; the public
// key is exported beside the log so anyone can verify signatures without
// secret material. Segment encryption keys ratchet forward per segment
// (HKDF over the previous key and the previous seal digest), so a key for
// one segment does not expose earlier ones.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/ssh"

	"proctord/internal/chain"
)

// Errors
var (
	ErrInvalidKeyFormat = errors.New("keys: invalid key format")
	ErrUnsupportedKey   = errors.New("keys: unsupported key type (expected Ed25519)")
	ErrDecrypt          = errors.New("keys: decryption failed (wrong key or tampered ciphertext)")
)

// HKDF info labels. The label namespaces prevent key reuse across contexts.
const (
	infoSessionKey = "proctord:session-key"
	infoSegmentKey = "proctord:segment-key"
)

const (
	masterKeySize   = 32
	sessionSaltSize = 16
	// NonceSize is the AEAD nonce length (ChaCha20-Poly1305).
	NonceSize = chacha20poly1305.NonceSize
)

// Manager owns the secrets directory holding the master key and per-session
// signing keys.
type Manager struct {
	dir string
}

// NewManager returns a manager rooted at the given secrets directory.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir}
}

// masterKey loads the master key, creating it on first use.
func (m *Manager) masterKey() ([]byte, error) {
	if err := os.MkdirAll(m.dir, 0700); err != nil {
		return nil, fmt.Errorf("create secrets directory: %w", err)
	}

	path := filepath.Join(m.dir, "master.key")
	if data, err := os.ReadFile(path); err == nil {
		if len(data) != masterKeySize {
			return nil, fmt.Errorf("%w: master key is %d bytes, want %d", ErrInvalidKeyFormat, len(data), masterKeySize)
		}
		return data, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read master key: %w", err)
	}

	key := make([]byte, masterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fmt.Errorf("write master key: %w", err)
	}
	return key, nil
}

// Session holds the key material of one audit session.
type Session struct {
	// ID is the hex-encoded random session salt.
	ID string

	signPriv ed25519.PrivateKey
	signPub  ed25519.PublicKey

	// segmentKey is the current position of the per-segment ratchet.
	segmentKey []byte
}

// StartSession derives fresh session keys and generates the session's
// Ed25519 signing keypair. The private key is stored under the secrets
// directory as <session-id>.key.
func (m *Manager) StartSession() (*Session, error) {
	master, err := m.masterKey()
	if err != nil {
		return nil, err
	}

	salt := make([]byte, sessionSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate session salt: %w", err)
	}
	id := hex.EncodeToString(salt)

	base, err := deriveKey(master, salt, infoSessionKey, masterKeySize)
	if err != nil {
		return nil, err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	keyPath := filepath.Join(m.dir, id+".key")
	if err := os.WriteFile(keyPath, priv.Seed(), 0600); err != nil {
		return nil, fmt.Errorf("write signing key: %w", err)
	}

	return &Session{
		ID:         id,
		signPriv:   priv,
		signPub:    pub,
		segmentKey: base,
	}, nil
}

// ResumeSessionKeys rebuilds the segment-key ratchet start for an existing
// session id. Used by the verifier; it does not load the signing key.
func (m *Manager) ResumeSessionKeys(sessionID string) (*Session, error) {
	salt, err := hex.DecodeString(sessionID)
	if err != nil || len(salt) != sessionSaltSize {
		return nil, fmt.Errorf("%w: bad session id %q", ErrInvalidKeyFormat, sessionID)
	}
	master, err := m.masterKey()
	if err != nil {
		return nil, err
	}
	base, err := deriveKey(master, salt, infoSessionKey, masterKeySize)
	if err != nil {
		return nil, err
	}
	return &Session{ID: sessionID, segmentKey: base}, nil
}

// PublicKey returns the session's Ed25519 public key.
func (s *Session) PublicKey() ed25519.PublicKey {
	return s.signPub
}

// Sign signs msg with the session's private key.
func (s *Session) Sign(msg []byte) []byte {
	return ed25519.Sign(s.signPriv, msg)
}

// Verify checks an Ed25519 signature.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// NextSegmentKey ratchets the segment key forward using the previous
// segment's seal digest (the genesis constant before any segment is sealed)
// and returns the key for the next segment. Writer and verifier call this
// in segment order to stay in step.
func (s *Session) NextSegmentKey(prevSeal chain.Digest) ([]byte, error) {
	next, err := deriveKey(s.segmentKey, prevSeal[:sessionSaltSize], infoSegmentKey, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	s.segmentKey = next
	key := make([]byte, len(next))
	copy(key, next)
	return key, nil
}

// Encrypt seals plaintext with ChaCha20-Poly1305 under a fresh random nonce,
// binding aad. Returns the nonce and ciphertext.
func Encrypt(key, plaintext, aad []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, fmt.Errorf("init aead: %w", err)
	}
	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, aead.Seal(nil, nonce, plaintext, aad), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func Decrypt(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: bad nonce length %d", ErrDecrypt, len(nonce))
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// ExportPublicKey writes the session's public key to dir as <session-id>.pub
// (raw 32 bytes) so the log is verifiable without any secret material.
func (s *Session) ExportPublicKey(dir string) (string, error) {
	path := filepath.Join(dir, s.ID+".pub")
	if err := os.WriteFile(path, s.signPub, 0644); err != nil {
		return "", fmt.Errorf("export public key: %w", err)
	}
	return path, nil
}

// LoadPublicKey reads an Ed25519 public key from file. Supports raw 32-byte
// keys and OpenSSH format (ssh-ed25519 ...).
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}

	if len(data) == ed25519.PublicKeySize {
		return ed25519.PublicKey(data), nil
	}

	pubKey, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	cryptoPub, ok := pubKey.(ssh.CryptoPublicKey)
	if !ok {
		return nil, ErrInvalidKeyFormat
	}
	edPub, ok := cryptoPub.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrUnsupportedKey, cryptoPub.CryptoPublicKey())
	}
	return edPub, nil
}

// SaltedDigest computes a session-salted SHA-256 hex digest. Producers use
// it for clipboard/title digests so values correlate within a session but
// reveal nothing across sessions.
func (s *Session) SaltedDigest(content []byte) string {
	h := sha256.New()
	h.Write([]byte(s.ID))
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}

// deriveKey derives a key with HKDF-SHA256 and a domain separation label.
func deriveKey(secret, salt []byte, info string, size int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	key := make([]byte, size)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}
