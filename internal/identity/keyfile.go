package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100_000
	saltSize         = 16
	keySize          = 32
)

var (
	// ErrBadPassphrase is returned when a key file cannot be decrypted.
	ErrBadPassphrase = errors.New("identity: bad passphrase or corrupt key file")
	// ErrNoPEMBlock is returned when a PEM file holds no usable block.
	ErrNoPEMBlock = errors.New("identity: no PEM block found")
)

// Passphrase derives the key-file passphrase from the caller's seed:
// hex(SHA-256(seed)).
func Passphrase(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// SavePrivateKey writes an EC private key encrypted with AES-256-GCM under a
// PBKDF2-SHA256 derived key. Layout: salt(16) || nonce(12) || ciphertext.
func SavePrivateKey(path string, key *ecdsa.PrivateKey, passphrase string) error {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}

	sealed := gcm.Seal(nil, nonce, der, nil)
	blob := append(append(salt, nonce...), sealed...)
	block := &pem.Block{Type: "ENCRYPTED AGENT KEY", Bytes: blob}
	return os.WriteFile(path, pem.EncodeToMemory(block), 0o600)
}

// LoadPrivateKey reads and decrypts an EC private key written by
// SavePrivateKey.
func LoadPrivateKey(path, passphrase string) (*ecdsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, ErrNoPEMBlock
	}
	blob := block.Bytes
	if len(blob) < saltSize+12 {
		return nil, ErrBadPassphrase
	}

	salt := blob[:saltSize]
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return nil, err
	}
	ns := gcm.NonceSize()
	if len(blob) < saltSize+ns {
		return nil, ErrBadPassphrase
	}
	der, err := gcm.Open(nil, blob[saltSize:saltSize+ns], blob[saltSize+ns:], nil)
	if err != nil {
		return nil, ErrBadPassphrase
	}

	key, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, keySize, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// SaveCertificate writes a DER certificate as PEM.
func SaveCertificate(path string, der []byte) error {
	block := &pem.Block{Type: "CERTIFICATE", Bytes: der}
	return os.WriteFile(path, pem.EncodeToMemory(block), 0o644)
}

// LoadCertificate reads a PEM certificate file.
func LoadCertificate(path string) (*x509.Certificate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, ErrNoPEMBlock
	}
	return x509.ParseCertificate(block.Bytes)
}

// LoadCertificatePEM reads a certificate file and returns its raw PEM text,
// as sent to the server during sign-in.
func LoadCertificatePEM(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
