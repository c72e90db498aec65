// Package ecies implements the hybrid encryption scheme used to shuttle
// requests and responses: an ephemeral secp256k1 ECDH agreement feeds
// HKDF-SHA256, which keys AES-256-GCM. Only the X coordinate of the shared
// point enters the KDF.
package ecies

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/hkdf"
)

const (
	// hkdfInfo binds derived keys to this protocol version.
	hkdfInfo = "vin-ecies-v1"

	aesKeySize        = 32
	gcmNonceSize      = 12
	compressedPubSize = 33
)

// ErrDecryptionFailed is returned for every open failure. Callers must not
// learn whether the point parse, the tag check, or the nonce shape failed.
var ErrDecryptionFailed = errors.New("ecies: decryption failed")

// Envelope is the wire form of a sealed message. Ciphertext carries the
// AES-GCM output including the authentication tag.
type Envelope struct {
	Ciphertext      string `json:"ciphertext"`       // base64 (std) ciphertext||tag
	EphemeralPubkey string `json:"ephemeral_pubkey"` // hex, 33-byte compressed point
	Nonce           string `json:"nonce"`            // hex, 12 bytes
}

// GenerateKeypair creates a fresh secp256k1 keypair.
func GenerateKeypair() (*ecdsa.PrivateKey, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("ecies: keygen: %w", err)
	}
	return key, nil
}

// CompressPub returns the 33-byte compressed encoding of a public key.
func CompressPub(pub *ecdsa.PublicKey) []byte {
	return ethcrypto.CompressPubkey(pub)
}

// CompressPubHex returns the lowercase hex compressed encoding of a public key.
func CompressPubHex(pub *ecdsa.PublicKey) string {
	return hex.EncodeToString(ethcrypto.CompressPubkey(pub))
}

// ParsePub decodes a hex compressed public key and rejects anything that is
// not a point on the curve. Every key crossing the wire goes through here.
func ParsePub(compressedHex string) (*ecdsa.PublicKey, error) {
	raw, err := hex.DecodeString(compressedHex)
	if err != nil {
		return nil, fmt.Errorf("ecies: pubkey hex: %w", err)
	}
	if len(raw) != compressedPubSize {
		return nil, fmt.Errorf("ecies: pubkey length %d, want %d", len(raw), compressedPubSize)
	}
	pub, err := ethcrypto.DecompressPubkey(raw)
	if err != nil {
		return nil, fmt.Errorf("ecies: pubkey not on curve: %w", err)
	}
	return pub, nil
}

// sharedAESKey performs ECDH and derives the symmetric key. Per protocol only
// the 32-byte X coordinate of the shared point is fed to HKDF (empty salt).
func sharedAESKey(priv *ecdsa.PrivateKey, pub *ecdsa.PublicKey) ([]byte, error) {
	x, _ := ethcrypto.S256().ScalarMult(pub.X, pub.Y, priv.D.Bytes())
	if x == nil || x.Sign() == 0 {
		return nil, errors.New("ecies: degenerate shared point")
	}
	secret := make([]byte, 32)
	x.FillBytes(secret)

	key := make([]byte, aesKeySize)
	kdf := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("ecies: hkdf: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext to the recipient public key under a fresh ephemeral
// key and a fresh 12-byte nonce.
func Seal(plaintext []byte, recipient *ecdsa.PublicKey) (*Envelope, error) {
	ephemeral, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}

	key, err := sharedAESKey(ephemeral, recipient)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("ecies: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("ecies: gcm: %w", err)
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("ecies: nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	return &Envelope{
		Ciphertext:      base64.StdEncoding.EncodeToString(ciphertext),
		EphemeralPubkey: CompressPubHex(&ephemeral.PublicKey),
		Nonce:           hex.EncodeToString(nonce),
	}, nil
}

// SealTo is Seal with a hex compressed recipient key.
func SealTo(plaintext []byte, recipientCompressedHex string) (*Envelope, error) {
	pub, err := ParsePub(recipientCompressedHex)
	if err != nil {
		return nil, err
	}
	return Seal(plaintext, pub)
}

// Open decrypts an envelope with the recipient private key. All failure modes
// collapse to ErrDecryptionFailed.
func Open(env *Envelope, recipient *ecdsa.PrivateKey) ([]byte, error) {
	if env == nil {
		return nil, ErrDecryptionFailed
	}

	ephemeral, err := ParsePub(env.EphemeralPubkey)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	nonce, err := hex.DecodeString(env.Nonce)
	if err != nil || len(nonce) != gcmNonceSize {
		return nil, ErrDecryptionFailed
	}

	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	key, err := sharedAESKey(recipient, ephemeral)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
