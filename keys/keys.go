// Package keys resolves the node's long-lived signing (Ed25519) and
// encryption (secp256k1) keypairs. Resolution order: TEE key derivation,
// configured key file, generate-and-persist, ephemeral. Private material is
// held in memory only and never serialized to logs or errors.
package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"vin/shared"
	"vin/tee"
)

const (
	signingDerivationPath    = "vin-signing-v1"
	encryptionDerivationPath = "vin-encryption-v1"

	seedSize = 32
)

// Source records where the keypairs came from.
type Source string

const (
	SourceTEE       Source = "tee"
	SourceFile      Source = "file"
	SourceGenerated Source = "generated"
	SourceEphemeral Source = "ephemeral"
)

// NodeKeypair holds the process-wide keys. Read-only after construction.
type NodeKeypair struct {
	signingPriv    ed25519.PrivateKey
	signingPub     ed25519.PublicKey
	encryptionPriv *ecdsa.PrivateKey
	source         Source
}

// Source reports how the keys were obtained.
func (k *NodeKeypair) Source() Source { return k.source }

// SigningPrivate returns the Ed25519 private key.
func (k *NodeKeypair) SigningPrivate() ed25519.PrivateKey { return k.signingPriv }

// SigningPublic returns the Ed25519 public key.
func (k *NodeKeypair) SigningPublic() ed25519.PublicKey { return k.signingPub }

// EncryptionPrivate returns the secp256k1 private key.
func (k *NodeKeypair) EncryptionPrivate() *ecdsa.PrivateKey { return k.encryptionPriv }

// EncryptionPublic returns the secp256k1 public key.
func (k *NodeKeypair) EncryptionPublic() *ecdsa.PublicKey { return &k.encryptionPriv.PublicKey }

// String never exposes private material.
func (k *NodeKeypair) String() string {
	return fmt.Sprintf("NodeKeypair{source: %s, signing_pubkey: %s}",
		k.source, hex.EncodeToString(k.signingPub))
}

// MarshalJSON never exposes private material.
func (k *NodeKeypair) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"source":         string(k.source),
		"signing_pubkey": hex.EncodeToString(k.signingPub),
	})
}

// keyFile is the on-disk persistence format (mode 0600).
type keyFile struct {
	SigningSeed    string `json:"signing_seed"`    // hex, 32 bytes
	EncryptionSeed string `json:"encryption_seed"` // hex, 32 bytes
}

// Resolve obtains the node keypairs per the documented resolution order.
// keyPath may be empty, in which case the keys are ephemeral.
func Resolve(ctx context.Context, adapter *tee.Adapter, keyPath string, log *shared.Logger) (*NodeKeypair, error) {
	if log == nil {
		log = shared.NewNopLogger()
	}

	if adapter != nil && adapter.Available(ctx) {
		kp, err := fromTEE(ctx, adapter)
		if err == nil {
			log.InfoIf("node keys derived from TEE platform agent")
			return kp, nil
		}
		log.WarnIf("tee key derivation failed, falling back", zap.Error(err))
	}

	if keyPath != "" {
		if _, err := os.Stat(keyPath); err == nil {
			kp, err := fromFile(keyPath)
			if err != nil {
				return nil, fmt.Errorf("keys: load %s: %w", keyPath, err)
			}
			log.InfoIf("node keys loaded from file")
			return kp, nil
		}
		kp, err := generate(SourceGenerated)
		if err != nil {
			return nil, err
		}
		if err := persist(kp, keyPath); err != nil {
			return nil, fmt.Errorf("keys: persist %s: %w", keyPath, err)
		}
		log.WarnIf("generated new node keys and persisted to key file")
		return kp, nil
	}

	kp, err := generate(SourceEphemeral)
	if err != nil {
		return nil, err
	}
	log.Critical("using EPHEMERAL node keys: node identity will change on restart")
	return kp, nil
}

func fromTEE(ctx context.Context, adapter *tee.Adapter) (*NodeKeypair, error) {
	signingSeed, err := adapter.DeriveKey(ctx, signingDerivationPath)
	if err != nil {
		return nil, err
	}
	if len(signingSeed) < seedSize {
		return nil, fmt.Errorf("keys: signing derivation returned %d bytes, need %d", len(signingSeed), seedSize)
	}
	encryptionSeed, err := adapter.DeriveKey(ctx, encryptionDerivationPath)
	if err != nil {
		return nil, err
	}
	if len(encryptionSeed) < seedSize {
		return nil, fmt.Errorf("keys: encryption derivation returned %d bytes, need %d", len(encryptionSeed), seedSize)
	}
	return fromSeeds(signingSeed[:seedSize], encryptionSeed[:seedSize], SourceTEE)
}

func fromFile(path string) (*NodeKeypair, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var kf keyFile
	if err := json.Unmarshal(raw, &kf); err != nil {
		return nil, fmt.Errorf("parse key file: %w", err)
	}
	signingSeed, err := hex.DecodeString(kf.SigningSeed)
	if err != nil || len(signingSeed) != seedSize {
		return nil, errors.New("key file has malformed signing seed")
	}
	encryptionSeed, err := hex.DecodeString(kf.EncryptionSeed)
	if err != nil || len(encryptionSeed) != seedSize {
		return nil, errors.New("key file has malformed encryption seed")
	}
	return fromSeeds(signingSeed, encryptionSeed, SourceFile)
}

func persist(kp *NodeKeypair, path string) error {
	kf := keyFile{
		SigningSeed:    hex.EncodeToString(kp.signingPriv.Seed()),
		EncryptionSeed: hex.EncodeToString(ethcrypto.FromECDSA(kp.encryptionPriv)),
	}
	raw, err := json.Marshal(kf)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}

func generate(source Source) (*NodeKeypair, error) {
	signingSeed := make([]byte, seedSize)
	if _, err := rand.Read(signingSeed); err != nil {
		return nil, fmt.Errorf("keys: rng: %w", err)
	}
	encryptionKey, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("keys: secp256k1 keygen: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(signingSeed)
	return &NodeKeypair{
		signingPriv:    priv,
		signingPub:     priv.Public().(ed25519.PublicKey),
		encryptionPriv: encryptionKey,
		source:         source,
	}, nil
}

// fromSeeds builds keypairs from raw 32-byte seeds. The secp256k1 seed is
// reduced mod the curve order and rejected if the result is zero.
func fromSeeds(signingSeed, encryptionSeed []byte, source Source) (*NodeKeypair, error) {
	priv := ed25519.NewKeyFromSeed(signingSeed)

	scalar := new(big.Int).SetBytes(encryptionSeed)
	scalar.Mod(scalar, ethcrypto.S256().Params().N)
	if scalar.Sign() == 0 {
		return nil, errors.New("keys: derived encryption scalar is zero")
	}
	buf := make([]byte, seedSize)
	scalar.FillBytes(buf)
	encryptionKey, err := ethcrypto.ToECDSA(buf)
	if err != nil {
		return nil, fmt.Errorf("keys: secp256k1 scalar: %w", err)
	}

	return &NodeKeypair{
		signingPriv:    priv,
		signingPub:     priv.Public().(ed25519.PublicKey),
		encryptionPriv: encryptionKey,
		source:         source,
	}, nil
}
