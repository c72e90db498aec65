// Package ism implements the Input Sanitization Module: a minimal TEE
// service that attests an input arrived from an approved non-human source.
// Attestations are Ed25519-signed over the SHA-256 of the canonical payload
// (the extra hash is a protocol quirk verifiers must reproduce exactly).
package ism

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"vin/cache"
	"vin/canonical"
	"vin/shared"
)

const (
	Schema = "ism.input.v0"

	DefaultMaxInputSize  = 1 << 20
	DefaultReplaySetMax  = 10000
	DefaultMaxClockDrift = 5 * time.Minute
)

// SourceType enumerates the approved non-human input channels.
type SourceType string

const (
	SourceBlockchainEvent SourceType = "blockchain_event"
	SourceAPISigned       SourceType = "api_signed"
	SourceISMChain        SourceType = "ism_chain"
	SourceCron            SourceType = "cron"
	SourceVRFChallenge    SourceType = "vrf_challenge"
)

// External rejection reasons. Source, source-type, signature, and block-hash
// failures all collapse to ErrInputRejected so callers cannot enumerate
// approved sources; a replayed input is reported as ErrDuplicate.
var (
	ErrInputRejected = errors.New("Input rejected")
	ErrInputTooLarge = errors.New("Input too large")
	ErrClockError    = errors.New("Clock error")
	ErrDuplicate     = errors.New("Duplicate input rejected")
)

// ApprovedSource describes one channel the ISM accepts input from.
// Immutable after construction.
type ApprovedSource struct {
	ID       string     `json:"id"`
	Type     SourceType `json:"type"`
	Pubkey   string     `json:"pubkey,omitempty"` // Ed25519 hex, for api_signed
	Contract string     `json:"contract,omitempty"`
	ChainID  string     `json:"chain_id,omitempty"`
}

// RawInput is an input candidate presented for attestation.
type RawInput struct {
	SourceID        string      `json:"source_id"`
	SourceType      SourceType  `json:"source_type"`
	Data            interface{} `json:"data"`
	SourceSignature string      `json:"source_signature,omitempty"` // base64url Ed25519
	BlockHash       string      `json:"block_hash,omitempty"`
}

// Attestation is the signed statement that an input passed admission.
type Attestation struct {
	Schema          string `json:"schema"`
	ISMID           string `json:"ism_id"`
	ISMPubkey       string `json:"ism_pubkey"` // Ed25519 hex
	InputHash       string `json:"input_hash"` // hex sha256 over input bytes
	InputType       string `json:"input_type"`
	InputSource     string `json:"input_source"`
	ReceivedAt      int64  `json:"received_at"` // unix ms
	Sequence        uint64 `json:"sequence"`
	SourceSignature string `json:"source_signature,omitempty"`
	SourcePubkey    string `json:"source_pubkey,omitempty"`
	BlockHash       string `json:"block_hash,omitempty"`
	TEEAttestation  string `json:"tee_attestation,omitempty"`
	Sig             string `json:"sig"` // base64url Ed25519
}

// ISM holds the per-instance state: monotonic sequence, replay set,
// approved sources, and the signing keypair.
type ISM struct {
	id      string
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
	sources map[string]ApprovedSource

	mu       sync.Mutex
	sequence uint64
	replay   *cache.TTLCache[string, struct{}]

	maxInputSize int
	now          func() time.Time
	log          *shared.Logger
}

// Option configures an ISM instance.
type Option func(*ISM)

// WithSeed fixes the Ed25519 seed instead of generating one.
func WithSeed(seed []byte) Option {
	return func(m *ISM) {
		if len(seed) == ed25519.SeedSize {
			m.priv = ed25519.NewKeyFromSeed(seed)
			m.pub = m.priv.Public().(ed25519.PublicKey)
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(m *ISM) { m.now = now }
}

// WithMaxInputSize overrides the input size bound.
func WithMaxInputSize(n int) Option {
	return func(m *ISM) {
		if n > 0 {
			m.maxInputSize = n
		}
	}
}

// WithReplaySetMax overrides the replay set capacity.
func WithReplaySetMax(n int) Option {
	return func(m *ISM) {
		if n > 0 {
			m.replay = cache.New[string, struct{}](n, 24*time.Hour)
		}
	}
}

// WithLogger sets the internal logger. External callers only ever see the
// opaque rejection reasons.
func WithLogger(log *shared.Logger) Option {
	return func(m *ISM) {
		if log != nil {
			m.log = log
		}
	}
}

// New constructs an ISM with the given approved sources.
func New(id string, sources []ApprovedSource, opts ...Option) (*ISM, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("ism: rng: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)

	m := &ISM{
		id:           id,
		priv:         priv,
		pub:          priv.Public().(ed25519.PublicKey),
		sources:      make(map[string]ApprovedSource, len(sources)),
		replay:       cache.New[string, struct{}](DefaultReplaySetMax, 24*time.Hour),
		maxInputSize: DefaultMaxInputSize,
		now:          time.Now,
		log:          shared.NewNopLogger(),
	}
	for _, s := range sources {
		m.sources[s.ID] = s
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// ID returns the instance identifier.
func (m *ISM) ID() string { return m.id }

// PubkeyHex returns the instance signing public key, lowercase hex.
func (m *ISM) PubkeyHex() string { return hex.EncodeToString(m.pub) }

// Sequence returns the current sequence counter.
func (m *ISM) Sequence() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sequence
}

// Attest validates raw against the instance's admission rules and, on
// success, emits a signed attestation. The first failing check wins: a
// duplicate is reported as ErrDuplicate even when the resubmission also
// carries a bad signature or a bad clock reading; source and signature
// failures surface as ErrInputRejected.
func (m *ISM) Attest(raw *RawInput) (*Attestation, error) {
	source, ok := m.sources[raw.SourceID]
	if !ok {
		m.log.Security("attest rejected: unknown source")
		return nil, ErrInputRejected
	}
	if source.Type != raw.SourceType {
		m.log.Security("attest rejected: source type mismatch",
			zap.String("claimed", string(raw.SourceType)))
		return nil, ErrInputRejected
	}

	inputBytes, err := inputToBytes(raw.Data)
	if err != nil {
		m.log.Security("attest rejected: uncanonicalizable input", zap.Error(err))
		return nil, ErrInputRejected
	}
	if len(inputBytes) > m.maxInputSize {
		return nil, ErrInputTooLarge
	}

	sum := sha256.Sum256(inputBytes)
	inputHash := hex.EncodeToString(sum[:])
	replayKey := raw.SourceID + ":" + inputHash

	// Duplicate detection runs before the signature, block-hash, and clock
	// checks, so a resubmitted input is always reported as a duplicate.
	m.mu.Lock()
	dup := !m.replay.Add(replayKey, struct{}{}, 0)
	m.mu.Unlock()
	if dup {
		m.log.Security("attest rejected: duplicate input")
		return nil, ErrDuplicate
	}

	if source.Type == SourceAPISigned && source.Pubkey != "" {
		if err := verifySourceSignature(source.Pubkey, raw.SourceSignature, inputBytes); err != nil {
			m.log.Security("attest rejected: source signature", zap.Error(err))
			return nil, ErrInputRejected
		}
	}
	if source.Type == SourceBlockchainEvent && raw.BlockHash == "" {
		m.log.Security("attest rejected: missing block hash")
		return nil, ErrInputRejected
	}

	now := m.now()
	receivedAt := now.UnixMilli()
	if receivedAt < 0 {
		return nil, ErrClockError
	}

	m.mu.Lock()
	m.sequence++
	sequence := m.sequence
	m.mu.Unlock()

	att := &Attestation{
		Schema:          Schema,
		ISMID:           m.id,
		ISMPubkey:       m.PubkeyHex(),
		InputHash:       inputHash,
		InputType:       string(source.Type),
		InputSource:     raw.SourceID,
		ReceivedAt:      receivedAt,
		Sequence:        sequence,
		SourceSignature: raw.SourceSignature,
		SourcePubkey:    source.Pubkey,
		BlockHash:       raw.BlockHash,
	}

	digest, err := payloadDigest(att)
	if err != nil {
		return nil, fmt.Errorf("ism: canonicalize attestation: %w", err)
	}
	att.Sig = canonical.B64URL(ed25519.Sign(m.priv, digest))
	return att, nil
}

// Verify checks an attestation using the public key it carries. It is
// stateless; any party, including a different ISM instance, can run it.
func Verify(att *Attestation, now time.Time, maxClockDrift time.Duration) error {
	if att == nil || att.Schema != Schema {
		return ErrInputRejected
	}
	if maxClockDrift <= 0 {
		maxClockDrift = DefaultMaxClockDrift
	}
	if att.ReceivedAt > now.Add(maxClockDrift).UnixMilli() {
		return ErrClockError
	}

	pub, err := hex.DecodeString(att.ISMPubkey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return ErrInputRejected
	}
	sig, err := canonical.FromB64URL(att.Sig)
	if err != nil {
		return ErrInputRejected
	}
	digest, err := payloadDigest(att)
	if err != nil {
		return ErrInputRejected
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), digest, sig) {
		return ErrInputRejected
	}
	return nil
}

// payloadDigest canonicalizes the attestation without sig and returns the
// SHA-256 of those bytes. The signature covers this digest, not the payload
// itself; verifiers must reproduce the extra hash.
func payloadDigest(att *Attestation) ([]byte, error) {
	payload := map[string]interface{}{
		"schema":       att.Schema,
		"ism_id":       att.ISMID,
		"ism_pubkey":   att.ISMPubkey,
		"input_hash":   att.InputHash,
		"input_type":   att.InputType,
		"input_source": att.InputSource,
		"received_at":  att.ReceivedAt,
		"sequence":     att.Sequence,
	}
	if att.SourceSignature != "" {
		payload["source_signature"] = att.SourceSignature
	}
	if att.SourcePubkey != "" {
		payload["source_pubkey"] = att.SourcePubkey
	}
	if att.BlockHash != "" {
		payload["block_hash"] = att.BlockHash
	}
	if att.TEEAttestation != "" {
		payload["tee_attestation"] = att.TEEAttestation
	}

	b, err := canonical.JCS(payload)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(b)
	return sum[:], nil
}

// inputToBytes canonicalizes object inputs via JCS; string inputs are used
// as-is.
func inputToBytes(data interface{}) ([]byte, error) {
	switch v := data.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	case nil:
		return nil, errors.New("nil input")
	default:
		return canonical.JCS(v)
	}
}

func verifySourceSignature(pubkeyHex, sigB64 string, input []byte) error {
	if sigB64 == "" {
		return errors.New("missing source signature")
	}
	pub, err := hex.DecodeString(pubkeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return errors.New("malformed source pubkey")
	}
	sig, err := canonical.FromB64URL(sigB64)
	if err != nil {
		return errors.New("malformed source signature")
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), input, sig) {
		return errors.New("source signature invalid")
	}
	return nil
}

// MarshalJSONSafe renders the instance's public identity for health
// endpoints without any private material.
func (m *ISM) MarshalJSONSafe() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"ism_id":     m.id,
		"ism_pubkey": m.PubkeyHex(),
		"sequence":   m.Sequence(),
	})
}
