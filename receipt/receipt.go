// Package receipt builds, signs, and verifies the signed receipts binding a
// commitment over a decrypted request to a hash of the produced text. The
// signature covers the JCS canonical encoding of the receipt payload without
// the sig field, so independent implementations can verify each other's
// receipts.
package receipt

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vin/cache"
	"vin/canonical"
)

const (
	Schema  = "vin.receipt.v0"
	Version = "0.1"

	// DefaultValidity bounds the replay window of a receipt.
	DefaultValidity = 600 * time.Second

	// DefaultReplayCacheMax caps the (node_pubkey, nonce) replay map.
	DefaultReplayCacheMax = 10000

	// clockSkewTolerance allows receipts issued slightly ahead of the
	// verifier's clock.
	clockSkewTolerance = 60 * time.Second

	nonceSize = 16
)

// AttestationRef is the receipt's attestation sub-object.
type AttestationRef struct {
	Type        string `json:"type"`
	ReportHash  string `json:"report_hash,omitempty"`
	Measurement string `json:"measurement,omitempty"`
}

// PaymentRef is the receipt's payment sub-object.
type PaymentRef struct {
	Type              string `json:"type"`
	PaymentRef        string `json:"payment_ref,omitempty"`
	PaymentCommitment string `json:"payment_commitment,omitempty"`
}

// Receipt is the signed, immutable record emitted for each inference.
// All *_commitment and *_hash fields are lowercase hex SHA-256.
type Receipt struct {
	Schema                string         `json:"schema"`
	Version               string         `json:"version"`
	NodePubkey            string         `json:"node_pubkey"` // base64url Ed25519 public
	RequestID             string         `json:"request_id"`
	ActionType            string         `json:"action_type"`
	PolicyID              string         `json:"policy_id"`
	InputsCommitment      string         `json:"inputs_commitment"`
	ConstraintsCommitment string         `json:"constraints_commitment"`
	LLMCommitment         string         `json:"llm_commitment"`
	OutputCleanHash       string         `json:"output_clean_hash"`
	OutputTransportHash   string         `json:"output_transport_hash"`
	IssuedAt              int64          `json:"iat"`
	ExpiresAt             int64          `json:"exp"`
	Nonce                 string         `json:"nonce"` // base64url, 16 bytes
	Attestation           AttestationRef `json:"attestation"`
	Payment               PaymentRef     `json:"payment"`
	Sig                   string         `json:"sig"` // base64url Ed25519
}

// ActionRequest is the request view a receipt commits to. Inputs is the only
// required section; Constraints and LLM default to empty objects.
type ActionRequest struct {
	PolicyID    string                 `json:"policy_id"`
	ActionType  string                 `json:"action_type"`
	Inputs      map[string]interface{} `json:"inputs"`
	Constraints map[string]interface{} `json:"constraints,omitempty"`
	LLM         map[string]interface{} `json:"llm,omitempty"`
}

// Output is the produced text pair a receipt commits to.
type Output struct {
	Text      string `json:"text"`
	CleanText string `json:"clean_text"`
}

// Result is the outcome of Verify.
type Result struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Verify failure reasons, in check order.
const (
	ReasonInvalidSchema                 = "invalid_schema"
	ReasonIssuedInFuture                = "issued_in_future"
	ReasonExpired                       = "expired"
	ReasonReplayDetected                = "replay_detected"
	ReasonInputsCommitmentMismatch      = "inputs_commitment_mismatch"
	ReasonConstraintsCommitmentMismatch = "constraints_commitment_mismatch"
	ReasonLLMCommitmentMismatch         = "llm_commitment_mismatch"
	ReasonOutputCleanHashMismatch       = "output_clean_hash_mismatch"
	ReasonOutputTransportHashMismatch   = "output_transport_hash_mismatch"
	ReasonSignatureInvalid              = "signature_invalid"
)

// Engine signs and verifies receipts and owns the bounded replay cache keyed
// by (node_pubkey, nonce).
type Engine struct {
	signingPriv ed25519.PrivateKey
	signingPub  ed25519.PublicKey
	validity    time.Duration
	now         func() time.Time
	replay      *cache.TTLCache[string, int64]
}

// Option configures an Engine.
type Option func(*Engine)

// WithValidity overrides the receipt validity window.
func WithValidity(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.validity = d
		}
	}
}

// WithReplayCacheMax overrides the replay cache capacity.
func WithReplayCacheMax(max int) Option {
	return func(e *Engine) {
		if max > 0 {
			e.replay = cache.New[string, int64](max, 0)
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a receipt engine signing with priv.
func NewEngine(priv ed25519.PrivateKey, opts ...Option) *Engine {
	e := &Engine{
		signingPriv: priv,
		signingPub:  priv.Public().(ed25519.PublicKey),
		validity:    DefaultValidity,
		now:         time.Now,
		replay:      cache.New[string, int64](DefaultReplayCacheMax, 0),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NodePubkey returns the engine's signing public key, base64url encoded.
func (e *Engine) NodePubkey() string {
	return canonical.B64URL(e.signingPub)
}

// Build constructs and signs a receipt over the request and output.
// Attestation and payment sub-objects default to {type: "none"} when nil.
func (e *Engine) Build(req *ActionRequest, out *Output, att *AttestationRef, pay *PaymentRef) (*Receipt, error) {
	inputsCommitment, err := canonical.Hash(orEmpty(req.Inputs))
	if err != nil {
		return nil, fmt.Errorf("receipt: inputs commitment: %w", err)
	}
	return e.build(inputsCommitment, req, out, att, pay)
}

// BuildCommitted signs a receipt whose inputs commitment was computed by the
// caller over data the action request itself does not carry. The confidential
// pipeline uses this so the receipt binds the decrypted request without the
// plaintext ever appearing in the action record.
func (e *Engine) BuildCommitted(inputsCommitment string, req *ActionRequest, out *Output, att *AttestationRef, pay *PaymentRef) (*Receipt, error) {
	return e.build(inputsCommitment, req, out, att, pay)
}

func (e *Engine) build(inputsCommitment string, req *ActionRequest, out *Output, att *AttestationRef, pay *PaymentRef) (*Receipt, error) {
	constraintsCommitment, err := canonical.Hash(orEmpty(req.Constraints))
	if err != nil {
		return nil, fmt.Errorf("receipt: constraints commitment: %w", err)
	}
	llmCommitment, err := canonical.Hash(orEmpty(req.LLM))
	if err != nil {
		return nil, fmt.Errorf("receipt: llm commitment: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("receipt: nonce: %w", err)
	}

	if att == nil {
		att = &AttestationRef{Type: "none"}
	}
	if pay == nil {
		pay = &PaymentRef{Type: "none"}
	}

	iat := e.now().Unix()
	rec := &Receipt{
		Schema:                Schema,
		Version:               Version,
		NodePubkey:            e.NodePubkey(),
		RequestID:             uuid.NewString(),
		ActionType:            req.ActionType,
		PolicyID:              req.PolicyID,
		InputsCommitment:      inputsCommitment,
		ConstraintsCommitment: constraintsCommitment,
		LLMCommitment:         llmCommitment,
		OutputCleanHash:       canonical.HashText(out.CleanText),
		OutputTransportHash:   canonical.HashText(out.Text),
		IssuedAt:              iat,
		ExpiresAt:             iat + int64(e.validity/time.Second),
		Nonce:                 canonical.B64URL(nonce),
		Attestation:           *att,
		Payment:               *pay,
	}

	sig, err := e.signPayload(rec)
	if err != nil {
		return nil, err
	}
	rec.Sig = sig
	return rec, nil
}

// Verify checks a receipt against the request and output it claims to cover.
// Checks run in a fixed order; the first failure wins.
func (e *Engine) Verify(req *ActionRequest, out *Output, rec *Receipt) *Result {
	if rec == nil || rec.Schema != Schema {
		return &Result{Reason: ReasonInvalidSchema}
	}

	now := e.now()
	if rec.IssuedAt > now.Add(clockSkewTolerance).Unix() {
		return &Result{Reason: ReasonIssuedInFuture}
	}
	if rec.ExpiresAt < now.Unix() {
		return &Result{Reason: ReasonExpired}
	}

	// Check-and-insert must be atomic so two concurrent verifications of the
	// same receipt cannot both succeed.
	replayKey := rec.NodePubkey + ":" + rec.Nonce
	ttl := time.Unix(rec.ExpiresAt, 0).Sub(now)
	if !e.replay.Add(replayKey, rec.ExpiresAt, ttl) {
		return &Result{Reason: ReasonReplayDetected}
	}
	e.replay.Sweep()

	if reason := e.checkCommitments(req, out, rec); reason != "" {
		return &Result{Reason: reason}
	}

	pubkey, err := canonical.FromB64URL(rec.NodePubkey)
	if err != nil || len(pubkey) != ed25519.PublicKeySize {
		return &Result{Reason: ReasonSignatureInvalid}
	}
	sig, err := canonical.FromB64URL(rec.Sig)
	if err != nil {
		return &Result{Reason: ReasonSignatureInvalid}
	}
	payload, err := canonical.JCS(payloadObject(rec))
	if err != nil {
		return &Result{Reason: ReasonSignatureInvalid}
	}
	if !ed25519.Verify(ed25519.PublicKey(pubkey), payload, sig) {
		return &Result{Reason: ReasonSignatureInvalid}
	}

	return &Result{Valid: true}
}

func (e *Engine) checkCommitments(req *ActionRequest, out *Output, rec *Receipt) string {
	inputsCommitment, err := canonical.Hash(orEmpty(req.Inputs))
	if err != nil || inputsCommitment != rec.InputsCommitment {
		return ReasonInputsCommitmentMismatch
	}
	constraintsCommitment, err := canonical.Hash(orEmpty(req.Constraints))
	if err != nil || constraintsCommitment != rec.ConstraintsCommitment {
		return ReasonConstraintsCommitmentMismatch
	}
	llmCommitment, err := canonical.Hash(orEmpty(req.LLM))
	if err != nil || llmCommitment != rec.LLMCommitment {
		return ReasonLLMCommitmentMismatch
	}
	if canonical.HashText(out.CleanText) != rec.OutputCleanHash {
		return ReasonOutputCleanHashMismatch
	}
	if canonical.HashText(out.Text) != rec.OutputTransportHash {
		return ReasonOutputTransportHashMismatch
	}
	return ""
}

func (e *Engine) signPayload(rec *Receipt) (string, error) {
	payload, err := canonical.JCS(payloadObject(rec))
	if err != nil {
		return "", fmt.Errorf("receipt: canonicalize payload: %w", err)
	}
	sig := ed25519.Sign(e.signingPriv, payload)
	return canonical.B64URL(sig), nil
}

// payloadObject is the receipt with sig removed, in wire-field form. The
// canonical encoding of this object is what the signature covers.
func payloadObject(rec *Receipt) map[string]interface{} {
	return map[string]interface{}{
		"schema":                 rec.Schema,
		"version":                rec.Version,
		"node_pubkey":            rec.NodePubkey,
		"request_id":             rec.RequestID,
		"action_type":            rec.ActionType,
		"policy_id":              rec.PolicyID,
		"inputs_commitment":      rec.InputsCommitment,
		"constraints_commitment": rec.ConstraintsCommitment,
		"llm_commitment":         rec.LLMCommitment,
		"output_clean_hash":      rec.OutputCleanHash,
		"output_transport_hash":  rec.OutputTransportHash,
		"iat":                    rec.IssuedAt,
		"exp":                    rec.ExpiresAt,
		"nonce":                  rec.Nonce,
		"attestation":            attestationMap(rec.Attestation),
		"payment":                paymentMap(rec.Payment),
	}
}

func attestationMap(a AttestationRef) map[string]interface{} {
	m := map[string]interface{}{"type": a.Type}
	if a.ReportHash != "" {
		m["report_hash"] = a.ReportHash
	}
	if a.Measurement != "" {
		m["measurement"] = a.Measurement
	}
	return m
}

func paymentMap(p PaymentRef) map[string]interface{} {
	m := map[string]interface{}{"type": p.Type}
	if p.PaymentRef != "" {
		m["payment_ref"] = p.PaymentRef
	}
	if p.PaymentCommitment != "" {
		m["payment_commitment"] = p.PaymentCommitment
	}
	return m
}

func orEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
