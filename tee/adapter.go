// Package tee wraps the platform agent's attestation and key-derivation RPC.
// The adapter never retries and maps every attestation failure to the "none"
// attestation stub; key-derivation failures are returned as errors. Callers
// decide whether either is fatal.
package tee

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"vin/shared"
)

const rpcTimeout = 10 * time.Second

// Attestation is the structured result of an attestation RPC. Type "none"
// with Available=false means no TEE platform is reachable.
type Attestation struct {
	Type         string `json:"type"`
	Available    bool   `json:"available"`
	Report       string `json:"report,omitempty"`
	Measurement  string `json:"measurement,omitempty"`
	SignerPubkey string `json:"signer_pubkey,omitempty"`
}

// NoAttestation is the stub returned when the platform agent is absent or
// failing.
func NoAttestation() *Attestation {
	return &Attestation{Type: "none", Available: false}
}

// Adapter is a thin client for the local platform agent.
type Adapter struct {
	baseURL string
	client  *http.Client
	log     *shared.Logger
}

// NewAdapter creates an adapter for the agent at baseURL. An empty baseURL
// yields an adapter that always reports unavailable.
func NewAdapter(baseURL string, log *shared.Logger) *Adapter {
	if log == nil {
		log = shared.NewNopLogger()
	}
	return &Adapter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: rpcTimeout},
		log:     log,
	}
}

// Available reports whether the platform agent answers its health probe.
func (a *Adapter) Available(ctx context.Context) bool {
	if a.baseURL == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type attestationRequest struct {
	ReportData    string `json:"report_data"`
	BindingPubkey string `json:"binding_pubkey,omitempty"`
}

// Attestation requests an attestation over reportData, optionally binding a
// public key into the report. It never returns an error: any failure maps to
// the "none" stub.
func (a *Adapter) Attestation(ctx context.Context, reportData, bindingPubkey []byte) *Attestation {
	if a.baseURL == "" {
		return NoAttestation()
	}

	body := attestationRequest{
		ReportData: base64.StdEncoding.EncodeToString(reportData),
	}
	if len(bindingPubkey) > 0 {
		body.BindingPubkey = base64.StdEncoding.EncodeToString(bindingPubkey)
	}

	var att Attestation
	if err := a.post(ctx, "/attestation", body, &att); err != nil {
		a.log.WarnIf("attestation rpc failed", zap.Error(err))
		return NoAttestation()
	}
	if att.Type == "" {
		return NoAttestation()
	}
	return &att
}

type deriveKeyRequest struct {
	Path string `json:"path"`
}

type deriveKeyResponse struct {
	Key string `json:"key"`
}

// DeriveKey asks the platform agent for the secret bound to a derivation
// path. A nil slice with nil error means the agent answered but has no key
// for the path.
func (a *Adapter) DeriveKey(ctx context.Context, path string) ([]byte, error) {
	if a.baseURL == "" {
		return nil, fmt.Errorf("tee: no platform agent configured")
	}

	var resp deriveKeyResponse
	if err := a.post(ctx, "/derive-key", deriveKeyRequest{Path: path}, &resp); err != nil {
		return nil, err
	}
	if resp.Key == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(resp.Key)
	if err != nil {
		return nil, fmt.Errorf("tee: derive-key response: %w", err)
	}
	return key, nil
}

func (a *Adapter) post(ctx context.Context, path string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("tee: marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("tee: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("tee: rpc: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tee: rpc status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("tee: decode: %w", err)
	}
	return nil
}
