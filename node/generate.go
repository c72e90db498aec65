package node

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"vin/canonical"
	"vin/ecies"
	"vin/outbound"
	"vin/payment"
	"vin/ratelimit"
	"vin/receipt"
)

// generateRequest is the wire body of POST /v1/generate. Exactly one branch
// is populated: the confidential envelope fields, or the legacy action
// request.
type generateRequest struct {
	EncryptedPayload string `json:"encrypted_payload,omitempty"`
	EphemeralPubkey  string `json:"ephemeral_pubkey,omitempty"`
	Nonce            string `json:"nonce,omitempty"`
	UserPubkey       string `json:"user_pubkey,omitempty"`

	Request *receipt.ActionRequest `json:"request,omitempty"`
}

// confidentialResponse is the sealed success body.
type confidentialResponse struct {
	EncryptedResponse       string           `json:"encrypted_response"`
	ResponseEphemeralPubkey string           `json:"response_ephemeral_pubkey"`
	ResponseNonce           string           `json:"response_nonce"`
	Receipt                 *receipt.Receipt `json:"receipt"`
}

// sealedPlaintext is what the client decrypts: the produced text plus the
// request's envelope nonce, so the response is bound to the specific request.
type sealedPlaintext struct {
	Text         string         `json:"text"`
	Usage        outbound.Usage `json:"usage"`
	RequestNonce string         `json:"request_nonce"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	// Panics anywhere below surface as a redacted generation_failed.
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Critical("panic in generate pipeline", zap.Any("panic", rec))
			writeError(w, http.StatusInternalServerError, KindGenerationFailed)
		}
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// 1. Rate limit, before any other work.
	if !s.limiter.Check(ratelimit.ClientKey(r)) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, KindRateLimited)
		return
	}

	// 2. Payment gate, before the body is read.
	evidence := s.gate.Accept(r)
	if evidence == nil {
		s.gate.WriteChallenge(w, r.URL.Path)
		return
	}

	// 3. Strict body parse.
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, KindInvalidPayload)
		return
	}
	var req generateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, KindInvalidPayload)
		return
	}

	if req.EncryptedPayload != "" {
		s.handleConfidential(w, r, &req, evidence)
		return
	}
	if req.Request != nil {
		if !s.cfg.AllowLegacy {
			writeError(w, http.StatusBadRequest, KindLegacyModeDisabled)
			return
		}
		s.handleLegacy(w, req.Request, evidence)
		return
	}
	writeError(w, http.StatusBadRequest, KindInvalidPayload)
}

func (s *Server) handleConfidential(w http.ResponseWriter, r *http.Request, req *generateRequest, evidence *payment.Evidence) {
	// 4. Envelope-nonce replay check before any side effects.
	nonceKey := req.Nonce + ":" + req.EphemeralPubkey
	if !s.nonces.Add(nonceKey, struct{}{}, envelopeNonceTTL) {
		s.log.Security("envelope nonce replay", zap.String("remote", r.RemoteAddr))
		writeError(w, http.StatusBadRequest, KindReplayDetected)
		return
	}
	s.nonces.Sweep()

	// 5. The user's response key must be a real curve point.
	userPub, err := ecies.ParsePub(req.UserPubkey)
	if err != nil {
		writeError(w, http.StatusBadRequest, KindInvalidPayload)
		return
	}

	// 6. Open the envelope. Every failure mode is indistinguishable.
	plaintext, err := ecies.Open(&ecies.Envelope{
		Ciphertext:      req.EncryptedPayload,
		EphemeralPubkey: req.EphemeralPubkey,
		Nonce:           req.Nonce,
	}, s.keys.EncryptionPrivate())
	if err != nil {
		s.log.Security("envelope open failed")
		writeError(w, http.StatusBadRequest, KindInvalidPayload)
		return
	}

	// 7. Strict schema validation of the decrypted request.
	llmReq, err := parseLLMRequest(plaintext)
	if err != nil {
		writeErrorDetail(w, http.StatusBadRequest, KindInvalidPayload, err.Error())
		return
	}

	// 8. Commitment over {provider_url, model, messages}; api_key excluded.
	inputsCommitment, err := canonical.Hash(committedInputs(llmReq))
	if err != nil {
		writeError(w, http.StatusInternalServerError, KindGenerationFailed)
		return
	}

	// 9. Outbound provider call behind the SSRF guard.
	providerResp, err := s.forward(w, r, llmReq)
	if err != nil {
		return // forward already wrote the error
	}

	// 10-12. Build output, action record, and signed receipt.
	out := &receipt.Output{Text: providerResp.Text, CleanText: providerResp.Text}
	actionReq := &receipt.ActionRequest{
		PolicyID:   PolicyConfidentialProxy,
		ActionType: ActionConfidentialCall,
		Inputs: map[string]interface{}{
			"prompt": "[commitment:" + inputsCommitment + "]",
		},
	}
	if llmReq.InputAttestationHash != "" {
		actionReq.Constraints = map[string]interface{}{
			"input_attestation_hash": llmReq.InputAttestationHash,
		}
	}

	rec, err := s.engine.BuildCommitted(inputsCommitment, actionReq, out,
		s.attestationRef(r), paymentRef(evidence))
	if err != nil {
		s.log.Critical("receipt build failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, KindGenerationFailed)
		return
	}

	// 13. Seal the response to the user's key, echoing the request nonce.
	sealed, err := json.Marshal(sealedPlaintext{
		Text:         providerResp.Text,
		Usage:        providerResp.Usage,
		RequestNonce: req.Nonce,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, KindGenerationFailed)
		return
	}
	envelope, err := ecies.Seal(sealed, userPub)
	if err != nil {
		s.log.Critical("response seal failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, KindGenerationFailed)
		return
	}

	writeJSON(w, http.StatusOK, confidentialResponse{
		EncryptedResponse:       envelope.Ciphertext,
		ResponseEphemeralPubkey: envelope.EphemeralPubkey,
		ResponseNonce:           envelope.Nonce,
		Receipt:                 rec,
	})
}

// forward issues the provider call and maps its failures to client error
// kinds. On error it writes the response and returns a non-nil error.
func (s *Server) forward(w http.ResponseWriter, r *http.Request, llmReq *LLMRequest) (*outbound.Response, error) {
	messages := make([]outbound.Message, len(llmReq.Messages))
	for i, m := range llmReq.Messages {
		messages[i] = outbound.Message{Role: m.Role, Content: m.Content}
	}

	resp, err := s.caller.Call(r.Context(), &outbound.Request{
		ProviderURL: llmReq.ProviderURL,
		APIKey:      llmReq.APIKey,
		Model:       llmReq.Model,
		Messages:    messages,
		MaxTokens:   llmReq.MaxTokens,
		Temperature: llmReq.Temperature,
		Headers:     llmReq.Headers,
	})
	if err == nil {
		return resp, nil
	}

	var upstream *outbound.UpstreamError
	switch {
	case errors.As(err, &upstream):
		writeUpstreamError(w, upstream.Status)
	case errors.Is(err, outbound.ErrUpstreamTimeout):
		writeError(w, http.StatusGatewayTimeout, KindUpstreamTimeout)
	case errors.Is(err, outbound.ErrHostNotAllowed),
		errors.Is(err, outbound.ErrSchemeNotHTTPS),
		errors.Is(err, outbound.ErrBlockedAddress),
		errors.Is(err, outbound.ErrResolutionFailed):
		writeError(w, http.StatusBadRequest, KindInvalidPayload)
	default:
		s.log.Critical("provider call failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, KindGenerationFailed)
	}
	return nil, err
}

// handleLegacy serves the plaintext branch kept for testing deployments.
func (s *Server) handleLegacy(w http.ResponseWriter, actionReq *receipt.ActionRequest, evidence *payment.Evidence) {
	out := &receipt.Output{}
	if prompt, ok := actionReq.Inputs["prompt"].(string); ok {
		out.Text = "echo: " + prompt
		out.CleanText = out.Text
	}

	rec, err := s.engine.Build(actionReq, out, nil, paymentRef(evidence))
	if err != nil {
		writeError(w, http.StatusInternalServerError, KindGenerationFailed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"output":  out,
		"receipt": rec,
	})
}

func (s *Server) attestationRef(r *http.Request) *receipt.AttestationRef {
	att := s.adapter.Attestation(r.Context(), []byte(s.engine.NodePubkey()), s.keys.SigningPublic())
	ref := &receipt.AttestationRef{Type: att.Type, Measurement: att.Measurement}
	if att.Report != "" {
		ref.ReportHash = canonical.HashText(att.Report)
	}
	return ref
}

func paymentRef(evidence *payment.Evidence) *receipt.PaymentRef {
	if evidence == nil {
		return nil
	}
	return &receipt.PaymentRef{
		Type:              evidence.Type,
		PaymentRef:        evidence.PaymentRef,
		PaymentCommitment: evidence.PaymentCommitment,
	}
}

// verifyRequest is the wire body of POST /v1/verify.
type verifyRequest struct {
	Request *receipt.ActionRequest `json:"request"`
	Output  *receipt.Output        `json:"output"`
	Receipt *receipt.Receipt       `json:"receipt"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, KindInvalidPayload)
		return
	}
	var req verifyRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Request == nil || req.Output == nil || req.Receipt == nil {
		writeError(w, http.StatusBadRequest, KindInvalidPayload)
		return
	}
	result := s.engine.Verify(req.Request, req.Output, req.Receipt)
	if !result.Valid {
		s.log.Security("receipt verification failed", zap.String("reason", result.Reason))
	}
	writeJSON(w, http.StatusOK, result)
}
