// Package node wires the HTTP surface and the request-admission pipeline:
// rate limit, payment gate, envelope replay check, decryption, schema
// validation, the SSRF-guarded provider call, response sealing, and receipt
// issuance.
package node

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/mdlayher/vsock"
	"go.uber.org/zap"

	"vin/cache"
	"vin/ecies"
	"vin/keys"
	"vin/outbound"
	"vin/payment"
	"vin/ratelimit"
	"vin/receipt"
	"vin/shared"
	"vin/tee"
)

const (
	// Version is reported by /health.
	Version = "0.1.0"

	// PolicyConfidentialProxy is the single registered policy.
	PolicyConfidentialProxy = "P2_CONFIDENTIAL_PROXY_V1"
	ActionConfidentialCall  = "confidential_llm_call"

	maxBodyBytes     = 2 << 20
	envelopeNonceTTL = 10 * time.Minute
)

// ProviderCaller issues the guarded upstream call. The concrete
// outbound.Caller satisfies it; tests substitute a stub.
type ProviderCaller interface {
	Call(ctx context.Context, req *outbound.Request) (*outbound.Response, error)
}

// Server owns the process-wide state: keys, caches, limiter, and the
// component handles the pipeline orchestrates.
type Server struct {
	cfg     *shared.Config
	log     *shared.Logger
	keys    *keys.NodeKeypair
	engine  *receipt.Engine
	gate    *payment.Gate
	caller  ProviderCaller
	limiter *ratelimit.Limiter
	adapter *tee.Adapter

	// envelope-nonce replay cache, keyed nonce:ephemeral_pubkey
	nonces *cache.TTLCache[string, struct{}]

	httpServer *http.Server
}

// NewServer assembles a node from its configuration.
func NewServer(cfg *shared.Config, log *shared.Logger, kp *keys.NodeKeypair, adapter *tee.Adapter) (*Server, error) {
	gate, err := payment.NewGate(cfg.PayTo, cfg.PriceAmount, cfg.Network, cfg.TestMode)
	if err != nil {
		return nil, err
	}

	engine := receipt.NewEngine(kp.SigningPrivate(),
		receipt.WithValidity(cfg.ReceiptValidity),
		receipt.WithReplayCacheMax(cfg.ReplayCacheMax),
	)

	s := &Server{
		cfg:     cfg,
		log:     log,
		keys:    kp,
		engine:  engine,
		gate:    gate,
		caller:  outbound.NewCaller(log),
		limiter: ratelimit.New(cfg.RateBurst, cfg.RatePerSecond),
		adapter: adapter,
		nonces:  cache.New[string, struct{}](cfg.ReplayCacheMax, envelopeNonceTTL),
	}
	return s, nil
}

// Engine exposes the receipt engine, for embedding and tests.
func (s *Server) Engine() *receipt.Engine { return s.engine }

// SetProviderCaller replaces the upstream caller. Intended for tests.
func (s *Server) SetProviderCaller(c ProviderCaller) { s.caller = c }

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/tee-pubkey", s.handleTEEPubkey)
	mux.HandleFunc("/v1/policies", s.handlePolicies)
	mux.HandleFunc("/v1/attestation", s.handleAttestation)
	mux.HandleFunc("/v1/generate", s.handleGenerate)
	mux.HandleFunc("/v1/verify", s.handleVerify)
	return mux
}

// ListenAndServe serves on TCP, or on a vsock listener in enclave mode.
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      150 * time.Second, // outlives the 120 s provider deadline
		IdleTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var listener net.Listener
	var err error
	if s.cfg.EnclaveMode {
		listener, err = vsock.Listen(s.cfg.VsockPort, nil)
		if err != nil {
			return fmt.Errorf("node: vsock listen: %w", err)
		}
		s.log.InfoIf("listening on vsock", zap.Uint32("port", s.cfg.VsockPort))
	} else {
		addr := fmt.Sprintf(":%d", s.cfg.Port)
		listener, err = net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("node: listen %s: %w", addr, err)
		}
		s.log.InfoIf("listening on tcp", zap.Int("port", s.cfg.Port))
	}
	return s.httpServer.Serve(listener)
}

// Shutdown drains the server and stops background workers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":                 true,
		"node_pubkey":        s.engine.NodePubkey(),
		"encryption_pubkey":  ecies.CompressPubHex(s.keys.EncryptionPublic()),
		"version":            Version,
		"x402":               true,
		"confidential_proxy": true,
	})
}

func (s *Server) handleTEEPubkey(w http.ResponseWriter, r *http.Request) {
	att := s.adapter.Attestation(r.Context(), []byte(s.engine.NodePubkey()), s.keys.SigningPublic())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"encryption_pubkey": ecies.CompressPubHex(s.keys.EncryptionPublic()),
		"signing_pubkey":    s.engine.NodePubkey(),
		"attestation":       att,
	})
}

func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"policies": []map[string]string{
			{"policy_id": PolicyConfidentialProxy, "action_type": ActionConfidentialCall},
		},
	})
}

func (s *Server) handleAttestation(w http.ResponseWriter, r *http.Request) {
	att := s.adapter.Attestation(r.Context(), []byte(s.engine.NodePubkey()), s.keys.SigningPublic())
	writeJSON(w, http.StatusOK, att)
}
