// Package payment implements the x402 payment gate: the structured 402
// challenge for unpaid requests and the acceptance check that produces a
// payment commitment for receipt binding. Settlement verification is an
// external facilitator's job; this gate records the outcome only.
package payment

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"vin/canonical"
)

const (
	// HeaderPaymentRequired carries the base64 challenge body on 402s.
	HeaderPaymentRequired = "PAYMENT-REQUIRED"

	// Acceptance headers, in preference order.
	HeaderPaymentSignature = "PAYMENT-SIGNATURE"
	HeaderXPayment         = "X-Payment"

	x402Version = 2

	defaultMaxTimeoutSeconds = 300

	// USDC contract address advertised as the payment asset; the gate has
	// no option to change it.
	defaultAsset = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
)

// Resource describes the paid endpoint inside a challenge.
type Resource struct {
	URL         string `json:"url"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType"`
}

// Requirements enumerates one accepted payment scheme.
type Requirements struct {
	Scheme            string            `json:"scheme"`
	Network           string            `json:"network"` // CAIP-2, e.g. eip155:8453
	Amount            string            `json:"amount"`  // minor units
	Asset             string            `json:"asset"`
	PayTo             string            `json:"payTo"`
	MaxTimeoutSeconds int               `json:"maxTimeoutSeconds"`
	Extra             map[string]string `json:"extra"`
}

// Challenge is the 402 response body.
type Challenge struct {
	X402Version int            `json:"x402Version"`
	Resource    Resource       `json:"resource"`
	Accepts     []Requirements `json:"accepts"`
}

// Evidence records an accepted payment for receipt binding.
type Evidence struct {
	Type              string // "x402-v2", "x402-v1", "test"
	PaymentRef        string // which header/parameter satisfied the gate
	PaymentCommitment string // sha256(utf8(header value)), lowercase hex
}

// Gate evaluates payment on inbound requests and emits challenges.
type Gate struct {
	payTo    string
	amount   string
	asset    string
	network  string
	testMode bool
}

// NewGate validates the payTo address (when set) and constructs the gate.
func NewGate(payTo, amount, network string, testMode bool) (*Gate, error) {
	if payTo != "" && !common.IsHexAddress(payTo) {
		return nil, fmt.Errorf("payment: payTo %q is not an EVM address", payTo)
	}
	if network == "" {
		network = "eip155:8453"
	}
	if amount == "" {
		amount = "10000"
	}
	return &Gate{
		payTo:    payTo,
		amount:   amount,
		asset:    defaultAsset,
		network:  network,
		testMode: testMode,
	}, nil
}

// Accept checks the request for payment evidence, in the documented header
// order. The returned Evidence is nil when no evidence is present.
func (g *Gate) Accept(r *http.Request) *Evidence {
	if v := r.Header.Get(HeaderPaymentSignature); v != "" {
		return &Evidence{
			Type:              "x402-v2",
			PaymentRef:        HeaderPaymentSignature,
			PaymentCommitment: canonical.HashText(v),
		}
	}
	if v := r.Header.Get(HeaderXPayment); v != "" {
		return &Evidence{
			Type:              "x402-v1",
			PaymentRef:        HeaderXPayment,
			PaymentCommitment: canonical.HashText(v),
		}
	}
	if g.testMode && r.URL.Query().Get("paid") == "true" {
		return &Evidence{Type: "test", PaymentRef: "paid=true"}
	}
	return nil
}

// BuildChallenge constructs the 402 challenge for a resource URL.
func (g *Gate) BuildChallenge(resourceURL string) *Challenge {
	return &Challenge{
		X402Version: x402Version,
		Resource: Resource{
			URL:         resourceURL,
			Description: "Confidential LLM inference with signed receipt",
			MimeType:    "application/json",
		},
		Accepts: []Requirements{
			{
				Scheme:            "exact",
				Network:           g.network,
				Amount:            g.amount,
				Asset:             g.asset,
				PayTo:             g.payTo,
				MaxTimeoutSeconds: defaultMaxTimeoutSeconds,
				Extra: map[string]string{
					"assetTransferMethod": "transferWithAuthorization",
					"name":                "USD Coin",
					"version":             "2",
				},
			},
		},
	}
}

// WriteChallenge emits the 402 response: JSON body plus the PAYMENT-REQUIRED
// header carrying the same body base64-encoded.
func (g *Gate) WriteChallenge(w http.ResponseWriter, resourceURL string) {
	challenge := g.BuildChallenge(resourceURL)
	body, err := json.Marshal(challenge)
	if err != nil {
		http.Error(w, "payment challenge unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(HeaderPaymentRequired, base64.StdEncoding.EncodeToString(body))
	w.WriteHeader(http.StatusPaymentRequired)
	w.Write(body)
}
