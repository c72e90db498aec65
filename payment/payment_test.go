package payment

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"vin/canonical"
)

const testPayTo = "0x1111111111111111111111111111111111111111"

func testGate(t *testing.T, testMode bool) *Gate {
	t.Helper()
	g, err := NewGate(testPayTo, "10000", "eip155:8453", testMode)
	if err != nil {
		t.Fatalf("NewGate failed: %v", err)
	}
	return g
}

func TestNewGateRejectsBadAddress(t *testing.T) {
	if _, err := NewGate("not-an-address", "10000", "eip155:8453", false); err == nil {
		t.Error("malformed payTo accepted")
	}
}

func TestAcceptanceOrder(t *testing.T) {
	g := testGate(t, true)

	t.Run("payment-signature preferred", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/v1/generate", nil)
		r.Header.Set(HeaderPaymentSignature, "sig-v2")
		r.Header.Set(HeaderXPayment, "sig-v1")
		ev := g.Accept(r)
		if ev == nil || ev.Type != "x402-v2" {
			t.Fatalf("evidence = %+v", ev)
		}
		if ev.PaymentCommitment != canonical.HashText("sig-v2") {
			t.Error("commitment not over the v2 header value")
		}
	})

	t.Run("x-payment fallback", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/v1/generate", nil)
		r.Header.Set(HeaderXPayment, "sig-v1")
		ev := g.Accept(r)
		if ev == nil || ev.Type != "x402-v1" {
			t.Fatalf("evidence = %+v", ev)
		}
	})

	t.Run("test mode query parameter", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/v1/generate?paid=true", nil)
		if ev := g.Accept(r); ev == nil || ev.Type != "test" {
			t.Fatalf("evidence = %+v", ev)
		}
	})

	t.Run("query parameter ignored outside test mode", func(t *testing.T) {
		prod := testGate(t, false)
		r := httptest.NewRequest("POST", "/v1/generate?paid=true", nil)
		if ev := prod.Accept(r); ev != nil {
			t.Errorf("evidence = %+v, want nil", ev)
		}
	})

	t.Run("no evidence", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/v1/generate", nil)
		if ev := g.Accept(r); ev != nil {
			t.Errorf("evidence = %+v, want nil", ev)
		}
	})
}

func TestChallengeShape(t *testing.T) {
	g := testGate(t, false)
	rec := httptest.NewRecorder()
	g.WriteChallenge(rec, "/v1/generate")

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d", rec.Code)
	}

	var ch Challenge
	if err := json.Unmarshal(rec.Body.Bytes(), &ch); err != nil {
		t.Fatalf("body decode failed: %v", err)
	}
	if ch.X402Version != 2 {
		t.Errorf("x402Version = %d", ch.X402Version)
	}
	if len(ch.Accepts) != 1 {
		t.Fatalf("accepts length = %d", len(ch.Accepts))
	}
	req := ch.Accepts[0]
	if req.Scheme != "exact" || req.Network != "eip155:8453" || req.PayTo != testPayTo || req.Amount != "10000" {
		t.Errorf("requirements = %+v", req)
	}
	if req.Extra["assetTransferMethod"] == "" || req.Extra["name"] == "" || req.Extra["version"] == "" {
		t.Errorf("extra = %+v", req.Extra)
	}

	// The header carries the same body, base64-encoded.
	decoded, err := base64.StdEncoding.DecodeString(rec.Header().Get(HeaderPaymentRequired))
	if err != nil {
		t.Fatalf("header decode failed: %v", err)
	}
	if string(decoded) != rec.Body.String() {
		t.Error("header challenge differs from body")
	}
}
