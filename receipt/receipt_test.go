package receipt

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"vin/canonical"
)

func testEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}
	return NewEngine(priv, opts...)
}

func testRequest() *ActionRequest {
	return &ActionRequest{
		PolicyID:   "P2_CONFIDENTIAL_PROXY_V1",
		ActionType: "confidential_llm_call",
		Inputs: map[string]interface{}{
			"provider_url": "https://api.anthropic.com/v1/messages",
			"model":        "claude-3-haiku-20240307",
			"messages": []interface{}{
				map[string]interface{}{"role": "user", "content": "hi"},
			},
		},
	}
}

func testOutput() *Output {
	return &Output{Text: "hello there", CleanText: "hello there"}
}

func TestBuildVerifyRoundTrip(t *testing.T) {
	e := testEngine(t)
	req, out := testRequest(), testOutput()

	rec, err := e.Build(req, out, nil, nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if rec.Schema != Schema || rec.Version != Version {
		t.Errorf("schema/version = %s/%s", rec.Schema, rec.Version)
	}
	if rec.IssuedAt > rec.ExpiresAt {
		t.Errorf("iat %d > exp %d", rec.IssuedAt, rec.ExpiresAt)
	}
	if rec.Attestation.Type != "none" || rec.Payment.Type != "none" {
		t.Errorf("default sub-objects not none: %+v %+v", rec.Attestation, rec.Payment)
	}

	result := e.Verify(req, out, rec)
	if !result.Valid {
		t.Fatalf("Verify failed: %s", result.Reason)
	}
}

func TestVerifyReplay(t *testing.T) {
	e := testEngine(t)
	req, out := testRequest(), testOutput()
	rec, err := e.Build(req, out, nil, nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if r := e.Verify(req, out, rec); !r.Valid {
		t.Fatalf("first verify failed: %s", r.Reason)
	}
	if r := e.Verify(req, out, rec); r.Valid || r.Reason != ReasonReplayDetected {
		t.Errorf("second verify = %+v, want replay_detected", r)
	}
}

func TestVerifyTamperDetection(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(req *ActionRequest, out *Output, rec *Receipt)
		reason string
	}{
		{
			name:   "inputs",
			mutate: func(req *ActionRequest, out *Output, rec *Receipt) { req.Inputs["model"] = "other" },
			reason: ReasonInputsCommitmentMismatch,
		},
		{
			name:   "clean text",
			mutate: func(req *ActionRequest, out *Output, rec *Receipt) { out.CleanText = "hello therf" },
			reason: ReasonOutputCleanHashMismatch,
		},
		{
			name:   "transport text",
			mutate: func(req *ActionRequest, out *Output, rec *Receipt) { out.Text = "hello therf" },
			reason: ReasonOutputTransportHashMismatch,
		},
		{
			name:   "signature",
			mutate: func(req *ActionRequest, out *Output, rec *Receipt) { rec.Sig = "A" + rec.Sig[1:] },
			reason: ReasonSignatureInvalid,
		},
		{
			name:   "schema",
			mutate: func(req *ActionRequest, out *Output, rec *Receipt) { rec.Schema = "vin.receipt.v9" },
			reason: ReasonInvalidSchema,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := testEngine(t)
			req, out := testRequest(), testOutput()
			rec, err := e.Build(req, out, nil, nil)
			if err != nil {
				t.Fatalf("Build failed: %v", err)
			}
			tc.mutate(req, out, rec)
			result := e.Verify(req, out, rec)
			if result.Valid {
				t.Fatal("tampered receipt verified")
			}
			if result.Reason != tc.reason {
				t.Errorf("reason = %s, want %s", result.Reason, tc.reason)
			}
		})
	}
}

func TestVerifyTimeBounds(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	t.Run("expired", func(t *testing.T) {
		e := testEngine(t, WithClock(clock), WithValidity(time.Second))
		req, out := testRequest(), testOutput()
		rec, err := e.Build(req, out, nil, nil)
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		now = now.Add(2 * time.Second)
		defer func() { now = time.Unix(1_700_000_000, 0) }()
		if r := e.Verify(req, out, rec); r.Valid || r.Reason != ReasonExpired {
			t.Errorf("result = %+v, want expired", r)
		}
	})

	t.Run("issued in future", func(t *testing.T) {
		e := testEngine(t, WithClock(clock))
		req, out := testRequest(), testOutput()
		rec, err := e.Build(req, out, nil, nil)
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		rec.IssuedAt = now.Unix() + 120
		if r := e.Verify(req, out, rec); r.Valid || r.Reason != ReasonIssuedInFuture {
			t.Errorf("result = %+v, want issued_in_future", r)
		}
	})

	t.Run("skew tolerated", func(t *testing.T) {
		e := testEngine(t, WithClock(clock))
		req, out := testRequest(), testOutput()
		rec, err := e.Build(req, out, nil, nil)
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		// 30 s ahead is within the 60 s tolerance, but the signature no
		// longer matches the mutated iat.
		rec.IssuedAt = now.Unix() + 30
		if r := e.Verify(req, out, rec); r.Valid || r.Reason != ReasonSignatureInvalid {
			t.Errorf("result = %+v, want signature_invalid", r)
		}
	})
}

func TestCrossEngineVerify(t *testing.T) {
	// A receipt signed by one engine verifies on a fresh engine holding a
	// different key: node_pubkey travels in the receipt.
	builder := testEngine(t)
	verifier := testEngine(t)

	req, out := testRequest(), testOutput()
	rec, err := builder.Build(req, out, nil, nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if r := verifier.Verify(req, out, rec); !r.Valid {
		t.Errorf("cross-engine verify failed: %s", r.Reason)
	}
}

func TestBuildCommitted(t *testing.T) {
	e := testEngine(t)
	out := testOutput()

	committed := map[string]interface{}{
		"provider_url": "https://api.openai.com/v1/chat/completions",
		"model":        "gpt-4o-mini",
		"messages": []interface{}{
			map[string]interface{}{"role": "user", "content": "hi"},
		},
	}
	commitment, err := canonical.Hash(committed)
	if err != nil {
		t.Fatal(err)
	}

	actionReq := &ActionRequest{
		PolicyID:   "P2_CONFIDENTIAL_PROXY_V1",
		ActionType: "confidential_llm_call",
		Inputs:     map[string]interface{}{"prompt": "[commitment:" + commitment + "]"},
	}
	rec, err := e.BuildCommitted(commitment, actionReq, out, nil, nil)
	if err != nil {
		t.Fatalf("BuildCommitted failed: %v", err)
	}
	if rec.InputsCommitment != commitment {
		t.Errorf("inputs_commitment = %s, want %s", rec.InputsCommitment, commitment)
	}

	// A verifier reconstructing the committed subset succeeds.
	verifyReq := &ActionRequest{
		PolicyID:   actionReq.PolicyID,
		ActionType: actionReq.ActionType,
		Inputs:     committed,
	}
	if r := e.Verify(verifyReq, out, rec); !r.Valid {
		t.Errorf("verify over committed subset failed: %s", r.Reason)
	}
}

func TestReplayCacheEviction(t *testing.T) {
	e := testEngine(t, WithReplayCacheMax(2))
	req, out := testRequest(), testOutput()

	for i := 0; i < 3; i++ {
		rec, err := e.Build(req, out, nil, nil)
		if err != nil {
			t.Fatalf("Build %d failed: %v", i, err)
		}
		if r := e.Verify(req, out, rec); !r.Valid {
			t.Fatalf("verify %d failed: %s", i, r.Reason)
		}
	}
}
