package ecies

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	recipient, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}

	cases := [][]byte{
		[]byte("hi"),
		[]byte(`{"provider_url":"https://api.anthropic.com/v1/messages","model":"claude-3-haiku-20240307"}`),
		bytes.Repeat([]byte{0xaa}, 64*1024),
		{},
	}

	for i, plaintext := range cases {
		env, err := Seal(plaintext, &recipient.PublicKey)
		if err != nil {
			t.Fatalf("case %d: Seal failed: %v", i, err)
		}

		out, err := Open(env, recipient)
		if err != nil {
			t.Fatalf("case %d: Open failed: %v", i, err)
		}
		if !bytes.Equal(out, plaintext) {
			t.Errorf("case %d: round trip mismatch", i)
		}
	}
}

func TestOpenWrongKeyFails(t *testing.T) {
	recipient, _ := GenerateKeypair()
	wrong, _ := GenerateKeypair()

	env, err := Seal([]byte("secret"), &recipient.PublicKey)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	if _, err := Open(env, wrong); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Open with wrong key: got %v, want ErrDecryptionFailed", err)
	}
}

func TestOpenTamperedCiphertextFails(t *testing.T) {
	recipient, _ := GenerateKeypair()
	env, err := Seal([]byte("secret"), &recipient.PublicKey)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	raw, _ := base64.StdEncoding.DecodeString(env.Ciphertext)
	raw[0] ^= 0x01
	env.Ciphertext = base64.StdEncoding.EncodeToString(raw)

	if _, err := Open(env, recipient); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Open with tampered ciphertext: got %v, want ErrDecryptionFailed", err)
	}
}

func TestOpenMalformedEnvelope(t *testing.T) {
	recipient, _ := GenerateKeypair()
	good, err := Seal([]byte("secret"), &recipient.PublicKey)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(e *Envelope)
	}{
		{"bad pubkey hex", func(e *Envelope) { e.EphemeralPubkey = "zz" + e.EphemeralPubkey[2:] }},
		{"truncated pubkey", func(e *Envelope) { e.EphemeralPubkey = e.EphemeralPubkey[:40] }},
		{"off-curve pubkey", func(e *Envelope) {
			raw, _ := hex.DecodeString(e.EphemeralPubkey)
			raw[compressedPubSize-1] ^= 0x01
			// Flipping the low X bit usually leaves the curve; force a known-bad
			// prefix as well so the parse always rejects.
			raw[0] = 0x05
			e.EphemeralPubkey = hex.EncodeToString(raw)
		}},
		{"short nonce", func(e *Envelope) { e.Nonce = e.Nonce[:10] }},
		{"bad nonce hex", func(e *Envelope) { e.Nonce = "zz" + e.Nonce[2:] }},
		{"bad ciphertext base64", func(e *Envelope) { e.Ciphertext = "!!!" + e.Ciphertext }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := *good
			tc.mutate(&env)
			if _, err := Open(&env, recipient); !errors.Is(err, ErrDecryptionFailed) {
				t.Errorf("got %v, want ErrDecryptionFailed", err)
			}
		})
	}
}

func TestParsePubRejectsOffCurve(t *testing.T) {
	// 33 bytes with a valid prefix but an X that is not on the curve.
	bad := make([]byte, 33)
	bad[0] = 0x02
	for i := 1; i < 33; i++ {
		bad[i] = 0xff
	}
	if _, err := ParsePub(hex.EncodeToString(bad)); err == nil {
		t.Error("expected off-curve rejection")
	}
}

func TestFreshEphemeralAndNoncePerSeal(t *testing.T) {
	recipient, _ := GenerateKeypair()

	a, err := Seal([]byte("x"), &recipient.PublicKey)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	b, err := Seal([]byte("x"), &recipient.PublicKey)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	if a.EphemeralPubkey == b.EphemeralPubkey {
		t.Error("ephemeral key reused across seals")
	}
	if a.Nonce == b.Nonce {
		t.Error("nonce reused across seals")
	}
	if a.Ciphertext == b.Ciphertext {
		t.Error("identical ciphertexts for independent seals")
	}
}

func TestSealToParsesRecipient(t *testing.T) {
	recipient, _ := GenerateKeypair()
	env, err := SealTo([]byte("hello"), CompressPubHex(&recipient.PublicKey))
	if err != nil {
		t.Fatalf("SealTo failed: %v", err)
	}
	out, err := Open(env, recipient)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if string(out) != "hello" {
		t.Errorf("round trip = %q", out)
	}

	if _, err := SealTo([]byte("hello"), "02deadbeef"); err == nil {
		t.Error("expected error for malformed recipient key")
	}
}
