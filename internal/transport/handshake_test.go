package transport

import "testing"

// runHandshake drives both sides of the exchange in-process (no network)
// and returns the derived keys on success.
func runHandshake(t *testing.T, serverName, serverPassword, clientPassword string) (clientSK, serverSK [32]byte, serverErr, clientErr error) {
	t.Helper()

	sh, err := NewServerHandshake(serverName, serverPassword)
	if err != nil {
		t.Fatalf("NewServerHandshake: %v", err)
	}
	ch, err := NewClientHandshake(serverName, clientPassword)
	if err != nil {
		t.Fatalf("NewClientHandshake: %v", err)
	}

	resp1, err := ch.ConsumeServerHello(sh.PublicData())
	if err != nil {
		t.Fatalf("ConsumeServerHello: %v", err)
	}
	if err := sh.ConsumeResponse1(resp1); err != nil {
		t.Fatalf("ConsumeResponse1: %v", err)
	}

	resp2 := sh.Response2AndProof()
	clientErr = ch.VerifyServerProof(resp2)
	if clientErr != nil {
		return
	}

	resp3 := ch.Response3()
	serverErr = sh.VerifyResponse3(resp3)

	csk, ssk := ch.Keys()
	return csk, ssk, serverErr, nil
}

func TestHandshakeMatchingPasswordDerivesSharedKeys(t *testing.T) {
	sh, err := NewServerHandshake("studio-a", "correct horse")
	if err != nil {
		t.Fatalf("NewServerHandshake: %v", err)
	}
	ch, err := NewClientHandshake("studio-a", "correct horse")
	if err != nil {
		t.Fatalf("NewClientHandshake: %v", err)
	}

	resp1, err := ch.ConsumeServerHello(sh.PublicData())
	if err != nil {
		t.Fatalf("ConsumeServerHello: %v", err)
	}
	if err := sh.ConsumeResponse1(resp1); err != nil {
		t.Fatalf("ConsumeResponse1: %v", err)
	}
	if err := ch.VerifyServerProof(sh.Response2AndProof()); err != nil {
		t.Fatalf("VerifyServerProof: %v", err)
	}
	if err := sh.VerifyResponse3(ch.Response3()); err != nil {
		t.Fatalf("VerifyResponse3: %v", err)
	}

	clientSK, serverSK := ch.Keys()
	scSK, ssSK := sh.Keys()
	if scSK != clientSK || ssSK != serverSK {
		t.Fatal("client and server must derive identical directional keys once authenticated")
	}
}

func TestHandshakeWrongPasswordFailsAtProofStep(t *testing.T) {
	_, _, _, clientErr := runHandshake(t, "studio-a", "correct horse", "wrong password")
	if clientErr == nil {
		t.Fatal("expected verification failure when client and server passwords differ")
	}
	if clientErr != ErrAuthFailed {
		t.Fatalf("expected ErrAuthFailed, got %v", clientErr)
	}
}

func TestHandshakeWrongServerNameFailsAtProofStep(t *testing.T) {
	sh, err := NewServerHandshake("studio-a", "correct horse")
	if err != nil {
		t.Fatalf("NewServerHandshake: %v", err)
	}
	ch, err := NewClientHandshake("studio-b", "correct horse")
	if err != nil {
		t.Fatalf("NewClientHandshake: %v", err)
	}
	resp1, err := ch.ConsumeServerHello(sh.PublicData())
	if err != nil {
		t.Fatalf("ConsumeServerHello: %v", err)
	}
	if err := sh.ConsumeResponse1(resp1); err != nil {
		t.Fatalf("ConsumeResponse1: %v", err)
	}
	if err := ch.VerifyServerProof(sh.Response2AndProof()); err != ErrAuthFailed {
		t.Fatalf("expected ErrAuthFailed for mismatched server name, got %v", err)
	}
}

func TestHandshakeDuplicateResponse1Rejected(t *testing.T) {
	sh, _ := NewServerHandshake("studio-a", "pw")
	ch, _ := NewClientHandshake("studio-a", "pw")
	resp1, _ := ch.ConsumeServerHello(sh.PublicData())

	if err := sh.ConsumeResponse1(resp1); err != nil {
		t.Fatalf("first ConsumeResponse1: %v", err)
	}
	if err := sh.ConsumeResponse1(resp1); err == nil {
		t.Fatal("duplicate client_reply must be rejected")
	}
}

func TestHandshakeDuplicateResponse3Rejected(t *testing.T) {
	sh, _ := NewServerHandshake("studio-a", "pw")
	ch, _ := NewClientHandshake("studio-a", "pw")
	resp1, _ := ch.ConsumeServerHello(sh.PublicData())
	sh.ConsumeResponse1(resp1)
	ch.VerifyServerProof(sh.Response2AndProof())
	resp3 := ch.Response3()

	if err := sh.VerifyResponse3(resp3); err != nil {
		t.Fatalf("first VerifyResponse3: %v", err)
	}
	if err := sh.VerifyResponse3(resp3); err == nil {
		t.Fatal("duplicate client_proof must be rejected")
	}
}

func TestFramerSealOpenRoundTrip(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}
	sender, err := NewFramer(key)
	if err != nil {
		t.Fatalf("NewFramer: %v", err)
	}
	receiver, err := NewFramer(key)
	if err != nil {
		t.Fatalf("NewFramer: %v", err)
	}

	for i, msg := range [][]byte{[]byte("first"), []byte("second"), []byte("third")} {
		envelope := sender.SealEnvelope(1, msg)
		stream, plain, err := receiver.OpenEnvelope(envelope)
		if err != nil {
			t.Fatalf("message %d: OpenEnvelope: %v", i, err)
		}
		if stream != 1 {
			t.Fatalf("message %d: stream = %d, want 1", i, stream)
		}
		if string(plain) != string(msg) {
			t.Fatalf("message %d: got %q, want %q", i, plain, msg)
		}
	}
}

func TestFramerRejectsTamperedCiphertext(t *testing.T) {
	var key [32]byte
	sender, _ := NewFramer(key)
	receiver, _ := NewFramer(key)

	envelope := sender.SealEnvelope(0, []byte("payload"))
	envelope[len(envelope)-1] ^= 0xFF

	if _, _, err := receiver.OpenEnvelope(envelope); err != ErrDecrypt {
		t.Fatalf("expected ErrDecrypt for tampered ciphertext, got %v", err)
	}
}

func TestFramerRejectsWrongStreamTag(t *testing.T) {
	var key [32]byte
	sender, _ := NewFramer(key)
	receiver, _ := NewFramer(key)

	envelope := sender.SealEnvelope(1, []byte("payload"))
	envelope[0] = 2 // claim a different stream than it was sealed under

	if _, _, err := receiver.OpenEnvelope(envelope); err != ErrDecrypt {
		t.Fatalf("expected ErrDecrypt when stream tag does not match additional data, got %v", err)
	}
}
