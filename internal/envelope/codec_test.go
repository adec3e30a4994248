package envelope

import (
	"errors"
	"testing"
	"time"

	"github.com/duplicati/console-machineserver/internal/keys"
)

func testIdentity(t *testing.T) *keys.Identity {
	t.Helper()
	id, err := keys.Generate(time.Now().Add(24 * time.Hour))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return id
}

// ============================================================================
// Round-trip Tests
// ============================================================================

func TestCodec_RoundTrip(t *testing.T) {
	node := testIdentity(t)
	agent := testIdentity(t)
	codec := NewCodec(node)
	agentCodec := NewCodec(agent)

	env := &Envelope{
		From:      "A1",
		To:        "S1",
		Type:      TypeCommand,
		MessageID: NewMessageID(),
		Payload:   `{"command":"reboot"}`,
	}

	t.Run("PlainText", func(t *testing.T) {
		data, err := codec.Encode(env, PlainText, nil)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		got, err := codec.Decode(data, PlainText, nil)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if *got != *env {
			t.Errorf("round-trip mismatch: got %+v, want %+v", got, env)
		}
	})

	t.Run("SignOnly", func(t *testing.T) {
		// Agent signs with its own key; the node verifies with the
		// agent's public key.
		data, err := agentCodec.Encode(env, SignOnly, nil)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		got, err := codec.Decode(data, SignOnly, agent.Public())
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if *got != *env {
			t.Errorf("round-trip mismatch: got %+v, want %+v", got, env)
		}
	})

	t.Run("Encrypt", func(t *testing.T) {
		// Node encrypts to the agent's public key; the agent decrypts
		// with its private key.
		data, err := codec.Encode(env, Encrypt, agent.Public())
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		got, err := agentCodec.Decode(data, Encrypt, nil)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if *got != *env {
			t.Errorf("round-trip mismatch: got %+v, want %+v", got, env)
		}
	})
}

// ============================================================================
// Strictness Tests
// ============================================================================

func TestCodec_WrappingMismatch(t *testing.T) {
	node := testIdentity(t)
	codec := NewCodec(node)

	env := &Envelope{Type: TypePing, MessageID: "m1"}
	plain, err := codec.Encode(env, PlainText, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// PlainText bytes where Encrypt was expected
	if _, err := codec.Decode(plain, Encrypt, nil); !errors.Is(err, ErrMalformedEnvelope) {
		t.Errorf("Decode(plain, Encrypt) = %v, want ErrMalformedEnvelope", err)
	}

	// Encrypted bytes where PlainText was expected
	sealed, err := codec.Encode(env, Encrypt, node.Public())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := codec.Decode(sealed, PlainText, nil); !errors.Is(err, ErrMalformedEnvelope) {
		t.Errorf("Decode(sealed, PlainText) = %v, want ErrMalformedEnvelope", err)
	}
}

func TestCodec_WrongKeyIsUniformError(t *testing.T) {
	node := testIdentity(t)
	agent := testIdentity(t)
	other := testIdentity(t)
	codec := NewCodec(node)

	env := &Envelope{Type: TypeAuth, MessageID: "m1"}

	// Signature from agent verified against the wrong public key
	signed, err := NewCodec(agent).Encode(env, SignOnly, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := codec.Decode(signed, SignOnly, other.Public()); !errors.Is(err, ErrInvalidConnectionStateForAuthentication) {
		t.Errorf("Decode with wrong verifier = %v, want ErrInvalidConnectionStateForAuthentication", err)
	}

	// Envelope encrypted to another node's key
	sealed, err := codec.Encode(env, Encrypt, other.Public())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := codec.Decode(sealed, Encrypt, nil); !errors.Is(err, ErrInvalidConnectionStateForAuthentication) {
		t.Errorf("Decode with wrong private key = %v, want ErrInvalidConnectionStateForAuthentication", err)
	}
}

// ============================================================================
// Envelope Helper Tests
// ============================================================================

func TestEnvelope_WithError(t *testing.T) {
	env := &Envelope{From: "P1", To: "A1", Type: TypeCommand, MessageID: "m7", Payload: "x"}
	reply := env.WithError("Destination not available for relay")

	if reply.From != "A1" || reply.To != "P1" {
		t.Errorf("reply endpoints = %s -> %s, want A1 -> P1", reply.From, reply.To)
	}
	if reply.Type != TypeCommand || reply.MessageID != "m7" {
		t.Errorf("reply should keep type and messageId, got %s/%s", reply.Type, reply.MessageID)
	}
	if reply.Payload != "" {
		t.Error("error reply must not carry a success payload")
	}
	if reply.ErrorMessage == "" {
		t.Error("error reply must carry errorMessage")
	}
}

func TestUnmarshalPayload(t *testing.T) {
	var req AuthPortalRequest
	if err := UnmarshalPayload(`{"token":"t","protocolVersion":1}`, &req); err != nil {
		t.Fatalf("UnmarshalPayload: %v", err)
	}
	if req.Token != "t" || req.ProtocolVersion != 1 {
		t.Errorf("unexpected payload: %+v", req)
	}

	if err := UnmarshalPayload("", &req); !errors.Is(err, ErrMalformedEnvelope) {
		t.Errorf("empty payload = %v, want ErrMalformedEnvelope", err)
	}
	if err := UnmarshalPayload("{not json", &req); !errors.Is(err, ErrMalformedEnvelope) {
		t.Errorf("bad payload = %v, want ErrMalformedEnvelope", err)
	}
}
