package envelope

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/duplicati/console-machineserver/internal/keys"
)

// Wrapping selects the transport format applied to a serialized envelope.
type Wrapping int

const (
	// PlainText sends the JSON serialization directly.
	PlainText Wrapping = iota

	// SignOnly wraps the JSON in a compact JWS signed by the sender.
	SignOnly

	// Encrypt wraps the JSON in a compact JWE to the recipient's key.
	Encrypt
)

// String returns the string representation of the wrapping.
func (w Wrapping) String() string {
	switch w {
	case PlainText:
		return "PLAINTEXT"
	case SignOnly:
		return "SIGN_ONLY"
	case Encrypt:
		return "ENCRYPT"
	default:
		return "UNKNOWN"
	}
}

// JOSE protected-header fields carried on every wrapped envelope.
const (
	headerEncrypted = "encrypted"
	headerVersion   = "version"
	wrappingVersion = "1"
)

// Codec encodes and decodes envelopes under the three wrappings using the
// node's RSA identity. The identity is immutable; Codec is safe for
// concurrent use.
type Codec struct {
	identity *keys.Identity
}

// NewCodec creates a codec bound to the node identity.
func NewCodec(identity *keys.Identity) *Codec {
	return &Codec{identity: identity}
}

// Encode serializes the envelope and applies the wrapping. The peer key is
// required for Encrypt (the recipient's public key) and ignored otherwise.
func (c *Codec) Encode(env *Envelope, wrapping Wrapping, peer *rsa.PublicKey) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	switch wrapping {
	case PlainText:
		return data, nil

	case SignOnly:
		signer, err := jose.NewSigner(
			jose.SigningKey{Algorithm: jose.RS256, Key: c.identity.Private()},
			signerOptions(),
		)
		if err != nil {
			return nil, fmt.Errorf("create signer: %w", err)
		}
		jws, err := signer.Sign(data)
		if err != nil {
			return nil, fmt.Errorf("sign envelope: %w", err)
		}
		compact, err := jws.CompactSerialize()
		if err != nil {
			return nil, fmt.Errorf("serialize jws: %w", err)
		}
		return []byte(compact), nil

	case Encrypt:
		if peer == nil {
			return nil, fmt.Errorf("encrypt wrapping requires the recipient public key")
		}
		encrypter, err := jose.NewEncrypter(
			jose.A256CBC_HS512,
			jose.Recipient{Algorithm: jose.RSA_OAEP_256, Key: peer},
			encrypterOptions(),
		)
		if err != nil {
			return nil, fmt.Errorf("create encrypter: %w", err)
		}
		jwe, err := encrypter.Encrypt(data)
		if err != nil {
			return nil, fmt.Errorf("encrypt envelope: %w", err)
		}
		compact, err := jwe.CompactSerialize()
		if err != nil {
			return nil, fmt.Errorf("serialize jwe: %w", err)
		}
		return []byte(compact), nil

	default:
		return nil, fmt.Errorf("unknown wrapping %d", wrapping)
	}
}

// Decode is the strict inverse of Encode. Bytes that do not parse under
// the expected wrapping fail with ErrMalformedEnvelope; signature or
// decryption failures fail with the uniform
// ErrInvalidConnectionStateForAuthentication. The peer key is required for
// SignOnly (the sender's public key) and ignored otherwise.
func (c *Codec) Decode(data []byte, wrapping Wrapping, peer *rsa.PublicKey) (*Envelope, error) {
	switch wrapping {
	case PlainText:
		return parseEnvelope(data)

	case SignOnly:
		jws, err := jose.ParseSigned(string(data), []jose.SignatureAlgorithm{jose.RS256})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		if peer == nil {
			return nil, ErrInvalidConnectionStateForAuthentication
		}
		payload, err := jws.Verify(peer)
		if err != nil {
			return nil, ErrInvalidConnectionStateForAuthentication
		}
		return parseEnvelope(payload)

	case Encrypt:
		jwe, err := jose.ParseEncrypted(string(data),
			[]jose.KeyAlgorithm{jose.RSA_OAEP_256},
			[]jose.ContentEncryption{jose.A256CBC_HS512},
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		payload, err := jwe.Decrypt(c.identity.Private())
		if err != nil {
			return nil, ErrInvalidConnectionStateForAuthentication
		}
		return parseEnvelope(payload)

	default:
		return nil, fmt.Errorf("unknown wrapping %d", wrapping)
	}
}

// DecodeSignedEmbedded handles the agent auth bootstrap: the JWS is signed
// by a key the node does not know yet because the key travels inside the
// signed payload. The unverified payload is parsed only to extract the
// key via keyFromEnvelope; the signature is then verified against that
// key (proof of possession) and the verified envelope is returned.
func (c *Codec) DecodeSignedEmbedded(data []byte, keyFromEnvelope func(*Envelope) (*rsa.PublicKey, error)) (*Envelope, *rsa.PublicKey, error) {
	jws, err := jose.ParseSigned(string(data), []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	unverified, err := parseEnvelope(jws.UnsafePayloadWithoutVerification())
	if err != nil {
		return nil, nil, err
	}

	key, err := keyFromEnvelope(unverified)
	if err != nil || key == nil {
		return nil, nil, ErrInvalidConnectionStateForAuthentication
	}

	payload, err := jws.Verify(key)
	if err != nil {
		return nil, nil, ErrInvalidConnectionStateForAuthentication
	}
	env, err := parseEnvelope(payload)
	if err != nil {
		return nil, nil, err
	}
	return env, key, nil
}

func parseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return &env, nil
}

func signerOptions() *jose.SignerOptions {
	opts := &jose.SignerOptions{}
	opts.WithHeader(headerEncrypted, "false")
	opts.WithHeader(headerVersion, wrappingVersion)
	return opts
}

func encrypterOptions() *jose.EncrypterOptions {
	opts := &jose.EncrypterOptions{}
	opts.WithHeader(headerEncrypted, "true")
	opts.WithHeader(headerVersion, wrappingVersion)
	return opts
}
