package socket

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

// NonceSize is the size of gateway handshake nonces in bytes.
const NonceSize = 32

// NewNonce returns a fresh random nonce, base64 encoded.
func NewNonce() (string, error) {
	buf := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// GatewayHash computes the three-part handshake hash over the pre-shared
// key and both nonces. Each side derives it independently; a match proves
// possession of the PSK without putting it on the wire.
func GatewayHash(preSharedKey, serverNonce, peerNonce string) string {
	mac := hmac.New(sha256.New, []byte(preSharedKey))
	mac.Write([]byte(serverNonce))
	mac.Write([]byte("."))
	mac.Write([]byte(peerNonce))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyGatewayHash checks a presented hash in constant time.
func VerifyGatewayHash(preSharedKey, serverNonce, peerNonce, presented string) bool {
	expected := GatewayHash(preSharedKey, serverNonce, peerNonce)
	return hmac.Equal([]byte(expected), []byte(presented))
}
