// File: protocol/handshake.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// RFC6455 opening handshake for both roles, built on http1 messages.

package protocol

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/momentics/hioload-reactor/api"
	"github.com/momentics/hioload-reactor/protocol/http1"
)

// MaxHandshakeHeadersSize bounds the combined header bytes of an upgrade
// request.
const MaxHandshakeHeadersSize = 8192

// Handshake validation errors.
var (
	ErrInvalidUpgradeHeaders = errors.New("invalid WebSocket upgrade headers")
	ErrMissingWebSocketKey   = errors.New("missing Sec-WebSocket-Key header")
	ErrUnsupportedVersion    = errors.New("unsupported WebSocket version; only 13 is supported")
	ErrHandshakeTooLarge     = errors.New("handshake headers too large")
	ErrBadAccept             = errors.New("Sec-WebSocket-Accept does not match the key")
)

func handshakeError(err error) error {
	return api.NewError(api.KindProtocol, "ws.handshake", err)
}

// ComputeAcceptKey computes the Sec-WebSocket-Accept value from the client's key.
func ComputeAcceptKey(clientKey string) string {
	hash := sha1.Sum([]byte(clientKey + WebSocketGUID))
	return base64.StdEncoding.EncodeToString(hash[:])
}

// NewClientKey returns a random Sec-WebSocket-Key.
func NewClientKey() (string, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("ws: client key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(nonce[:]), nil
}

// IsUpgrade reports whether req asks for a WebSocket upgrade.
func IsUpgrade(req *http1.Request) bool {
	return req.Header.HasToken("Connection", "upgrade") && req.Header.HasToken("Upgrade", "websocket")
}

// CheckUpgrade validates an upgrade request and returns its client key.
func CheckUpgrade(req *http1.Request) (string, error) {
	total := 0
	for _, f := range req.Header {
		total += len(f.Name) + len(f.Value)
	}
	if total > MaxHandshakeHeadersSize {
		return "", handshakeError(ErrHandshakeTooLarge)
	}
	if req.Method != "GET" || !IsUpgrade(req) {
		return "", handshakeError(ErrInvalidUpgradeHeaders)
	}
	key := req.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return "", handshakeError(ErrMissingWebSocketKey)
	}
	if req.Header.Get("Sec-WebSocket-Version") != "13" {
		return "", handshakeError(ErrUnsupportedVersion)
	}
	return key, nil
}

// UpgradeResponse validates req and builds the 101 response completing the
// handshake. Subprotocols and extensions are not negotiated.
func UpgradeResponse(req *http1.Request) (*http1.Response, error) {
	key, err := CheckUpgrade(req)
	if err != nil {
		return nil, err
	}
	resp := http1.NewResponse(101)
	resp.Header.Set("Upgrade", "websocket")
	resp.Header.Set("Connection", "Upgrade")
	resp.Header.Set("Sec-WebSocket-Accept", ComputeAcceptKey(key))
	return resp, nil
}

// RejectResponse builds the error response for a failed upgrade.
func RejectResponse(err error) *http1.Response {
	resp := http1.NewResponse(400)
	if errors.Is(err, ErrUnsupportedVersion) {
		resp = http1.NewResponse(426)
		resp.Header.Set("Sec-WebSocket-Version", "13")
	}
	resp.Header.Set("Connection", "close")
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	resp.Body = []byte(err.Error() + "\n")
	return resp
}

// NewUpgradeRequest builds the client side of the handshake for target on
// host using key. header may carry extra fields such as Origin.
func NewUpgradeRequest(target, host, key string, header http1.Header) *http1.Request {
	h := header.Clone()
	h.Set("Upgrade", "websocket")
	h.Set("Connection", "Upgrade")
	h.Set("Sec-WebSocket-Key", key)
	h.Set("Sec-WebSocket-Version", "13")
	return http1.NewRequest("GET", target, host, h, nil, "")
}

// VerifyUpgradeResponse checks the server's answer to a request made with key.
func VerifyUpgradeResponse(resp *http1.Response, key string) error {
	if resp.StatusCode != 101 {
		return handshakeError(fmt.Errorf("%w: status %d", ErrInvalidUpgradeHeaders, resp.StatusCode))
	}
	if !resp.Header.HasToken("Connection", "upgrade") || !resp.Header.HasToken("Upgrade", "websocket") {
		return handshakeError(ErrInvalidUpgradeHeaders)
	}
	if resp.Header.Get("Sec-WebSocket-Accept") != ComputeAcceptKey(key) {
		return handshakeError(ErrBadAccept)
	}
	return nil
}
