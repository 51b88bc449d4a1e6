// File: db/pgwire/auth.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pgwire

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/crypto/pbkdf2"
)

const scramMechanism = "SCRAM-SHA-256"

// ErrServerSignature is returned when the server fails to prove it knows
// the password.
var ErrServerSignature = errors.New("pgwire: SCRAM server signature mismatch")

// md5Password is "md5" + md5hex(md5hex(password + user) + salt).
func md5Password(user, password string, salt [4]byte) string {
	inner := md5.Sum([]byte(password + user))
	h := md5.New()
	h.Write([]byte(hex.EncodeToString(inner[:])))
	h.Write(salt[:])
	return "md5" + hex.EncodeToString(h.Sum(nil))
}

// scramClient runs the client side of SCRAM-SHA-256 (RFC 5802, RFC 7677)
// without channel binding.
type scramClient struct {
	password    []byte
	nonce       string
	firstBare   string
	authMessage []byte
	salted      []byte
}

func newScramClient(password string) (*scramClient, error) {
	raw := make([]byte, 18)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("pgwire: scram nonce: %w", err)
	}
	nonce := base64.RawStdEncoding.EncodeToString(raw)
	return &scramClient{
		password:  []byte(password),
		nonce:     nonce,
		firstBare: "n=,r=" + nonce,
	}, nil
}

func (s *scramClient) clientFirst() []byte {
	return []byte("n,," + s.firstBare)
}

// clientFinal answers the server-first message with the client proof.
func (s *scramClient) clientFinal(serverFirst []byte) ([]byte, error) {
	attrs := scramAttrs(serverFirst)
	serverNonce := attrs['r']
	if len(serverNonce) <= len(s.nonce) || serverNonce[:len(s.nonce)] != s.nonce {
		return nil, errors.New("pgwire: SCRAM server nonce does not extend client nonce")
	}
	salt, err := base64.StdEncoding.DecodeString(attrs['s'])
	if err != nil {
		return nil, fmt.Errorf("pgwire: SCRAM salt: %w", err)
	}
	iter, err := strconv.Atoi(attrs['i'])
	if err != nil || iter <= 0 {
		return nil, fmt.Errorf("pgwire: SCRAM iteration count %q", attrs['i'])
	}

	s.salted = pbkdf2.Key(s.password, salt, iter, sha256.Size, sha256.New)
	clientKey := hmacSum(s.salted, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	withoutProof := "c=biws,r=" + serverNonce
	s.authMessage = []byte(s.firstBare + "," + string(serverFirst) + "," + withoutProof)
	signature := hmacSum(storedKey[:], s.authMessage)
	proof := make([]byte, len(clientKey))
	for i := range clientKey {
		proof[i] = clientKey[i] ^ signature[i]
	}
	return []byte(withoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof)), nil
}

// verify checks the server-final message.
func (s *scramClient) verify(serverFinal []byte) error {
	attrs := scramAttrs(serverFinal)
	if e, ok := attrs['e']; ok {
		return fmt.Errorf("pgwire: SCRAM server error: %s", e)
	}
	got, err := base64.StdEncoding.DecodeString(attrs['v'])
	if err != nil {
		return fmt.Errorf("pgwire: SCRAM verifier: %w", err)
	}
	serverKey := hmacSum(s.salted, []byte("Server Key"))
	if !hmac.Equal(got, hmacSum(serverKey, s.authMessage)) {
		return ErrServerSignature
	}
	return nil
}

func scramAttrs(msg []byte) map[byte]string {
	out := make(map[byte]string)
	for _, part := range bytes.Split(msg, []byte(",")) {
		if len(part) >= 2 && part[1] == '=' {
			out[part[0]] = string(part[2:])
		}
	}
	return out
}

func hmacSum(key, msg []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(msg)
	return h.Sum(nil)
}
