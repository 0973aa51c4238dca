package eventsub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

const signaturePrefix = "sha256="

var errBadSignature = errors.New("eventsub: invalid message signature")

// verifySignature recomputes the HMAC-SHA256 over Message-Id +
// Message-Timestamp + raw body using secret as the key, and compares it
// in constant time against the sha256=<hex> signature header.
func verifySignature(secret, messageID, timestamp string, body []byte, signature string) error {
	if messageID == "" || timestamp == "" || signature == "" {
		return errBadSignature
	}
	if len(signature) < len(signaturePrefix) || signature[:len(signaturePrefix)] != signaturePrefix {
		return errBadSignature
	}

	want, err := hex.DecodeString(signature[len(signaturePrefix):])
	if err != nil {
		return errBadSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(messageID))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	got := mac.Sum(nil)

	if !hmac.Equal(got, want) {
		return errBadSignature
	}
	return nil
}
