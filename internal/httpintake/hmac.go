package httpintake

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// errSignature is deliberately generic so responses and logs never reveal
// which part of the check failed.
var errSignature = errors.New("signature verification failed")

// Sign returns the "sha256=<hex>" signature of body, the format senders put
// in the signature header.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// verifySignature accepts "sha256=<hex>" or bare hex.
func verifySignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return errSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return errSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), got) != 1 {
		return errSignature
	}
	return nil
}
