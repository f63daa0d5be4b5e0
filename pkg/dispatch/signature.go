package dispatch

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// SignatureHeader carries the HMAC of the request body when a signing secret is configured.
const SignatureHeader = "X-Chatgate-Signature"

// Sign computes "sha256=<hex>" over body.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return fmt.Sprintf("sha256=%s", hex.EncodeToString(h.Sum(nil)))
}

// Verify checks a signature header value against body. Receivers can use it directly.
func Verify(body []byte, signature, secret string) bool {
	expected := Sign(body, secret)
	return subtle.ConstantTimeCompare([]byte(signature), []byte(expected)) == 1
}
