package api_v1

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var ErrSignature = errors.New("signature verification failed")

// ValidateMAC reports whether messageMAC is a valid HMAC tag for message.
func ValidateMAC(message, messageMAC, key []byte) bool {
	expectedMAC := GenMAC(message, key)
	if len(messageMAC) != len(expectedMAC) {
		return false
	}
	return hmac.Equal(messageMAC, expectedMAC)
}

// GenMAC generates the HMAC signature for a message provided the secret key using SHA256
func GenMAC(message, key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// Signature formats the signature header value for message.
func Signature(message, key []byte) string {
	return SignaturePrefix + hex.EncodeToString(GenMAC(message, key))
}

// ValidateSignature checks a "sha256=<hex>" header value against the raw body.
// An empty key never validates.
func ValidateSignature(header string, message, key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("%w: no webhook secret configured", ErrSignature)
	}
	if !strings.HasPrefix(header, SignaturePrefix) {
		return fmt.Errorf("%w: signature must have the form %s<hex digest>", ErrSignature, SignaturePrefix)
	}
	signature, err := hex.DecodeString(strings.TrimPrefix(header, SignaturePrefix))
	if err != nil {
		return fmt.Errorf("%w: HMAC digest must be hex encoded", ErrSignature)
	}
	if !ValidateMAC(message, signature, key) {
		return fmt.Errorf("%w: HMAC signature mismatch", ErrSignature)
	}
	return nil
}
