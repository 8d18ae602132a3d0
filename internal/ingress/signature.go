package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/botjuris/botjuris/internal/boterr"
)

// VerifySignature checks the hex HMAC-SHA256 of the raw body carried in
// the X-Signature header. An empty secret disables verification (dev
// mode); callers are expected to log that loudly.
func VerifySignature(secret string, body []byte, signature string) error {
	if secret == "" {
		return nil
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return boterr.ErrMissingSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return boterr.ErrInvalidSignature
	}
	return nil
}
