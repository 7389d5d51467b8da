package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign returns the hex HMAC-SHA256 of "token|status|amount" under secret.
func Sign(secret []byte, token, status, amount string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(token + "|" + status + "|" + amount))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether cb carries a valid signature under secret.
func Verify(secret []byte, cb Callback) bool {
	if len(secret) == 0 {
		return false
	}
	got, err := hex.DecodeString(cb.Signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(cb.Token + "|" + cb.Status + "|" + cb.Amount))
	return hmac.Equal(got, mac.Sum(nil))
}
