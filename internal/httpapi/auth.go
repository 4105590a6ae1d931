package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func authorizeAdmin(authHeader, adminToken string) *authError {
	if adminToken == "" {
		return &authError{status: 403, code: "forbidden", message: "admin surface disabled"}
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return &authError{status: 401, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if !hmac.Equal([]byte(token), []byte(adminToken)) {
		return &authError{status: 401, code: "unauthorized", message: "invalid admin token"}
	}
	return nil
}

// verifyWebhookHMAC checks the signature over "timestamp\nbody" and rejects
// requests whose timestamp falls outside the skew window.
func verifyWebhookHMAC(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) *authError {
	if secret == "" {
		return &authError{status: 403, code: "forbidden", message: "internal event webhook disabled"}
	}
	if timestamp == "" || signature == "" {
		return &authError{status: 401, code: "unauthorized", message: "missing signature headers"}
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return &authError{status: 401, code: "unauthorized", message: "invalid signature timestamp"}
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > maxSkew {
		return &authError{status: 401, code: "unauthorized", message: "request outside replay window"}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	expectedHex := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expectedHex)) {
		return &authError{status: 401, code: "unauthorized", message: "signature mismatch"}
	}
	return nil
}
