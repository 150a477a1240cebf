package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries the signed envelope on outbound deliveries.
const SignatureHeader = "X-Relay-Signature"

// DefaultTolerance is the replay window used when callers pass no explicit tolerance.
const DefaultTolerance = 300

var ErrMalformedSignature = errors.New("malformed signature header")

// Envelope is the parsed form of "t=<unix>,v1=<hex>".
type Envelope struct {
	Timestamp  int64
	Signatures []string
}

// SignHMAC returns lowercase hex of HMAC-SHA256 over message.
func SignHMAC(secret string, message []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC compares a hex signature against HMAC-SHA256 of message in constant time.
func VerifyHMAC(secret string, message []byte, provided string) bool {
	b, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	return hmac.Equal(mac.Sum(nil), b)
}

// SignedMessage builds the canonical "{t}.{payload}" string that is signed.
func SignedMessage(t int64, payload []byte) []byte {
	ts := strconv.FormatInt(t, 10)
	msg := make([]byte, 0, len(ts)+1+len(payload))
	msg = append(msg, ts...)
	msg = append(msg, '.')
	return append(msg, payload...)
}

// Sign returns the header value for payload signed at the current time.
func Sign(payload []byte, secret string) string {
	return SignAt(payload, secret, time.Now())
}

// SignAt is Sign with an explicit clock.
func SignAt(payload []byte, secret string, at time.Time) string {
	t := at.Unix()
	return "t=" + strconv.FormatInt(t, 10) + ",v1=" + SignHMAC(secret, SignedMessage(t, payload))
}

// ParseHeader extracts the timestamp and every v1 signature from a header value.
// Unknown keys are ignored. A missing or non-numeric t, or no v1, is an error.
func ParseHeader(header string) (Envelope, error) {
	var env Envelope
	haveT := false
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return Envelope{}, ErrMalformedSignature
			}
			env.Timestamp = n
			haveT = true
		case "v1":
			if v != "" {
				env.Signatures = append(env.Signatures, v)
			}
		}
	}
	if !haveT || len(env.Signatures) == 0 {
		return Envelope{}, ErrMalformedSignature
	}
	return env, nil
}

// Verify checks header against payload at the current time.
func Verify(payload []byte, header, secret string, toleranceSeconds int64) bool {
	return VerifyAt(payload, header, secret, toleranceSeconds, time.Now())
}

// VerifyAt reports whether header carries a valid signature of payload whose timestamp
// lies within toleranceSeconds of now (inclusive).
func VerifyAt(payload []byte, header, secret string, toleranceSeconds int64, now time.Time) bool {
	env, err := ParseHeader(header)
	if err != nil {
		return false
	}
	if !WithinTolerance(env.Timestamp, now, toleranceSeconds) {
		return false
	}
	msg := SignedMessage(env.Timestamp, payload)
	ok := false
	for _, sig := range env.Signatures {
		if VerifyHMAC(secret, msg, sig) {
			ok = true
		}
	}
	return ok
}

// WithinTolerance reports |now-t| <= tol. A negative tol is treated as zero.
func WithinTolerance(t int64, now time.Time, tol int64) bool {
	if tol < 0 {
		tol = 0
	}
	d := now.Unix() - t
	if d < 0 {
		d = -d
	}
	return d <= tol
}
