// Package inbound verifies and processes signed callbacks from third-party providers.
package inbound

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"relay/internal/webhooks"
)

var ErrSignatureInvalid = errors.New("signature invalid")

// VerifyInbound checks a "t=<unix>,v1=<hex>" header over rawBody, rejecting
// timestamps more than toleranceSeconds away from now.
func VerifyInbound(rawBody []byte, headerValue, secret string, toleranceSeconds int64) bool {
	return VerifyInboundAt(rawBody, headerValue, secret, toleranceSeconds, time.Now())
}

func VerifyInboundAt(rawBody []byte, headerValue, secret string, toleranceSeconds int64, now time.Time) bool {
	return webhooks.VerifyAt(rawBody, headerValue, secret, toleranceSeconds, now)
}

// Canonicalization selects the string a provider signs.
type Canonicalization int

const (
	TimestampBody   Canonicalization = iota // "{t}.{body}"
	IDTimestampBody                         // "{id}.{t}.{body}"
	RawBody                                 // body only
)

type Encoding int

const (
	Hex Encoding = iota
	Base64
)

// Format is how signatures are laid out in the signature header.
type Format int

const (
	// KeyValue is "t=<unix>,v1=<sig>[,v1=<sig>...]".
	KeyValue Format = iota
	// Versioned is a space separated list of "v1,<sig>".
	Versioned
	// Plain is a single signature with an optional Prefix such as "sha256=".
	Plain
)

// Scheme describes one provider's signing convention.
type Scheme struct {
	Provider         string
	SignatureHeader  string
	TimestampHeader  string
	IDHeader         string
	Format           Format
	Prefix           string
	Canonicalization Canonicalization
	Encoding         Encoding
	// ToleranceSeconds bounds the signed timestamp age. Negative disables the check.
	ToleranceSeconds int64
	// EncodedSecretPrefix marks secrets whose remainder is base64 key material.
	EncodedSecretPrefix string
}

// Verify checks headers and the exact body bytes received against secret.
// Every failure wraps ErrSignatureInvalid.
func (s Scheme) Verify(headers http.Header, body []byte, secret string, now time.Time) error {
	if secret == "" {
		return fmt.Errorf("%w: no secret configured for %s", ErrSignatureInvalid, s.Provider)
	}
	raw := headers.Get(s.SignatureHeader)
	if raw == "" {
		return fmt.Errorf("%w: missing %s header", ErrSignatureInvalid, s.SignatureHeader)
	}
	ts, sigs, err := s.parse(raw, headers)
	if err != nil {
		return err
	}
	if s.Canonicalization != RawBody && s.ToleranceSeconds >= 0 && !webhooks.WithinTolerance(ts, now, s.ToleranceSeconds) {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrSignatureInvalid)
	}
	msg, err := s.message(headers, ts, body)
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, s.key(secret))
	mac.Write(msg)
	expected := mac.Sum(nil)
	for _, sig := range sigs {
		got, err := s.decode(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(expected, got) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching signature", ErrSignatureInvalid)
}

// Sign produces a header value for body in this scheme. It is used by tests and the CLI.
func (s Scheme) Sign(id string, t time.Time, body []byte, secret string) (string, error) {
	h := http.Header{}
	ts := t.Unix()
	if s.IDHeader != "" {
		h.Set(s.IDHeader, id)
	}
	msg, err := s.message(h, ts, body)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.key(secret))
	mac.Write(msg)
	var sig string
	if s.Encoding == Base64 {
		sig = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	} else {
		sig = hex.EncodeToString(mac.Sum(nil))
	}
	switch s.Format {
	case KeyValue:
		return "t=" + strconv.FormatInt(ts, 10) + ",v1=" + sig, nil
	case Versioned:
		return "v1," + sig, nil
	default:
		return s.Prefix + sig, nil
	}
}

func (s Scheme) parse(raw string, headers http.Header) (int64, []string, error) {
	switch s.Format {
	case KeyValue:
		env, err := webhooks.ParseHeader(raw)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		}
		return env.Timestamp, env.Signatures, nil
	case Versioned:
		var sigs []string
		for _, part := range strings.Fields(raw) {
			if v, sig, ok := strings.Cut(part, ","); ok && v == "v1" && sig != "" {
				sigs = append(sigs, sig)
			}
		}
		if len(sigs) == 0 {
			return 0, nil, fmt.Errorf("%w: no v1 signature", ErrSignatureInvalid)
		}
		ts, err := s.headerTimestamp(headers)
		return ts, sigs, err
	default:
		sig, ok := strings.CutPrefix(strings.TrimSpace(raw), s.Prefix)
		if !ok || sig == "" {
			return 0, nil, fmt.Errorf("%w: malformed signature", ErrSignatureInvalid)
		}
		ts, err := s.headerTimestamp(headers)
		return ts, []string{sig}, err
	}
}

func (s Scheme) headerTimestamp(headers http.Header) (int64, error) {
	if s.TimestampHeader == "" || s.Canonicalization == RawBody {
		return 0, nil
	}
	ts, err := strconv.ParseInt(headers.Get(s.TimestampHeader), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: missing or malformed %s header", ErrSignatureInvalid, s.TimestampHeader)
	}
	return ts, nil
}

func (s Scheme) message(headers http.Header, ts int64, body []byte) ([]byte, error) {
	switch s.Canonicalization {
	case RawBody:
		return body, nil
	case IDTimestampBody:
		id := headers.Get(s.IDHeader)
		if id == "" {
			return nil, fmt.Errorf("%w: missing %s header", ErrSignatureInvalid, s.IDHeader)
		}
		return append([]byte(id+"."), webhooks.SignedMessage(ts, body)...), nil
	default:
		return webhooks.SignedMessage(ts, body), nil
	}
}

func (s Scheme) key(secret string) []byte {
	if s.EncodedSecretPrefix != "" {
		if rest, ok := strings.CutPrefix(secret, s.EncodedSecretPrefix); ok {
			if b, err := base64.StdEncoding.DecodeString(rest); err == nil {
				return b
			}
		}
	}
	return []byte(secret)
}

func (s Scheme) decode(sig string) ([]byte, error) {
	if s.Encoding == Base64 {
		return base64.StdEncoding.DecodeString(sig)
	}
	return hex.DecodeString(sig)
}

// Provider names used for secrets, the idempotency ledger and metrics.
const (
	ProviderBilling = "billing"
	ProviderIssues  = "issues"
)

// BillingScheme is the payment provider's "Stripe-Signature: t=..,v1=.." convention.
var BillingScheme = Scheme{
	Provider:         ProviderBilling,
	SignatureHeader:  "Stripe-Signature",
	Format:           KeyValue,
	Canonicalization: TimestampBody,
	Encoding:         Hex,
	ToleranceSeconds: webhooks.DefaultTolerance,
}

// IssueScheme is the issue tracker's id/timestamp/signature header triple.
var IssueScheme = Scheme{
	Provider:            ProviderIssues,
	SignatureHeader:     "Webhook-Signature",
	TimestampHeader:     "Webhook-Timestamp",
	IDHeader:            "Webhook-Id",
	Format:              Versioned,
	Canonicalization:    IDTimestampBody,
	Encoding:            Base64,
	ToleranceSeconds:    webhooks.DefaultTolerance,
	EncodedSecretPrefix: "whsec_",
}
