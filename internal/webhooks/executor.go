package webhooks

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// DefaultAttemptTimeout bounds one outbound POST.
	DefaultAttemptTimeout = 10 * time.Second
	// MaxResponseBody is the number of response bytes kept on a delivery record.
	MaxResponseBody = 10000

	EventHeader    = "X-Relay-Event"
	DeliveryHeader = "X-Relay-Delivery"
	userAgent      = "relay-webhooks/1.0"
)

// ErrInvalidURL is a configuration error: the target cannot be requested at all.
var ErrInvalidURL = errors.New("invalid webhook url")

// AttemptOutcome is the result of one delivery attempt. StatusCode is nil when no
// response was received.
type AttemptOutcome struct {
	Success      bool
	StatusCode   *int
	ResponseBody string
	DurationMs   int64
	Error        string
}

// Request is one signed outbound POST.
type Request struct {
	URL        string
	Payload    []byte
	Signature  string
	Event      string
	DeliveryID string
}

type Executor struct {
	HTTP      *http.Client
	Timeout   time.Duration
	BodyLimit int
	UserAgent string
}

func NewExecutor(client *http.Client) *Executor {
	if client == nil {
		client = &http.Client{}
	}
	return &Executor{HTTP: client, Timeout: DefaultAttemptTimeout, BodyLimit: MaxResponseBody, UserAgent: userAgent}
}

// ValidateURL reports ErrInvalidURL unless raw is an absolute http(s) URL with a host.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return nil
}

// Execute performs one bounded POST. Endpoint and transport failures are reported
// through the outcome; only a malformed URL is returned as an error.
func (e *Executor) Execute(ctx context.Context, r Request) (AttemptOutcome, error) {
	if err := ValidateURL(r.URL); err != nil {
		return AttemptOutcome{}, err
	}
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultAttemptTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(r.Payload))
	if err != nil {
		return AttemptOutcome{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, r.Signature)
	if r.Event != "" {
		req.Header.Set(EventHeader, r.Event)
	}
	if r.DeliveryID != "" {
		req.Header.Set(DeliveryHeader, r.DeliveryID)
	}
	ua := e.UserAgent
	if ua == "" {
		ua = userAgent
	}
	req.Header.Set("User-Agent", ua)

	start := time.Now()
	resp, err := e.HTTP.Do(req)
	if err != nil {
		out := AttemptOutcome{DurationMs: time.Since(start).Milliseconds(), Error: err.Error()}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			out.Error = fmt.Sprintf("request timed out after %s", timeout)
		}
		return out, nil
	}
	defer resp.Body.Close()
	body := readBody(resp.Body, e.limit())
	code := resp.StatusCode
	return AttemptOutcome{
		Success:      code >= 200 && code < 300,
		StatusCode:   &code,
		ResponseBody: body,
		DurationMs:   time.Since(start).Milliseconds(),
	}, nil
}

func (e *Executor) limit() int {
	if e.BodyLimit <= 0 {
		return MaxResponseBody
	}
	return e.BodyLimit
}

// readBody keeps at most limit bytes of valid UTF-8. Invalid bytes are skipped
// without using up the cap, and a rune that would cross the cap is left out, so
// the result is only shorter than limit when the body is, or by at most
// utf8.UTFMax-1 bytes. A read error keeps whatever arrived.
func readBody(r io.Reader, limit int) string {
	br := bufio.NewReader(io.LimitReader(r, int64(limit)*utf8.UTFMax))
	var sb strings.Builder
	sb.Grow(limit)
	for sb.Len() < limit {
		c, size, err := br.ReadRune()
		if err != nil {
			break
		}
		if c == utf8.RuneError && size == 1 {
			continue
		}
		if sb.Len()+size > limit {
			break
		}
		sb.WriteRune(c)
	}
	return sb.String()
}
