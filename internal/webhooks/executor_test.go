package webhooks

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteSuccessSendsHeaders(t *testing.T) {
	var got http.Header
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	e := NewExecutor(srv.Client())
	out, err := e.Execute(context.Background(), Request{
		URL: srv.URL, Payload: []byte(`{"a":1}`), Signature: "t=1,v1=ab", Event: "bug.reported", DeliveryID: "d1",
	})
	require.NoError(t, err)
	assert.True(t, out.Success)
	require.NotNil(t, out.StatusCode)
	assert.Equal(t, http.StatusAccepted, *out.StatusCode)
	assert.Equal(t, "ok", out.ResponseBody)
	assert.Empty(t, out.Error)
	assert.Equal(t, `{"a":1}`, string(body))
	assert.Equal(t, "application/json", got.Get("Content-Type"))
	assert.Equal(t, "t=1,v1=ab", got.Get(SignatureHeader))
	assert.Equal(t, "bug.reported", got.Get(EventHeader))
	assert.Equal(t, "d1", got.Get(DeliveryHeader))
	assert.NotEmpty(t, got.Get("User-Agent"))
}

func TestExecuteNon2xxIsFailureWithStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	out, err := NewExecutor(srv.Client()).Execute(context.Background(), Request{URL: srv.URL, Payload: []byte(`{}`)})
	require.NoError(t, err)
	assert.False(t, out.Success)
	require.NotNil(t, out.StatusCode)
	assert.Equal(t, 500, *out.StatusCode)
	assert.Equal(t, "boom", out.ResponseBody)
}

func TestExecuteTruncatesBodyToExactCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("a", MaxResponseBody*3)))
	}))
	defer srv.Close()

	out, err := NewExecutor(srv.Client()).Execute(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Len(t, out.ResponseBody, MaxResponseBody)
}

func TestExecuteDropsInvalidUTF8(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte{'o', 0xff, 'k'})
	}))
	defer srv.Close()

	out, err := NewExecutor(srv.Client()).Execute(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "ok", out.ResponseBody)
}

func TestReadBodyFillsCapWithValidUTF8(t *testing.T) {
	// Invalid bytes before the cap do not shorten what is kept.
	body := "\xff\xfe" + strings.Repeat("a", 20)
	assert.Equal(t, strings.Repeat("a", 10), readBody(strings.NewReader(body), 10))

	// A rune crossing the cap is dropped whole.
	got := readBody(strings.NewReader(strings.Repeat("a", 9)+"é"), 10)
	assert.Equal(t, strings.Repeat("a", 9), got)
	assert.True(t, utf8.ValidString(got))

	got = readBody(strings.NewReader(strings.Repeat("é", 10)), 10)
	assert.Equal(t, strings.Repeat("é", 5), got)

	assert.Equal(t, "short", readBody(strings.NewReader("short"), 10))
	assert.Equal(t, "a\uFFFDb", readBody(strings.NewReader("a\uFFFDb"), 10), "a literal replacement character is kept")
}

func TestExecuteTimeoutIsReportedNotHung(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	e := NewExecutor(srv.Client())
	e.Timeout = 50 * time.Millisecond
	start := time.Now()
	out, err := e.Execute(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, out.Success)
	assert.Nil(t, out.StatusCode)
	assert.Contains(t, out.Error, "timed out")
}

func TestExecuteTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	out, err := NewExecutor(nil).Execute(context.Background(), Request{URL: url})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Nil(t, out.StatusCode)
	assert.NotEmpty(t, out.Error)
}

func TestExecuteRejectsMalformedURL(t *testing.T) {
	for _, u := range []string{"", "not a url", "ftp://example.com/hook", "http://", "://missing-scheme"} {
		_, err := NewExecutor(nil).Execute(context.Background(), Request{URL: u})
		assert.ErrorIs(t, err, ErrInvalidURL, "url %q", u)
	}
}
