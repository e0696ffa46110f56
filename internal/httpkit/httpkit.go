// Package httpkit builds the HTTP clients ember uses to reach its model
// and embedding servers. There is no retry layer: a failed call
// surfaces to the caller, which tries again on the next natural
// trigger.
package httpkit

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/nugget/ember/internal/buildinfo"
)

// Transport limits. ResponseHeaderTimeout stays unset: a non-streaming
// model call sends no headers until generation finishes.
const (
	dialTimeout         = 10 * time.Second
	tlsHandshakeTimeout = 10 * time.Second
	idleConnTimeout     = 90 * time.Second
	maxIdleConnsPerHost = 4
)

// ClientOption configures NewClient.
type ClientOption func(*http.Client)

// WithTimeout sets the overall request timeout. Zero disables it.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *http.Client) { c.Timeout = d }
}

// NewClient returns a client with a 30s timeout, a bounded idle pool,
// and the ember User-Agent on every request that lacks one.
func NewClient(opts ...ClientOption) *http.Client {
	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout: tlsHandshakeTimeout,
		IdleConnTimeout:     idleConnTimeout,
		MaxIdleConnsPerHost: maxIdleConnsPerHost,
		ForceAttemptHTTP2:   true,
	}
	c := &http.Client{
		Timeout:   30 * time.Second,
		Transport: userAgent{base: transport, ua: buildinfo.UserAgent()},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type userAgent struct {
	base http.RoundTripper
	ua   string
}

func (t userAgent) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(req)
	}
	// RoundTrippers must not modify the caller's request.
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.ua)
	return t.base.RoundTrip(req)
}

// DrainAndClose discards up to limit bytes of rc and closes it, letting
// the connection return to the pool. A nil rc is ignored.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody returns up to limit bytes of an error response body for
// inclusion in an error message, then drains and closes rc.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	defer DrainAndClose(rc, 1024)
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	if err != nil {
		return fmt.Sprintf("(unreadable error body: %v)", err)
	}
	return string(body)
}
