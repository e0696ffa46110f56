package httpkit

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nugget/ember/internal/buildinfo"
)

func echoUserAgent(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func fetchBody(t *testing.T, c *http.Client, req *http.Request) string {
	t.Helper()
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestNewClient_Timeout(t *testing.T) {
	tests := []struct {
		name string
		opts []ClientOption
		want time.Duration
	}{
		{"default", nil, 30 * time.Second},
		{"custom", []ClientOption{WithTimeout(5 * time.Minute)}, 5 * time.Minute},
		{"disabled", []ClientOption{WithTimeout(0)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewClient(tt.opts...).Timeout; got != tt.want {
				t.Errorf("Timeout = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewClient_UserAgent(t *testing.T) {
	srv := echoUserAgent(t)
	c := NewClient()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	if got := fetchBody(t, c, req); got != buildinfo.UserAgent() {
		t.Errorf("User-Agent = %q, want %q", got, buildinfo.UserAgent())
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("User-Agent", "probe/1.0")
	if got := fetchBody(t, c, req); got != "probe/1.0" {
		t.Errorf("explicit User-Agent replaced with %q", got)
	}
	if req.Header.Get("User-Agent") != "probe/1.0" {
		t.Error("caller's request was modified")
	}
}

func TestDrainAndClose(t *testing.T) {
	DrainAndClose(io.NopCloser(strings.NewReader("hello world")), 1024)
	DrainAndClose(nil, 1024)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestReadErrorBody(t *testing.T) {
	tests := []struct {
		name  string
		rc    io.ReadCloser
		limit int64
		want  string
	}{
		{"full", io.NopCloser(strings.NewReader("model not found")), 512, "model not found"},
		{"truncated", io.NopCloser(strings.NewReader(strings.Repeat("x", 100))), 10, strings.Repeat("x", 10)},
		{"nil", nil, 512, ""},
		{"read error", io.NopCloser(failingReader{}), 512, "(unreadable error body: broken pipe)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ReadErrorBody(tt.rc, tt.limit); got != tt.want {
				t.Errorf("ReadErrorBody() = %q, want %q", got, tt.want)
			}
		})
	}
}
