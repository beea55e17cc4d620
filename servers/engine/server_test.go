package engine

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgelink/sio/parsers/engine/parser"
)

func testServer(t *testing.T, opts *ServerOptions) (*Server, *httptest.Server) {
	t.Helper()
	if opts == nil {
		opts = DefaultServerOptions()
	}
	s := NewServer(opts)
	ts := httptest.NewServer(s)
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return s, ts
}

func doHandshake(t *testing.T, ts *httptest.Server) *OpenPayload {
	t.Helper()
	res, err := http.Get(ts.URL + "/socket.io/?EIO=4&transport=polling")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	open := &OpenPayload{}
	require.NoError(t, json.Unmarshal(body, open))
	return open
}

func TestHandshake(t *testing.T) {
	s, ts := testServer(t, nil)

	open := doHandshake(t, ts)
	assert.NotEmpty(t, open.Sid)
	assert.Contains(t, open.Upgrades, WEBSOCKET)
	assert.Equal(t, int64(25000), open.PingInterval)
	assert.Equal(t, int64(20000), open.PingTimeout)
	assert.Equal(t, int64(10<<20), open.MaxPayload)
	assert.Equal(t, int64(1), s.SessionCount())
}

func TestHandshakeRejectsUnknownTransport(t *testing.T) {
	_, ts := testServer(t, nil)

	res, err := http.Get(ts.URL + "/socket.io/?EIO=4&transport=carrier-pigeon")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestHandshakeConnectionLimit(t *testing.T) {
	opts := DefaultServerOptions()
	opts.MaxConnections = 1
	_, ts := testServer(t, opts)

	doHandshake(t, ts)

	res, err := http.Get(ts.URL + "/socket.io/?EIO=4&transport=polling")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestPollUnknownSid(t *testing.T) {
	_, ts := testServer(t, nil)

	res, err := http.Get(ts.URL + "/socket.io/?EIO=4&transport=polling&sid=nope")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestMessageRoundTrip(t *testing.T) {
	s, ts := testServer(t, nil)

	s.On("connection", func(args ...any) {
		session := args[0].(*Session)
		session.On("data", func(args ...any) {
			session.Send("echo:" + args[0].(string))
		})
	})

	open := doHandshake(t, ts)

	res, err := http.Post(
		ts.URL+"/socket.io/?EIO=4&transport=polling&sid="+open.Sid,
		"text/plain; charset=utf-8",
		strings.NewReader("6:4hello"),
	)
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ok", string(body))

	res, err = http.Get(ts.URL + "/socket.io/?EIO=4&transport=polling&sid=" + open.Sid)
	require.NoError(t, err)
	payload, _ := io.ReadAll(res.Body)
	res.Body.Close()

	packets, err := parser.DecodePayload(string(payload))
	require.NoError(t, err)
	require.NotEmpty(t, packets)
	assert.Equal(t, "echo:hello", string(packets[0].Data))
}

func TestOversizedPostRejected(t *testing.T) {
	opts := DefaultServerOptions()
	opts.MaxPacketSize = 64
	_, ts := testServer(t, opts)

	open := doHandshake(t, ts)

	res, err := http.Post(
		ts.URL+"/socket.io/?EIO=4&transport=polling&sid="+open.Sid,
		"text/plain; charset=utf-8",
		strings.NewReader(strings.Repeat("x", 128)),
	)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, res.StatusCode)
}

func TestPollTimeoutTiers(t *testing.T) {
	s := NewServer(DefaultServerOptions())
	defer s.Close()

	base := s.opts.PollingTimeout
	for _, tc := range []struct {
		sessions int64
		want     time.Duration
	}{
		{0, base},
		{1000, base},
		{1001, base * 9 / 10},
		{5000, base * 9 / 10},
		{5001, base * 3 / 4},
		{10000, base * 3 / 4},
		{10001, base / 2},
	} {
		s.sessionCount.Store(tc.sessions)
		assert.Equal(t, tc.want, s.pollTimeout(), "sessions=%d", tc.sessions)
	}
}

func TestPingTimeoutEvictsSilentSession(t *testing.T) {
	opts := DefaultServerOptions()
	opts.PingInterval = 50 * time.Millisecond
	opts.PingTimeout = 50 * time.Millisecond
	s, ts := testServer(t, opts)

	open := doHandshake(t, ts)
	require.Equal(t, int64(1), s.SessionCount())

	// the client never polls and never answers PINGs
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.SessionCount() == 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal(t, int64(0), s.SessionCount(), "silent session %s should be evicted", open.Sid)
}

func TestClosedServerRefuses(t *testing.T) {
	opts := DefaultServerOptions()
	s := NewServer(opts)
	ts := httptest.NewServer(s)
	defer ts.Close()

	s.Close()

	res, err := http.Get(ts.URL + "/socket.io/?EIO=4&transport=polling")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestCORSPolicy(t *testing.T) {
	opts := DefaultServerOptions()
	opts.Cors = &CorsOptions{Origin: "https://app.example.com", Credentials: true}
	_, ts := testServer(t, opts)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/socket.io/?EIO=4&transport=polling", nil)
	req.Header.Set("Origin", "https://app.example.com")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "https://app.example.com", res.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", res.Header.Get("Access-Control-Allow-Credentials"))

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/socket.io/?EIO=4&transport=polling", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestOriginAllowed(t *testing.T) {
	assert.True(t, originAllowed(nil, "https://a"))
	assert.True(t, originAllowed("*", "https://a"))
	assert.True(t, originAllowed("https://a", "https://a"))
	assert.False(t, originAllowed("https://a", "https://b"))
	assert.True(t, originAllowed([]string{"https://b", "https://a"}, "https://a"))
	assert.False(t, originAllowed([]string{"https://b"}, "https://a"))
	assert.True(t, originAllowed(func(o string) bool { return strings.HasSuffix(o, ".ok") }, "https://x.ok"))
	assert.False(t, originAllowed(42, "https://a"))
}
