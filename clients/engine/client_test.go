package engine

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	srv "github.com/edgelink/sio/servers/engine"
)

func testServer(t *testing.T, opts *srv.ServerOptions) (*srv.Server, *httptest.Server) {
	t.Helper()
	if opts == nil {
		opts = srv.DefaultServerOptions()
	}
	s := srv.NewServer(opts)
	ts := httptest.NewServer(s)
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return s, ts
}

func openClient(t *testing.T, ts *httptest.Server, transport string) *Client {
	t.Helper()
	c := NewClient(&Options{Url: ts.URL, Transport: transport})
	t.Cleanup(c.Close)
	require.NoError(t, c.Open())
	return c
}

func testTransports() []string {
	return []string{srv.POLLING, srv.WEBSOCKET}
}

func TestOpenHandshake(t *testing.T) {
	for _, transport := range testTransports() {
		t.Run(transport, func(t *testing.T) {
			s, ts := testServer(t, nil)
			c := openClient(t, ts, transport)

			assert.NotEmpty(t, c.Sid())
			assert.Equal(t, srv.TransportConnected, c.State())
			require.NotNil(t, c.OpenInfo())
			assert.Equal(t, int64(25000), c.OpenInfo().PingInterval)

			_, ok := s.Session(c.Sid())
			assert.True(t, ok, "server tracks the session")
		})
	}
}

func TestSendAndReceive(t *testing.T) {
	for _, transport := range testTransports() {
		t.Run(transport, func(t *testing.T) {
			s, ts := testServer(t, nil)

			s.On("connection", func(args ...any) {
				session := args[0].(*srv.Session)
				session.On("data", func(args ...any) {
					session.Send("echo:" + args[0].(string))
				})
			})

			c := NewClient(&Options{Url: ts.URL, Transport: transport})
			t.Cleanup(c.Close)
			echoed := make(chan string, 1)
			c.On("data", func(args ...any) { echoed <- args[0].(string) })
			require.NoError(t, c.Open())

			require.NoError(t, c.Send("hello"))
			select {
			case got := <-echoed:
				assert.Equal(t, "echo:hello", got)
			case <-time.After(5 * time.Second):
				t.Fatal("echo never arrived")
			}
		})
	}
}

func TestFilteredTraffic(t *testing.T) {
	key := make([]byte, 16)
	for i := range key {
		key[i] = byte(i)
	}
	opts := srv.DefaultServerOptions()
	opts.Compression = true
	opts.Encryption = &srv.EncryptionOptions{Key: key, Algorithm: srv.AES128GCM}
	s, ts := testServer(t, opts)

	s.On("connection", func(args ...any) {
		session := args[0].(*srv.Session)
		session.On("data", func(args ...any) {
			session.Send("got:" + args[0].(string))
		})
	})

	c := NewClient(&Options{
		Url:         ts.URL,
		Transport:   srv.WEBSOCKET,
		Compression: true,
		Encryption:  &srv.EncryptionOptions{Key: key, Algorithm: srv.AES128GCM},
	})
	t.Cleanup(c.Close)
	echoed := make(chan string, 1)
	c.On("data", func(args ...any) { echoed <- args[0].(string) })
	require.NoError(t, c.Open())

	require.NoError(t, c.Send("secret"))
	select {
	case got := <-echoed:
		assert.Equal(t, "got:secret", got)
	case <-time.After(5 * time.Second):
		t.Fatal("filtered echo never arrived")
	}
}

func TestBufferedBeforeListener(t *testing.T) {
	s, ts := testServer(t, nil)

	s.On("connection", func(args ...any) {
		args[0].(*srv.Session).Send("early")
	})

	c := NewClient(&Options{Url: ts.URL, Transport: srv.POLLING})
	t.Cleanup(c.Close)
	require.NoError(t, c.Open())

	// let the packet arrive while nobody is listening
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		buffered := len(c.pending)
		c.mu.Unlock()
		if buffered > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	got := make(chan string, 1)
	c.On("data", func(args ...any) { got <- args[0].(string) })
	select {
	case data := <-got:
		assert.Equal(t, "early", data)
	case <-time.After(time.Second):
		t.Fatal("buffered packet never replayed")
	}
}

func TestServerCloseReachesClient(t *testing.T) {
	s, ts := testServer(t, nil)

	c := NewClient(&Options{Url: ts.URL, Transport: srv.POLLING})
	closed := make(chan string, 1)
	c.On("close", func(args ...any) { closed <- args[0].(string) })
	require.NoError(t, c.Open())

	session, ok := s.Session(c.Sid())
	require.True(t, ok)
	session.Close("test shutdown")

	select {
	case <-closed:
		assert.Equal(t, srv.TransportClosed, c.State())
	case <-time.After(5 * time.Second):
		t.Fatal("close never reached the client")
	}
}

func TestOpenBadUrl(t *testing.T) {
	c := NewClient(&Options{Url: "http://127.0.0.1:1", Transport: srv.POLLING})
	assert.Error(t, c.Open())
	assert.Equal(t, srv.TransportDisconnected, c.State())
}
