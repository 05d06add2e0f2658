package wsrelay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inbox chan map[string]string

func (in inbox) HandleMessage(data map[string]string) { in <- data }

func startHub(t *testing.T, key string) (*Server, string) {
	t.Helper()
	hub := NewServer(key)
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startClient(t *testing.T, opts ClientOptions, handler MessageHandler) *Client {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient(opts, handler)
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, c.Connected, 5*time.Second, 5*time.Millisecond)
	return c
}

func TestDeliversBetweenClients(t *testing.T) {
	hub, url := startHub(t, "")

	aIn, bIn := make(inbox, 4), make(inbox, 4)
	a := startClient(t, ClientOptions{URL: url, Token: "token-a", Peer: "token-b"}, aIn)
	b := startClient(t, ClientOptions{URL: url, Token: "token-b", Peer: "token-a"}, bIn)
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, a.SendData(context.Background(), map[string]string{"type": "weather_alert", "d": "to b"}))
	require.NoError(t, b.SendData(context.Background(), map[string]string{"d": "to a"}))

	select {
	case got := <-bIn:
		assert.Equal(t, map[string]string{"type": "weather_alert", "d": "to b"}, got)
	case <-time.After(5 * time.Second):
		t.Fatal("b received nothing")
	}
	select {
	case got := <-aIn:
		assert.Equal(t, "to a", got["d"])
	case <-time.After(5 * time.Second):
		t.Fatal("a received nothing")
	}
}

func TestMessagesForAbsentPeerAreDropped(t *testing.T) {
	_, url := startHub(t, "")
	aIn := make(inbox, 1)
	a := startClient(t, ClientOptions{URL: url, Token: "a", Peer: "nobody"}, aIn)

	require.NoError(t, a.SendData(context.Background(), map[string]string{"d": "x"}))
	select {
	case <-aIn:
		t.Fatal("message must not bounce back")
	case <-time.After(100 * time.Millisecond):
	}
	assert.True(t, a.Connected())
}

func TestKeyIsEnforced(t *testing.T) {
	_, url := startHub(t, "secret")

	_, resp, err := websocket.DefaultDialer.Dial(url+Path+"?token=a&key=wrong", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+Path+"?key=secret", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	startClient(t, ClientOptions{URL: url, Token: "a", Key: "secret"}, nil)
}

func TestSendWhileDisconnected(t *testing.T) {
	c := NewClient(ClientOptions{URL: "ws://127.0.0.1:1", Token: "a"}, nil)
	assert.ErrorIs(t, c.SendData(context.Background(), map[string]string{"d": "x"}), ErrNotConnected)
}

func TestClientReconnectsAfterReplacement(t *testing.T) {
	hub, url := startHub(t, "")
	in := make(inbox, 256)
	startClient(t, ClientOptions{URL: url, Token: "dup", ReconnectDelay: 20 * time.Millisecond}, in)

	// A second connection with the same token takes over the address.
	other, _, err := websocket.DefaultDialer.Dial(url+Path+"?token=dup", nil)
	require.NoError(t, err)
	other.Close()

	// The displaced client comes back and is routable again.
	sender := startClient(t, ClientOptions{URL: url, Token: "s", Peer: "dup"}, nil)
	require.Eventually(t, func() bool {
		_ = sender.SendData(context.Background(), map[string]string{"d": "ping"})
		select {
		case <-in:
			return true
		default:
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)
	assert.GreaterOrEqual(t, hub.Clients(), 2)
}
