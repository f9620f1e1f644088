package minerclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/forgenet/forge/crypto/keys"
	"github.com/forgenet/forge/validator/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMiner struct {
	t      *testing.T
	srv    *httptest.Server
	hotkey string
	// frames received from the client, raw.
	frames chan []byte
	// outbound raw frames the handler writes after reading one frame.
	replies chan []byte
	// lastPath records the request path seen by the handler.
	lastPath chan string
}

func newFakeMiner(t *testing.T) *fakeMiner {
	kp, err := keys.Generate()
	require.NoError(t, err)
	m := &fakeMiner{
		t:        t,
		hotkey:   kp.Address(),
		frames:   make(chan []byte, 16),
		replies:  make(chan []byte, 16),
		lastPath: make(chan string, 1),
	}
	upgrader := websocket.Upgrader{}
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.lastPath <- r.URL.Path
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() {
			_ = conn.Close()
		}()
		for {
			select {
			case raw := <-m.replies:
				require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
				continue
			default:
			}
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			m.frames <- raw
		}
	}))
	t.Cleanup(m.srv.Close)
	return m
}

func (m *fakeMiner) hostPort() (string, uint16) {
	u, err := url.Parse(m.srv.URL)
	require.NoError(m.t, err)
	port, err := strconv.ParseUint(u.Port(), 10, 16)
	require.NoError(m.t, err)
	return u.Hostname(), uint16(port)
}

func (m *fakeMiner) nextFrame() []byte {
	select {
	case raw := <-m.frames:
		return raw
	case <-time.After(5 * time.Second):
		m.t.Fatal("timed out waiting for a client frame")
		return nil
	}
}

func TestConnect_AuthenticatesFirst(t *testing.T) {
	miner := newFakeMiner(t)
	signer, err := keys.Generate()
	require.NoError(t, err)

	host, port := miner.hostPort()
	c, err := Connect(context.Background(), host, port, miner.hotkey, signer)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, c.Close())
	}()

	path := <-miner.lastPath
	assert.True(t, strings.HasSuffix(path, "/"+signer.Address()), "path %s should carry the validator hotkey", path)

	raw := miner.nextFrame()
	var auth protocol.V0AuthenticateRequest
	require.NoError(t, json.Unmarshal(raw, &auth))
	assert.Equal(t, "V0AuthenticateRequest", auth.Type)
	assert.Equal(t, signer.Address(), auth.Payload.ValidatorHotkey)
	assert.Equal(t, miner.hotkey, auth.Payload.MinerHotkey)

	blob, err := json.Marshal(auth.Payload)
	require.NoError(t, err)
	require.NoError(t, keys.Verify(signer.Address(), blob, auth.Signature))
}

func TestSend_StampsMessageType(t *testing.T) {
	miner := newFakeMiner(t)
	signer, err := keys.Generate()
	require.NoError(t, err)

	host, port := miner.hostPort()
	c, err := Connect(context.Background(), host, port, miner.hotkey, signer)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, c.Close())
	}()
	miner.nextFrame() // auth

	require.NoError(t, c.Send(context.Background(), &protocol.V0JobRequest{UUID: "job-1", DockerImage: "img"}))
	raw := miner.nextFrame()
	assert.Contains(t, string(raw), `"message_type":"V0JobRequest"`)
}

func TestReceive_ParsesMinerReplies(t *testing.T) {
	miner := newFakeMiner(t)
	signer, err := keys.Generate()
	require.NoError(t, err)

	reply, err := protocol.Marshal(&protocol.V0ExecutorReadyRequest{JobUUID: "job-1"})
	require.NoError(t, err)
	miner.replies <- reply

	host, port := miner.hostPort()
	c, err := Connect(context.Background(), host, port, miner.hotkey, signer)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, c.Close())
	}()

	select {
	case msg := <-c.Receive():
		ready, ok := msg.(*protocol.V0ExecutorReadyRequest)
		require.True(t, ok, "got %T", msg)
		assert.Equal(t, "job-1", ready.JobUUID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the executor-ready message")
	}
}

func TestReceive_SkipsUnparseableFrames(t *testing.T) {
	miner := newFakeMiner(t)
	signer, err := keys.Generate()
	require.NoError(t, err)

	good, err := protocol.Marshal(&protocol.V0AcceptJobRequest{JobUUID: "job-2"})
	require.NoError(t, err)
	miner.replies <- []byte(`{"message_type":"NoSuchThing"}`)
	miner.replies <- good

	host, port := miner.hostPort()
	c, err := Connect(context.Background(), host, port, miner.hotkey, signer)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, c.Close())
	}()

	select {
	case msg := <-c.Receive():
		accept, ok := msg.(*protocol.V0AcceptJobRequest)
		require.True(t, ok, "got %T", msg)
		assert.Equal(t, "job-2", accept.JobUUID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting past the bad frame")
	}
}

func TestReceive_ClosesWhenMinerHangsUp(t *testing.T) {
	miner := newFakeMiner(t)
	signer, err := keys.Generate()
	require.NoError(t, err)

	host, port := miner.hostPort()
	c, err := Connect(context.Background(), host, port, miner.hotkey, signer)
	require.NoError(t, err)
	miner.nextFrame() // auth
	miner.srv.CloseClientConnections()

	select {
	case _, ok := <-c.Receive():
		require.False(t, ok, "channel should close, not deliver")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the channel to close")
	}
	require.Error(t, c.Err())
	require.NoError(t, c.Close())
}

func TestSend_AfterCloseFails(t *testing.T) {
	miner := newFakeMiner(t)
	signer, err := keys.Generate()
	require.NoError(t, err)

	host, port := miner.hostPort()
	c, err := Connect(context.Background(), host, port, miner.hotkey, signer)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.Error(t, c.Send(context.Background(), &protocol.V0JobRequest{UUID: "job-3", DockerImage: "img"}))
}
