package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwski/peergroup/backend/model"
	"github.com/adwski/peergroup/backend/service"
	store "github.com/adwski/peergroup/backend/storage/memory"
	sw "github.com/adwski/peergroup/backend/switch"
)

func newTestServer(t *testing.T) (*httptest.Server, *service.Service) {
	t.Helper()
	logger := zerolog.Nop()
	ms := store.NewMemStore()
	svc := service.NewService(service.Config{
		NameStore: ms,
		Switch:    sw.NewSwitch(&logger, ms),
		Logger:    &logger,
	})
	srv := NewServer(Config{Logger: &logger, BrokerService: svc})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts, svc
}

func dial(t *testing.T, ts *httptest.Server, query string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/broker/ns" + query
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

func readFrame(t *testing.T, conn *websocket.Conn) model.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var fr model.Frame
	require.NoError(t, conn.ReadJSON(&fr))
	return fr
}

func TestServer_RegisterNamed(t *testing.T) {
	ts, svc := newTestServer(t)

	conn, _, err := dial(t, ts, "?name=room")
	require.NoError(t, err)
	fr := readFrame(t, conn)
	assert.Equal(t, model.FrameTypeOpen, fr.Type)
	assert.Equal(t, "room", fr.SRC)
	assert.Equal(t, []string{"room"}, svc.ListNames("ns"))

	_, resp, err := dial(t, ts, "?name=room")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool {
		return len(svc.ListNames("ns")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_RegisterAnonymous(t *testing.T) {
	ts, svc := newTestServer(t)

	conn, _, err := dial(t, ts, "")
	require.NoError(t, err)
	fr := readFrame(t, conn)
	assert.Equal(t, model.FrameTypeOpen, fr.Type)
	assert.NotEmpty(t, fr.SRC)
	assert.Equal(t, []string{fr.SRC}, svc.ListNames("ns"))
}

func TestServer_Relay(t *testing.T) {
	ts, _ := newTestServer(t)

	host, _, err := dial(t, ts, "?name=room")
	require.NoError(t, err)
	readFrame(t, host)
	peer, _, err := dial(t, ts, "")
	require.NoError(t, err)
	self := readFrame(t, peer).SRC

	// src is assigned by the server whatever the client claims
	require.NoError(t, peer.WriteJSON(model.Frame{
		Type: model.FrameTypeConnect,
		DST:  "room",
		SRC:  "impostor",
		Conn: "c1",
	}))
	in := readFrame(t, host)
	assert.Equal(t, model.FrameTypeConnection, in.Type)
	assert.Equal(t, self, in.SRC)
	assert.Empty(t, in.DST)
	assert.Equal(t, model.FrameTypeOpen, readFrame(t, peer).Type)

	require.NoError(t, host.WriteJSON(model.Frame{Type: model.FrameTypeData, Conn: "c1", Payload: []byte(`{"id":1}`)}))
	fr := readFrame(t, peer)
	assert.Equal(t, model.FrameTypeData, fr.Type)
	assert.JSONEq(t, `{"id":1}`, string(fr.Payload))

	// host going away closes the channel on the peer side
	require.NoError(t, host.Close())
	fr = readFrame(t, peer)
	assert.Equal(t, model.FrameTypeClose, fr.Type)
	assert.Equal(t, "c1", fr.Conn)
}

func TestServer_UpgradeRequired(t *testing.T) {
	ts, svc := newTestServer(t)

	resp, err := http.Get(ts.URL + "/broker/ns?name=room")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, svc.ListNames("ns"))
}
