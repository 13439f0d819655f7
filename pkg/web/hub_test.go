package web

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-go-golems/multilogue/pkg/companion"
	"github.com/go-go-golems/multilogue/pkg/store"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, srv *httptest.Server, hello ClientMessage) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.WriteJSON(hello))
	return conn
}

// next reads messages until one of type typ arrives.
func next(t *testing.T, conn *websocket.Conn, typ string) ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg ServerMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == typ {
			return msg
		}
	}
}

func waitForViews(t *testing.T, s *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Hub().Count() == n }, time.Second, 5*time.Millisecond)
}

func TestHubBroadcastsChanges(t *testing.T) {
	s, st := newTestServer(t, "")
	srv := httptest.NewServer(s.Echo())
	defer srv.Close()

	conn := dial(t, srv, ClientMessage{Type: MessageHello, Role: RolePrimary, Location: srv.URL + "/"})
	waitForViews(t, s, 1)
	// the hello is handled asynchronously; give the role time to register
	time.Sleep(20 * time.Millisecond)

	_, err := st.Set(context.Background(), st.PrimaryKey(), "Alice: hi\n\n")
	require.NoError(t, err)

	msg := next(t, conn, MessageChange)
	require.NotNil(t, msg.Event)
	assert.Equal(t, st.PrimaryKey(), msg.Event.Key)
	assert.Equal(t, "Alice: hi\n\n", msg.Event.Value)
}

func TestCompanionIsOpenedThroughPrimaryView(t *testing.T) {
	s, st := newTestServer(t, "", WithCompanion("", "", "", 30*time.Millisecond))
	srv := httptest.NewServer(s.Echo())
	defer srv.Close()

	primary := dial(t, srv, ClientMessage{Type: MessageHello, Role: RolePrimary, Location: srv.URL + "/"})
	waitForViews(t, s, 1)
	time.Sleep(20 * time.Millisecond)

	_, err := st.Set(context.Background(), st.AuxiliaryKey(), "considering options")
	require.NoError(t, err)

	open := next(t, primary, MessageOpen)
	assert.Equal(t, "/"+companion.DefaultAddress, open.Address)
	assert.Equal(t, companion.DefaultHandleName, open.Name)

	// the browser opens the named view, which connects as a companion
	view := dial(t, srv, ClientMessage{
		Type:     MessageHello,
		Role:     RoleCompanion,
		Name:     companion.DefaultHandleName,
		Location: srv.URL + "/" + companion.DefaultAddress,
	})
	render := next(t, view, MessageRender)
	assert.Contains(t, render.HTML, "considering options")

	back := next(t, view, MessageNavigate)
	assert.Equal(t, companion.DefaultPrimaryAddress, back.Address)

	// the view now shows the primary address; the next notes move it back
	require.NoError(t, view.WriteJSON(ClientMessage{Type: MessageLocation, Location: srv.URL + "/"}))
	time.Sleep(20 * time.Millisecond)
	_, err = st.Set(context.Background(), st.AuxiliaryKey(), "more thoughts")
	require.NoError(t, err)
	again := next(t, view, MessageNavigate)
	assert.Equal(t, "/"+companion.DefaultAddress, again.Address)
}

func TestHubOpenWithoutViews(t *testing.T) {
	h := NewHub(store.New(store.NewMemoryBackend()), RenderNotes)
	_, err := h.Open(context.Background(), "/thoughts.html", "x")
	assert.ErrorIs(t, err, ErrNoView)
}
