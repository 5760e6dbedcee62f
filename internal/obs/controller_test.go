package obs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/versecast/internal/state"
)

// fakeControlService speaks just enough obs-websocket v5 for the controller:
// Hello/Identify/Identified handshake, scene requests, and pushed events.
type fakeControlService struct {
	t        *testing.T
	upgrader websocket.Upgrader
	scene    string
	scenes   []string

	conns chan *websocket.Conn
}

func newFakeControlService(t *testing.T) *fakeControlService {
	return &fakeControlService{
		t:      t,
		scene:  "sala",
		scenes: []string{"solo", "tineri", "sala"},
		conns:  make(chan *websocket.Conn, 4),
	}
}

func (f *fakeControlService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.conns <- conn

	_ = conn.WriteJSON(envelope{Op: opHello, D: mustMarshal(helloData{OBSWebSocketVersion: "5.1.0", RPCVersion: 1})})

	var env envelope
	if err := conn.ReadJSON(&env); err != nil {
		return
	}
	if env.Op != opIdentify {
		f.t.Errorf("expected identify, got op %d", env.Op)
		return
	}
	_ = conn.WriteJSON(envelope{Op: opIdentified, D: json.RawMessage(`{"negotiatedRpcVersion":1}`)})

	for {
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		if env.Op != opRequest {
			continue
		}
		var req requestData
		if err := json.Unmarshal(env.D, &req); err != nil {
			continue
		}
		resp := requestResponse{
			RequestType:   req.RequestType,
			RequestID:     req.RequestID,
			RequestStatus: requestStatus{Result: true, Code: 100},
		}
		switch req.RequestType {
		case "GetCurrentProgramScene":
			resp.ResponseData = mustMarshal(currentSceneData{SceneName: f.scene})
		case "GetSceneList":
			items := make([]sceneItem, 0, len(f.scenes))
			for _, s := range f.scenes {
				items = append(items, sceneItem{SceneName: s})
			}
			resp.ResponseData = mustMarshal(sceneListData{Scenes: items})
		case "SetCurrentProgramScene":
			var data setSceneData
			_ = json.Unmarshal(req.RequestData, &data)
			f.scene = data.SceneName
			_ = conn.WriteJSON(envelope{Op: opRequestResponse, D: mustMarshal(resp)})
			f.pushSceneChanged(conn, data.SceneName)
			continue
		}
		_ = conn.WriteJSON(envelope{Op: opRequestResponse, D: mustMarshal(resp)})
	}
}

func (f *fakeControlService) pushSceneChanged(conn *websocket.Conn, scene string) {
	_ = conn.WriteJSON(envelope{Op: opEvent, D: mustMarshal(eventData{
		EventType: "CurrentProgramSceneChanged",
		EventData: mustMarshal(currentSceneData{SceneName: scene}),
	})})
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func waitForEvent(t *testing.T, ch <-chan state.Event, match func(state.Event) bool) state.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for matching state event")
			return state.Event{}
		}
	}
}

func TestControllerReportsInitialSceneInfo(t *testing.T) {
	fake := newFakeControlService(t)
	ts := httptest.NewServer(fake)
	defer ts.Close()

	store := state.NewStore(map[string]state.MicState{"solo": state.MicOn, "sala": state.MicOther}, nil)
	events := store.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewController(wsURL(ts), "", 50*time.Millisecond, store, nil)
	go c.Run(ctx)

	ev := waitForEvent(t, events, func(ev state.Event) bool { return ev.State.OBSConnected })
	assert.Equal(t, "sala", ev.State.CurrentScene)
	assert.Equal(t, []string{"solo", "tineri", "sala"}, ev.State.AvailableScenes)
	assert.Equal(t, state.MicOther, ev.State.Microphone)

	scene, scenes, connected := c.GetSceneSnapshot()
	assert.Equal(t, "sala", scene)
	assert.Len(t, scenes, 3)
	assert.True(t, connected)
}

func TestControllerRelaysSceneChangeEvents(t *testing.T) {
	fake := newFakeControlService(t)
	ts := httptest.NewServer(fake)
	defer ts.Close()

	store := state.NewStore(map[string]state.MicState{"solo": state.MicOn}, nil)
	events := store.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewController(wsURL(ts), "", 50*time.Millisecond, store, nil)
	go c.Run(ctx)

	waitForEvent(t, events, func(ev state.Event) bool { return ev.State.OBSConnected })
	conn := <-fake.conns
	fake.pushSceneChanged(conn, "solo")

	ev := waitForEvent(t, events, func(ev state.Event) bool { return ev.State.CurrentScene == "solo" })
	assert.True(t, ev.Scene)
	assert.Equal(t, state.MicOn, ev.State.Microphone)
}

func TestControllerRequestSceneChangeRoundTrip(t *testing.T) {
	fake := newFakeControlService(t)
	ts := httptest.NewServer(fake)
	defer ts.Close()

	store := state.NewStore(nil, nil)
	events := store.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewController(wsURL(ts), "", 50*time.Millisecond, store, nil)
	go c.Run(ctx)

	waitForEvent(t, events, func(ev state.Event) bool { return ev.State.OBSConnected })
	c.RequestSceneChange("tineri")

	waitForEvent(t, events, func(ev state.Event) bool { return ev.State.CurrentScene == "tineri" })
}

func TestControllerReportsDisconnect(t *testing.T) {
	fake := newFakeControlService(t)
	ts := httptest.NewServer(fake)

	store := state.NewStore(nil, nil)
	events := store.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewController(wsURL(ts), "", time.Hour, store, nil)
	go c.Run(ctx)

	waitForEvent(t, events, func(ev state.Event) bool { return ev.State.OBSConnected })
	ts.CloseClientConnections()

	waitForEvent(t, events, func(ev state.Event) bool { return !ev.State.OBSConnected })
	assert.Equal(t, Disconnected, c.CurrentStatus())
}

func TestRequestSceneChangeWhileDisconnectedIsDropped(t *testing.T) {
	store := state.NewStore(nil, nil)
	c := NewController("ws://127.0.0.1:1/unreachable", "", time.Hour, store, nil)
	// Must not panic or block; the request is logged and dropped.
	c.RequestSceneChange("solo")
	assert.Equal(t, Disconnected, c.CurrentStatus())
}

func TestAuthResponseIsDeterministic(t *testing.T) {
	a := authResponse("secret", "salt", "challenge")
	b := authResponse("secret", "salt", "challenge")
	require.Equal(t, a, b)
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, authResponse("secret", "salt", "other-challenge"))
	assert.NotEqual(t, a, authResponse("other-secret", "salt", "challenge"))
}
