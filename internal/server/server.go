// Package server accepts display-client websocket connections, relays their
// commands into the state store and the scene controller, and fans state
// changes out to every registered client.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/versecast/internal/state"
)

// SceneController is the server's view of the presentation-control client.
// Scene state itself is read from the store, which the controller keeps
// current; the server only pushes change requests.
type SceneController interface {
	RequestSceneChange(name string)
}

// Refresher re-runs the source read and remote fetch out-of-band. The result
// lands in the state store, which triggers the broadcast.
type Refresher interface {
	Refresh(ctx context.Context)
}

// Server is the broadcast server: shared-secret gate, per-client read pump,
// and the dispatcher that turns state events into outbound messages.
type Server struct {
	token     string
	store     *state.Store
	scenes    SceneController
	refresher Refresher
	registry  *Registry
	upgrader  websocket.Upgrader
	logger    *slog.Logger

	handlers map[string]func(ctx context.Context, s *session, msg inboundMessage)
}

// New builds a Server. scenes and refresher may be nil when the matching
// subsystem is not configured.
func New(token string, store *state.Store, scenes SceneController, refresher Refresher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		token:     token,
		store:     store,
		scenes:    scenes,
		refresher: refresher,
		registry:  NewRegistry(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger,
	}
	// Dispatch table keyed by the type discriminator; unknown types fall
	// through to a debug log in the read pump.
	srv.handlers = map[string]func(ctx context.Context, s *session, msg inboundMessage){
		"refresh":             srv.handleRefresh,
		"setReference":        srv.handleSetReference,
		"microphone":          srv.handleMicrophone,
		"getMicrophoneStatus": srv.handleGetMicrophoneStatus,
		"getObsSceneStatus":   srv.handleGetSceneStatus,
		"getOBSInfo":          srv.handleGetOBSInfo,
		"changeObsScene":      srv.handleChangeScene,
		"ping":                srv.handlePing,
	}
	return srv
}

// Registry exposes the client registry, mainly for tests and diagnostics.
func (srv *Server) Registry() *Registry {
	return srv.registry
}

// HandleWS is the websocket endpoint. The shared secret arrives as the
// "token" query parameter and is checked before the upgrade: a mismatch gets
// an explicit 401 and never reaches the registry.
func (srv *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	supplied := r.URL.Query().Get("token")
	if subtle.ConstantTimeCompare([]byte(supplied), []byte(srv.token)) != 1 {
		srv.logger.Warn("rejected connection with bad token", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error("failed to upgrade", "err", err)
		return
	}

	sess := srv.registry.add(conn)
	srv.sendCatchUp(sess)
	srv.readPump(r.Context(), sess)
}

// sendCatchUp pushes the full state snapshot to one freshly registered
// client, a targeted send rather than a broadcast.
func (srv *Server) sendCatchUp(s *session) {
	st := srv.store.Snapshot()
	for _, msg := range []any{
		newVersesMessage(st),
		newMicrophoneStatusMessage(st),
		newOBSInfoMessage(st),
	} {
		if err := s.write(msg, srv.registry.WriteTimeout); err != nil {
			srv.logger.Warn("failed to send catch-up", "session", s.id, "err", err)
			srv.registry.remove(s.id)
			return
		}
	}
}

// readPump consumes inbound messages until the connection drops. Malformed
// messages are dropped with a debug log; they never close the connection.
func (srv *Server) readPump(ctx context.Context, s *session) {
	defer srv.registry.remove(s.id)
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				srv.logger.Info("client connection closed", "session", s.id, "err", err)
			}
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			srv.logger.Debug("dropping malformed message", "session", s.id, "err", err)
			continue
		}
		handler, ok := srv.handlers[msg.Type]
		if !ok {
			srv.logger.Debug("dropping unrecognized message", "session", s.id, "type", msg.Type)
			continue
		}
		handler(ctx, s, msg)
	}
}

// Run drains state events and broadcasts the matching message kinds until
// the context is cancelled.
func (srv *Server) Run(ctx context.Context) {
	events := srv.store.Subscribe()
	for {
		select {
		case ev := <-events:
			srv.broadcastEvent(ev)
		case <-ctx.Done():
			srv.logger.Info("broadcast dispatcher stopping")
			return
		}
	}
}

func (srv *Server) broadcastEvent(ev state.Event) {
	if ev.Verses {
		srv.registry.Broadcast(newVersesMessage(ev.State))
	}
	if ev.Microphone {
		srv.registry.Broadcast(newMicrophoneStatusMessage(ev.State))
	}
	if ev.OBSInfo {
		srv.registry.Broadcast(newOBSInfoMessage(ev.State))
	}
	if ev.Scene {
		srv.registry.Broadcast(obsSceneChangedMessage{Type: "obsSceneChanged", Scene: ev.State.CurrentScene})
	}
}

func (srv *Server) handleRefresh(ctx context.Context, _ *session, _ inboundMessage) {
	if srv.refresher == nil {
		srv.logger.Debug("refresh requested but no refresher configured")
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		srv.refresher.Refresh(ctx)
	}()
}

func (srv *Server) handleSetReference(_ context.Context, _ *session, msg inboundMessage) {
	srv.store.SetReference(msg.Reference)
}

func (srv *Server) handleMicrophone(_ context.Context, s *session, msg inboundMessage) {
	m := state.MicState(msg.Action)
	if !m.Valid() {
		srv.logger.Debug("dropping microphone message with unknown action", "session", s.id, "action", msg.Action)
		return
	}
	srv.store.SetMicrophone(m)
}

func (srv *Server) handleGetMicrophoneStatus(_ context.Context, s *session, _ inboundMessage) {
	srv.reply(s, newMicrophoneStatusMessage(srv.store.Snapshot()))
}

func (srv *Server) handleGetOBSInfo(_ context.Context, s *session, _ inboundMessage) {
	srv.reply(s, newOBSInfoMessage(srv.store.Snapshot()))
}

func (srv *Server) handleGetSceneStatus(_ context.Context, s *session, _ inboundMessage) {
	st := srv.store.Snapshot()
	scenes := st.AvailableScenes
	if scenes == nil {
		scenes = []string{}
	}
	srv.reply(s, sceneStatusMessage{
		Type:  "sceneStatus",
		Scene: st.CurrentScene,
		Data:  sceneStatusData{AvailableScenes: scenes, Connected: st.OBSConnected},
	})
}

func (srv *Server) handleChangeScene(_ context.Context, s *session, msg inboundMessage) {
	if srv.scenes == nil {
		srv.logger.Debug("dropping scene change, no control service configured", "session", s.id)
		return
	}
	if msg.Scene == "" {
		srv.logger.Debug("dropping scene change without scene", "session", s.id)
		return
	}
	srv.scenes.RequestSceneChange(msg.Scene)
}

func (srv *Server) handlePing(_ context.Context, s *session, _ inboundMessage) {
	srv.reply(s, pongMessage{Type: "pong", Timestamp: time.Now().UnixMilli()})
}

// reply sends a targeted message to one session only.
func (srv *Server) reply(s *session, v any) {
	if err := s.write(v, srv.registry.WriteTimeout); err != nil {
		srv.logger.Warn("failed to reply", "session", s.id, "err", err)
	}
}
