// Package obs maintains the connection to the presentation-control service
// (obs-websocket protocol v5). The service is optional infrastructure: the
// controller reconnects forever on a fixed delay and is never fatal to the
// broadcast server.
package obs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/versecast/internal/state"
)

// Status is the controller's connection state.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

const requestTimeout = 5 * time.Second

var errNotConnected = errors.New("control service not connected")

// Controller is the bidirectional client of the control service. It reports
// every observed scene change into the state store and pushes scene-change
// requests on demand.
type Controller struct {
	URL            string
	Password       string
	ReconnectDelay time.Duration

	store  *state.Store
	logger *slog.Logger

	mu      sync.Mutex
	status  Status
	conn    *websocket.Conn
	pending map[string]chan requestResponse
	reqSeq  uint64
	scene   string
	scenes  []string
}

// NewController builds a controller for the given obs-websocket URL.
func NewController(url, password string, reconnectDelay time.Duration, store *state.Store, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	return &Controller{
		URL:            url,
		Password:       password,
		ReconnectDelay: reconnectDelay,
		store:          store,
		logger:         logger,
		pending:        map[string]chan requestResponse{},
	}
}

// CurrentStatus returns the connection state machine's current state.
func (c *Controller) CurrentStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// GetSceneSnapshot returns the last known scene, scene list and whether the
// service is currently connected.
func (c *Controller) GetSceneSnapshot() (string, []string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scene, append([]string(nil), c.scenes...), c.status == Connected
}

// Run connects and serves until the context is cancelled, reconnecting on
// the fixed delay after every failure or close.
func (c *Controller) Run(ctx context.Context) {
	for {
		c.setStatus(Connecting)
		err := c.connectAndServe(ctx)
		c.setStatus(Disconnected)
		c.store.SetSceneInfo("", nil, false)
		if ctx.Err() != nil {
			c.logger.Info("control service client stopping")
			return
		}
		c.logger.Warn("control service connection lost, retrying", "delay", c.ReconnectDelay, "err", err)
		select {
		case <-time.After(c.ReconnectDelay):
		case <-ctx.Done():
			c.logger.Info("control service client stopping")
			return
		}
	}
}

func (c *Controller) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

func (c *Controller) connectAndServe(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", c.URL, err)
	}
	defer conn.Close()

	if err := c.identify(conn); err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.status = Connected
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
	}()
	c.logger.Info("control service connected", "url", c.URL)

	// Close the socket when the context ends so the blocking read below
	// returns promptly.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	go c.fetchInitialSceneInfo(ctx)

	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return fmt.Errorf("failed to read from control service: %w", err)
		}
		switch env.Op {
		case opEvent:
			c.handleEvent(env.D)
		case opRequestResponse:
			c.handleResponse(env.D)
		default:
			// Hello/Identified after the handshake and anything newer
			// than this client is ignored.
		}
	}
}

// identify performs the Hello/Identify/Identified handshake, answering the
// authentication challenge when the service presents one.
func (c *Controller) identify(conn *websocket.Conn) error {
	var env envelope
	if err := conn.ReadJSON(&env); err != nil {
		return fmt.Errorf("failed to read hello: %w", err)
	}
	if env.Op != opHello {
		return fmt.Errorf("expected hello, got op %d", env.Op)
	}
	var hello helloData
	if err := json.Unmarshal(env.D, &hello); err != nil {
		return fmt.Errorf("failed to parse hello: %w", err)
	}

	identify := identifyData{RPCVersion: 1}
	if hello.Authentication != nil {
		identify.Authentication = authResponse(c.Password, hello.Authentication.Salt, hello.Authentication.Challenge)
	}
	if err := conn.WriteJSON(envelope{Op: opIdentify, D: mustMarshal(identify)}); err != nil {
		return fmt.Errorf("failed to send identify: %w", err)
	}

	if err := conn.ReadJSON(&env); err != nil {
		return fmt.Errorf("failed to read identified: %w", err)
	}
	if env.Op != opIdentified {
		return fmt.Errorf("authentication rejected by control service (op %d)", env.Op)
	}
	return nil
}

// fetchInitialSceneInfo pulls the current scene and the scene list right
// after connecting and reports them into the store.
func (c *Controller) fetchInitialSceneInfo(ctx context.Context) {
	current, err := c.request(ctx, "GetCurrentProgramScene", nil)
	if err != nil {
		c.logger.Warn("failed to fetch current scene", "err", err)
		return
	}
	var cur currentSceneData
	if err := json.Unmarshal(current, &cur); err != nil {
		c.logger.Warn("failed to parse current scene", "err", err)
		return
	}

	list, err := c.request(ctx, "GetSceneList", nil)
	if err != nil {
		c.logger.Warn("failed to fetch scene list", "err", err)
		return
	}
	var scenes sceneListData
	if err := json.Unmarshal(list, &scenes); err != nil {
		c.logger.Warn("failed to parse scene list", "err", err)
		return
	}

	names := scenes.names()
	c.mu.Lock()
	c.scene = cur.SceneName
	c.scenes = names
	c.mu.Unlock()
	c.store.SetSceneInfo(cur.SceneName, names, true)
}

func (c *Controller) handleEvent(raw json.RawMessage) {
	var ev eventData
	if err := json.Unmarshal(raw, &ev); err != nil {
		c.logger.Debug("ignoring malformed control service event", "err", err)
		return
	}
	switch ev.EventType {
	case "CurrentProgramSceneChanged":
		var data currentSceneData
		if err := json.Unmarshal(ev.EventData, &data); err != nil {
			c.logger.Debug("ignoring malformed scene change event", "err", err)
			return
		}
		c.mu.Lock()
		c.scene = data.SceneName
		names := append([]string(nil), c.scenes...)
		c.mu.Unlock()
		c.logger.Info("control service scene changed", "scene", data.SceneName)
		c.store.SetSceneInfo(data.SceneName, names, true)
	case "SceneListChanged":
		var data sceneListData
		if err := json.Unmarshal(ev.EventData, &data); err != nil {
			c.logger.Debug("ignoring malformed scene list event", "err", err)
			return
		}
		names := data.names()
		c.mu.Lock()
		c.scenes = names
		scene := c.scene
		c.mu.Unlock()
		c.store.SetSceneInfo(scene, names, true)
	}
}

func (c *Controller) handleResponse(raw json.RawMessage) {
	var resp requestResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		c.logger.Debug("ignoring malformed control service response", "err", err)
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[resp.RequestID]
	if ok {
		delete(c.pending, resp.RequestID)
	}
	c.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// request sends one RPC and waits for its correlated response.
func (c *Controller) request(ctx context.Context, requestType string, data any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil || c.status != Connected {
		c.mu.Unlock()
		return nil, errNotConnected
	}
	c.reqSeq++
	id := requestType + "-" + strconv.FormatUint(c.reqSeq, 10)
	ch := make(chan requestResponse, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := requestData{RequestType: requestType, RequestID: id}
	if data != nil {
		req.RequestData = mustMarshal(data)
	}
	c.mu.Lock()
	err := conn.WriteJSON(envelope{Op: opRequest, D: mustMarshal(req)})
	c.mu.Unlock()
	if err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("failed to send %s: %w", requestType, err)
	}

	t := time.NewTimer(requestTimeout)
	defer t.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, errNotConnected
		}
		if !resp.RequestStatus.Result {
			return nil, fmt.Errorf("%s rejected: %s (code %d)", requestType, resp.RequestStatus.Comment, resp.RequestStatus.Code)
		}
		return resp.ResponseData, nil
	case <-t.C:
		c.dropPending(id)
		return nil, fmt.Errorf("%s timed out", requestType)
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	}
}

func (c *Controller) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// RequestSceneChange asks the control service to switch scenes. When not
// connected the request is dropped with a log line; the caller's state is
// untouched.
func (c *Controller) RequestSceneChange(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if _, err := c.request(ctx, "SetCurrentProgramScene", setSceneData{SceneName: name}); err != nil {
		if errors.Is(err, errNotConnected) {
			c.logger.Info("dropping scene change, control service not connected", "scene", name)
			return
		}
		c.logger.Warn("scene change failed", "scene", name, "err", err)
	}
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		// Only reachable with an unmarshalable programming-contract
		// violation, never expected input.
		panic(err)
	}
	return raw
}
