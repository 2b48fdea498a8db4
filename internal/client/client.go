// Package client is a reconnect-aware signaling client for the relay. It
// keeps the call alive across websocket drops: outbound signals queue while
// the channel is down, inbound signals queue until a peer connection exists,
// and the role learned from room-info survives reconnects of the other side.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/TimurNurlygayanov/litecall/internal/signaling"
)

// Role is what the relay assigned this client within its room.
type Role int

const (
	RoleUnknown Role = iota
	RoleHost
	RoleGuest
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleGuest:
		return "guest"
	default:
		return "unknown"
	}
}

const (
	defaultBackoffBase = 1 * time.Second
	defaultBackoffCap  = 5 * time.Second

	writeWait = 5 * time.Second
)

// MediaSource supplies the local tracks attached to each peer connection.
// Tracks is called at most once per Client; the result is reused across
// peer recreations.
type MediaSource interface {
	Tracks() ([]webrtc.TrackLocal, error)
}

type Config struct {
	// ServerURL is the signaling endpoint, e.g. ws://host:8080/ws.
	ServerURL string
	// Room is the raw room identifier; the server normalizes case.
	Room string

	ICEServers []webrtc.ICEServer
	Media      MediaSource
	Logger     *slog.Logger

	// SettingEngine overrides the pion transport setup, primarily so tests
	// can pin the peer to a virtual network.
	SettingEngine *webrtc.SettingEngine

	OnRoomInfo    func(info signaling.RoomInfo)
	OnRemoteTrack func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	OnConnected   func()
	OnError       func(err error)

	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Client owns one signaling connection and at most one live peer connection.
type Client struct {
	cfg     Config
	log     *slog.Logger
	api     *webrtc.API
	dialURL string

	mu               sync.Mutex
	conn             *websocket.Conn
	writeMu          sync.Mutex
	role             Role
	attempts         int
	reconnectPending bool
	closed           bool

	// outbound holds signals produced while the websocket is down; flushed
	// in order on reconnect.
	outbound [][]byte
	// pending holds inbound signals that arrived before a peer existed;
	// replayed in order once one does.
	pending [][]byte

	peer        *peer
	mediaFlight bool
	tracks      []webrtc.TrackLocal
	haveTracks  bool
	succeeded   bool
	remoteMedia bool
}

func New(cfg Config) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("client: ServerURL is required")
	}
	if cfg.Room == "" {
		return nil, errors.New("client: Room is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = defaultBackoffCap
	}

	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse server url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("client: server url scheme %q, want ws or wss", u.Scheme)
	}
	q := u.Query()
	q.Set("room", cfg.Room)
	u.RawQuery = q.Encode()

	log := cfg.Logger.With("room", cfg.Room)

	se := webrtc.SettingEngine{}
	if cfg.SettingEngine != nil {
		se = *cfg.SettingEngine
	}
	if se.LoggerFactory == nil {
		se.LoggerFactory = slogLoggerFactory{log: log}
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("client: register codecs: %w", err)
	}

	return &Client{
		cfg: cfg,
		log: log,
		api: webrtc.NewAPI(
			webrtc.WithSettingEngine(se),
			webrtc.WithMediaEngine(mediaEngine),
		),
		dialURL: u.String(),
	}, nil
}

// Start begins connecting and ties the client's lifetime to ctx. Dial
// failures go through the same backoff as mid-call drops, so a client started
// before the relay is up still joins.
func (c *Client) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = c.Close()
	}()
	go c.connect()
}

// Role reports the current assignment; RoleUnknown until the first
// room-info arrives.
func (c *Client) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	p := c.peer
	c.peer = nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	if p != nil {
		if cerr := p.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// backoffDelay grows linearly with the attempt counter and clamps at cap.
func backoffDelay(attempt int, base, cap time.Duration) time.Duration {
	d := time.Duration(attempt) * base
	if d > cap {
		return cap
	}
	return d
}

func (c *Client) connect() {
	c.mu.Lock()
	if c.closed || c.conn != nil {
		c.mu.Unlock()
		return
	}
	attempt := c.attempts
	c.mu.Unlock()

	conn, resp, err := websocket.DefaultDialer.Dial(c.dialURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.log.Warn("signaling dial failed", "attempt", attempt, "err", err)
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.attempts = 0
	queued := c.outbound
	c.outbound = nil
	c.requestMediaLocked()
	c.mu.Unlock()

	c.log.Info("signaling connected")
	for _, raw := range queued {
		if err := c.write(conn, raw); err != nil {
			c.log.Warn("flush queued signal", "err", err)
			c.mu.Lock()
			c.outbound = append(c.outbound, raw)
			c.mu.Unlock()
		}
	}

	go c.readLoop(conn)
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.closed || c.reconnectPending {
		c.mu.Unlock()
		return
	}
	c.reconnectPending = true
	c.attempts++
	delay := backoffDelay(c.attempts, c.cfg.BackoffBase, c.cfg.BackoffCap)
	c.mu.Unlock()

	c.log.Info("signaling reconnect scheduled", "delay", delay)
	time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectPending = false
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		c.connect()
	})
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.log.Warn("signaling read failed", "err", err)
				c.scheduleReconnect()
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	env, err := signaling.ParseEnvelope(data)
	if err != nil {
		c.log.Debug("dropping malformed frame", "err", err)
		return
	}

	if env.Type == signaling.TypeRoomInfo {
		var info signaling.RoomInfo
		if err := json.Unmarshal(data, &info); err != nil {
			c.log.Debug("dropping malformed room-info", "err", err)
			return
		}
		c.handleRoomInfo(info)
		return
	}

	c.handleSignal(env)
}

func (c *Client) handleRoomInfo(info signaling.RoomInfo) {
	c.mu.Lock()
	switch {
	case info.NewClientJoined && c.role == RoleHost:
		// A join notification never demotes an established host, even
		// though the fan-out repeats isFirst.
	case info.IsFirst:
		c.role = RoleHost
	default:
		c.role = RoleGuest
	}
	role := c.role
	p, replay := c.ensurePeerLocked()
	c.mu.Unlock()

	c.log.Info("room info", "role", role.String(), "total", info.TotalClients, "joined", info.NewClientJoined)
	if c.cfg.OnRoomInfo != nil {
		c.cfg.OnRoomInfo(info)
	}
	c.startPeer(p, replay)
}

func (c *Client) handleSignal(env signaling.Envelope) {
	c.mu.Lock()
	p := c.peer
	if p == nil {
		c.pending = append(c.pending, env.Raw)
		np, replay := c.ensurePeerLocked()
		c.mu.Unlock()
		c.startPeer(np, replay)
		return
	}
	c.mu.Unlock()

	c.deliver(p, env)
}

// deliver feeds one signal into the peer. A webrtc.ErrConnectionClosed means
// the signal landed on a destroyed connection; recreate and replay it, except
// for a stale answer reaching the host, whose fresh offer supersedes it.
func (c *Client) deliver(p *peer, env signaling.Envelope) {
	err := p.Signal(env)
	if err == nil {
		return
	}

	if errors.Is(err, webrtc.ErrConnectionClosed) {
		c.log.Info("signal hit closed peer connection", "type", string(env.Type))
		c.mu.Lock()
		if c.peer == p {
			c.peer = nil
		}
		staleAnswer := c.role == RoleHost && env.Type == signaling.TypeAnswer
		if !staleAnswer {
			c.pending = append(c.pending, env.Raw)
		}
		np, replay := c.ensurePeerLocked()
		c.mu.Unlock()
		c.startPeer(np, replay)
		return
	}

	c.reportError(fmt.Errorf("apply %s signal: %w", env.Type, err))
}

// ensurePeerLocked creates the peer connection once the role is known and
// media (if any) is ready. It returns the new peer and the inbound signals to
// replay into it; the caller starts it outside the lock because negotiation
// fires callbacks that re-enter the client.
func (c *Client) ensurePeerLocked() (*peer, [][]byte) {
	if c.closed || c.peer != nil || c.role == RoleUnknown {
		return nil, nil
	}
	if c.cfg.Media != nil && !c.haveTracks {
		c.requestMediaLocked()
		return nil, nil
	}

	hooks := peerHooks{
		onSignal:    c.sendEnvelope,
		onConnected: c.onPeerConnected,
		onFailed:    c.onPeerFailed,
		onTrack:     c.onRemoteTrack,
	}
	p, err := newPeer(c.api, c.cfg.ICEServers, c.role == RoleHost, c.tracks, hooks, c.log)
	if err != nil {
		c.log.Error("create peer connection", "err", err)
		return nil, nil
	}

	c.peer = p
	replay := c.pending
	c.pending = nil
	return p, replay
}

func (c *Client) startPeer(p *peer, replay [][]byte) {
	if p == nil {
		return
	}
	if err := p.start(); err != nil {
		c.reportError(fmt.Errorf("start peer: %w", err))
		return
	}
	for _, raw := range replay {
		env, err := signaling.ParseEnvelope(raw)
		if err != nil {
			continue
		}
		c.deliver(p, env)
	}
}

func (c *Client) onPeerConnected() {
	c.mu.Lock()
	first := !c.succeeded
	c.succeeded = true
	c.mu.Unlock()

	if first {
		c.log.Info("peer connected")
		if c.cfg.OnConnected != nil {
			c.cfg.OnConnected()
		}
	}
}

func (c *Client) onRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	c.mu.Lock()
	c.remoteMedia = true
	c.mu.Unlock()

	if c.cfg.OnRemoteTrack != nil {
		c.cfg.OnRemoteTrack(track, receiver)
	}
}

// onPeerFailed handles a terminally failed connection. One that never got
// anywhere is recreated immediately; after a session succeeded or remote
// media flowed, the failure means the other side left, so the dead object is
// only discarded and the next room-info builds a fresh one.
func (c *Client) onPeerFailed(p *peer) {
	c.mu.Lock()
	if c.closed || c.peer != p {
		c.mu.Unlock()
		return
	}
	c.peer = nil
	if c.succeeded || c.remoteMedia {
		c.succeeded = false
		c.remoteMedia = false
		c.mu.Unlock()
		c.log.Info("peer connection ended")
		_ = p.Close()
		return
	}
	np, replay := c.ensurePeerLocked()
	c.mu.Unlock()

	c.log.Warn("peer connection failed before ever connecting, recreating")
	_ = p.Close()
	c.startPeer(np, replay)
}

func (c *Client) requestMediaLocked() {
	if c.cfg.Media == nil || c.haveTracks || c.mediaFlight {
		return
	}
	c.mediaFlight = true
	go func() {
		tracks, err := c.cfg.Media.Tracks()

		c.mu.Lock()
		c.mediaFlight = false
		if err != nil {
			c.mu.Unlock()
			c.reportError(fmt.Errorf("acquire media: %w", err))
			return
		}
		c.tracks = tracks
		c.haveTracks = true
		p, replay := c.ensurePeerLocked()
		c.mu.Unlock()

		c.startPeer(p, replay)
	}()
}

// sendEnvelope marshals and sends one signal, queueing it if the websocket
// is currently down.
func (c *Client) sendEnvelope(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.reportError(fmt.Errorf("marshal signal: %w", err))
		return
	}

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.outbound = append(c.outbound, data)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.write(conn, data); err != nil {
		c.log.Warn("send signal failed, queueing", "err", err)
		c.mu.Lock()
		c.outbound = append(c.outbound, data)
		c.mu.Unlock()
	}
}

func (c *Client) write(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) reportError(err error) {
	c.log.Error("client error", "err", err)
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
}
