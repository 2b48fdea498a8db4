package signaling

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TimurNurlygayanov/litecall/internal/metrics"
	"github.com/TimurNurlygayanov/litecall/internal/origin"
	"github.com/TimurNurlygayanov/litecall/internal/ratelimit"
	"github.com/TimurNurlygayanov/litecall/internal/room"
	"github.com/TimurNurlygayanov/litecall/internal/stats"
)

const wsWriteWait = 1 * time.Second

// Config wires together the runtime dependencies for the signaling relay.
type Config struct {
	// Registry owns all room and cached-signal state. A fresh registry is
	// created when nil.
	Registry *room.Registry

	Metrics *metrics.Metrics

	// Stats, when set, is incremented each time a room reaches two members.
	Stats *stats.Counter

	Logger *slog.Logger

	// AllowedOrigins overrides the default same-host Origin policy.
	AllowedOrigins []string

	// MaxMessageBytes is the frame size above which the connection is closed
	// with 1009. Frames over the limit are never parsed or relayed.
	MaxMessageBytes int64

	MaxMessagesPerSecond int

	// CandidateFlushDelay holds cached candidates back after the cached offer
	// is sent to a late joiner, so the receiving peer connection can apply
	// the remote description before candidates referencing it arrive.
	CandidateFlushDelay time.Duration

	PingInterval time.Duration
	IdleTimeout  time.Duration

	// Clock drives the per-connection rate limiter; nil means wall clock.
	Clock ratelimit.Clock
}

func (c Config) withDefaults() Config {
	if c.Registry == nil {
		c.Registry = room.NewRegistry(0)
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 10_000
	}
	if c.MaxMessagesPerSecond <= 0 {
		c.MaxMessagesPerSecond = 50
	}
	if c.CandidateFlushDelay < 0 {
		c.CandidateFlushDelay = 0
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 54 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	return c
}

// Server relays signaling envelopes between the members of a room.
//
// Registered at GET /ws?room=<key>. Per-connection failures (malformed JSON,
// a broken recipient) are isolated to that connection and never corrupt room
// state for others.
type Server struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]map[room.MemberID]*wsConn
	closed bool
}

func NewServer(cfg Config) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:   cfg,
		log:   cfg.Logger,
		conns: make(map[string]map[room.MemberID]*wsConn),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			header := r.Header.Get("Origin")
			if header == "" {
				// Non-browser clients send no Origin.
				return true
			}
			normalized, ok := origin.Normalize(header)
			return ok && origin.Allowed(normalized, r.Host, cfg.AllowedOrigins)
		},
	}
	return s
}

// Registry exposes the room registry, primarily for tests and readiness
// checks.
func (s *Server) Registry() *room.Registry {
	return s.cfg.Registry
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer sock.Close()

	id := room.NewMemberID()
	res, err := s.cfg.Registry.Admit(r.URL.Query().Get("room"), id)
	if err != nil {
		s.cfg.Metrics.Inc(metrics.InvalidRoomID)
		s.log.Debug("connection rejected",
			"reason", "invalid room id",
			"remote_addr", r.RemoteAddr,
		)
		writeClose(sock, websocket.ClosePolicyViolation, "invalid room id")
		return
	}

	c := &wsConn{
		id:       id,
		roomKey:  res.Key,
		sock:     sock,
		pingDone: make(chan struct{}),
	}

	if !s.register(c) {
		writeClose(sock, websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer s.teardown(c)

	s.cfg.Metrics.Inc(metrics.ClientAdmitted)
	if res.RoomCreated {
		s.cfg.Metrics.Inc(metrics.RoomCreated)
	}
	s.log.Info("member admitted",
		"room", res.Key,
		"member", string(c.id),
		"is_first", res.IsFirst,
		"total", res.TotalMembers,
	)

	if res.TotalMembers == 2 {
		s.cfg.Metrics.Inc(metrics.CallConnected)
		if s.cfg.Stats != nil {
			if err := s.cfg.Stats.Increment(); err != nil {
				s.log.Warn("stats increment failed", "err", err)
			}
		}
	}

	s.sendRoomInfo(c, newRoomInfo(res.Key, res.IsFirst, res.TotalMembers, false))
	if res.TotalMembers > 1 {
		s.fanOutRoomInfo(c, res.TotalMembers)
	}
	s.backfill(c)

	s.readLoop(c)
}

// Close closes every live signaling connection; used on server shutdown.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	var all []*wsConn
	for _, members := range s.conns {
		for _, c := range members {
			all = append(all, c)
		}
	}
	s.mu.Unlock()

	for _, c := range all {
		writeClose(c.sock, websocket.CloseGoingAway, "server shutting down")
		_ = c.sock.Close()
	}
}

func (s *Server) register(c *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	members, ok := s.conns[c.roomKey]
	if !ok {
		members = make(map[room.MemberID]*wsConn)
		s.conns[c.roomKey] = members
	}
	members[c.id] = c

	go s.pingLoop(c)
	return true
}

// teardown runs when a member's read loop exits for any reason. Cached signal
// state is cleared on every disconnect, host or guest, so a reconnecting peer
// always negotiates from a fresh offer.
func (s *Server) teardown(c *wsConn) {
	close(c.pingDone)

	s.mu.Lock()
	if members, ok := s.conns[c.roomKey]; ok {
		delete(members, c.id)
		if len(members) == 0 {
			delete(s.conns, c.roomKey)
		}
	}
	s.mu.Unlock()

	res := s.cfg.Registry.Remove(c.roomKey, c.id)
	s.cfg.Registry.ClearSignalState(c.roomKey)

	if !res.Removed {
		return
	}
	if res.RemainingMembers == 0 {
		s.cfg.Metrics.Inc(metrics.RoomDeleted)
	}
	if res.HostReassigned {
		// The promoted member learns its role from the next room-info
		// fan-out; no immediate notification is sent.
		s.cfg.Metrics.Inc(metrics.HostReassigned)
	}
	s.log.Info("member left",
		"room", c.roomKey,
		"member", string(c.id),
		"was_host", res.WasHost,
		"remaining", res.RemainingMembers,
	)
}

func (s *Server) readLoop(c *wsConn) {
	limiter := ratelimit.NewTokenBucket(s.cfg.Clock, int64(s.cfg.MaxMessagesPerSecond), int64(s.cfg.MaxMessagesPerSecond))

	_ = c.sock.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	})

	for {
		msgType, msgReader, err := c.sock.NextReader()
		if err != nil {
			return
		}
		_ = c.sock.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		if msgType != websocket.TextMessage {
			writeClose(c.sock, websocket.CloseUnsupportedData, "expected text message")
			return
		}

		if !limiter.Allow() {
			s.cfg.Metrics.Inc(metrics.RateLimited)
			writeClose(c.sock, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		payload, err := readLimited(msgReader, s.cfg.MaxMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				s.cfg.Metrics.Inc(metrics.OversizedFrame)
				writeClose(c.sock, websocket.CloseMessageTooBig, "message too large")
			}
			return
		}

		s.handleEnvelope(c, payload)
	}
}

// handleEnvelope parses, caches and relays one inbound frame. Malformed
// payloads are dropped without closing the connection; they are an
// application-level nuisance, not a protocol violation.
func (s *Server) handleEnvelope(c *wsConn, payload []byte) {
	env, err := ParseEnvelope(payload)
	if err != nil {
		s.cfg.Metrics.Inc(metrics.MalformedFrame)
		s.log.Debug("dropping malformed frame",
			"room", c.roomKey,
			"member", string(c.id),
			"err", err,
		)
		return
	}

	switch env.Type {
	case TypeOffer:
		s.cfg.Registry.RecordOffer(c.roomKey, env.Raw)
		s.cfg.Metrics.Inc(metrics.OfferCached)
	case TypeCandidate:
		if s.cfg.Registry.RecordCandidate(c.roomKey, c.id, env.Raw) {
			s.cfg.Metrics.Inc(metrics.CandidateCached)
		}
	}

	for _, peerID := range s.cfg.Registry.PeersOf(c.roomKey, c.id) {
		peer := s.lookup(c.roomKey, peerID)
		if peer == nil {
			continue
		}
		if err := peer.send(env.Raw); err != nil {
			// A broken recipient must not affect the sender or the others.
			s.cfg.Metrics.Inc(metrics.RelayError)
			s.log.Warn("relay delivery failed",
				"room", c.roomKey,
				"to", string(peerID),
				"err", err,
			)
		}
	}
}

// sendRoomInfo delivers the admission room-info to the new member.
func (s *Server) sendRoomInfo(c *wsConn, info RoomInfo) {
	if err := c.sendJSON(info); err != nil {
		s.log.Warn("room-info send failed", "room", c.roomKey, "err", err)
	}
}

// fanOutRoomInfo tells the existing members someone joined. Each recipient
// gets its own current role so an established host is never flipped to guest.
func (s *Server) fanOutRoomInfo(joined *wsConn, total int) {
	for _, peerID := range s.cfg.Registry.PeersOf(joined.roomKey, joined.id) {
		peer := s.lookup(joined.roomKey, peerID)
		if peer == nil {
			continue
		}
		info := newRoomInfo(joined.roomKey, s.cfg.Registry.IsHost(joined.roomKey, peerID), total, true)
		if err := peer.sendJSON(info); err != nil {
			s.cfg.Metrics.Inc(metrics.RelayError)
			s.log.Warn("room-info fan-out failed", "room", joined.roomKey, "to", string(peerID), "err", err)
		}
	}
}

// backfill replays cached signal state to a late joiner: the offer right
// away, candidates after the flush delay.
func (s *Server) backfill(c *wsConn) {
	if offer, ok := s.cfg.Registry.CachedOffer(c.roomKey); ok {
		if err := c.send(offer); err != nil {
			s.log.Warn("cached offer send failed", "room", c.roomKey, "err", err)
			return
		}
	}

	candidates := s.cfg.Registry.CachedCandidates(c.roomKey)
	if len(candidates) == 0 {
		return
	}
	time.AfterFunc(s.cfg.CandidateFlushDelay, func() {
		for _, cand := range candidates {
			if err := c.send(cand); err != nil {
				// The joiner is gone; the remaining candidates are moot.
				s.log.Debug("cached candidate send failed", "room", c.roomKey, "err", err)
				return
			}
		}
	})
}

func (s *Server) lookup(key string, id room.MemberID) *wsConn {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.conns[key]
	if !ok {
		return nil
	}
	return members[id]
}

func (s *Server) pingLoop(c *wsConn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.sock.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				_ = c.sock.Close()
				return
			}
		case <-c.pingDone:
			return
		}
	}
}

// wsConn is one member's signaling channel. Writes from the owning read loop,
// relay fan-out and the candidate flush timer are serialized by writeMu, as
// gorilla allows only one concurrent writer.
type wsConn struct {
	id      room.MemberID
	roomKey string
	sock    *websocket.Conn

	writeMu  sync.Mutex
	pingDone chan struct{}
}

func (c *wsConn) send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.sock.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.sock.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.send(data)
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
