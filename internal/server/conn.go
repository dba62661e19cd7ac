package server

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalfish/signalgate/internal/admission"
	"github.com/signalfish/signalgate/internal/config"
	"github.com/signalfish/signalgate/internal/events"
	"github.com/signalfish/signalgate/internal/observability"
	"github.com/signalfish/signalgate/internal/ratelimit"
)

// frame is the wire format exchanged after the upgrade. Clients send
// signal, join, chat, and ping frames; the server answers with ack, pong,
// and error frames.
type frame struct {
	Type       string          `json:"type"`
	Seq        int64           `json:"seq,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Category   string          `json:"category,omitempty"`
	Error      string          `json:"error,omitempty"`
	RetryAfter int64           `json:"retry_after_ms,omitempty"`
}

const (
	frameSignal = "signal"
	frameJoin   = "join"
	frameChat   = "chat"
	framePing   = "ping"
	framePong   = "pong"
	frameAck    = "ack"
	frameError  = "error"
)

// sendQueueSize bounds outbound frames per connection. A full queue drops
// server frames rather than blocking the read pump behind a slow client.
const sendQueueSize = 32

// session supervises one admitted WebSocket connection: liveness pings,
// the idle clock, the post-upgrade auth deadline, and per-category message
// throttling. The held admission Decision is released exactly once, on the
// same goroutine that observes the disconnect.
type session struct {
	gw       *Gateway
	conn     *websocket.Conn
	ip       string
	user     string
	decision *admission.Decision
	throttle *ratelimit.Throttle

	pingInterval time.Duration
	pongTimeout  time.Duration
	idleTimeout  time.Duration
	authTimeout  time.Duration

	send chan []byte
	done chan struct{}

	opened time.Time
	// lastActivity is the UnixNano of the last application frame. Pings and
	// pongs keep the connection alive but do not count as activity.
	lastActivity atomic.Int64
	authed       atomic.Bool
	drained      atomic.Bool

	closeOnce sync.Once
}

func newSession(gw *Gateway, conn *websocket.Conn, ip, user string, dec *admission.Decision, cfg *config.Config) *session {
	s := &session{
		gw:           gw,
		conn:         conn,
		ip:           ip,
		user:         user,
		decision:     dec,
		throttle:     ratelimit.NewThrottle(cfg.RateLimit.Messages),
		pingInterval: config.MustParseDuration(cfg.Heartbeat.PingInterval, 15*time.Second),
		pongTimeout:  config.MustParseDuration(cfg.Heartbeat.PongTimeout, 10*time.Second),
		idleTimeout:  config.MustParseDuration(cfg.Heartbeat.IdleTimeout, 5*time.Minute),
		authTimeout:  config.MustParseDuration(cfg.Server.AuthTimeout, 10*time.Second),
		send:         make(chan []byte, sendQueueSize),
		done:         make(chan struct{}),
		opened:       time.Now(),
	}
	s.lastActivity.Store(s.opened.UnixNano())

	maxMsg := cfg.Server.MaxMessageSize
	if maxMsg <= 0 {
		maxMsg = 64 << 10
	}
	conn.SetReadLimit(maxMsg)
	return s
}

// liveDeadline is how long a silent peer stays considered alive: one ping
// cadence plus the pong grace period.
func (s *session) liveDeadline() time.Time {
	return time.Now().Add(s.pingInterval + s.pongTimeout)
}

func (s *session) readPump() {
	defer s.teardown()

	// Until the first valid frame arrives the connection runs on the short
	// auth deadline; pongs must not extend it.
	_ = s.conn.SetReadDeadline(time.Now().Add(s.authTimeout))
	s.conn.SetPongHandler(func(string) error {
		if s.authed.Load() {
			return s.conn.SetReadDeadline(s.liveDeadline())
		}
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.classifyReadError(err)
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
			if !s.authed.Load() {
				s.closeWith(websocket.ClosePolicyViolation, "invalid first frame")
				return
			}
			s.reply(frame{Type: frameError, Error: "bad_frame"})
			continue
		}

		// Any valid frame proves liveness: it pushes the read deadline out
		// and resets the idle clock.
		s.authed.Store(true)
		s.lastActivity.Store(time.Now().UnixNano())
		_ = s.conn.SetReadDeadline(s.liveDeadline())

		switch f.Type {
		case framePing:
			s.reply(frame{Type: framePong, Seq: f.Seq})
		case frameSignal, frameJoin, frameChat:
			s.handleMessage(f)
		default:
			s.reply(frame{Type: frameError, Seq: f.Seq, Error: "unknown_type"})
		}
	}
}

// handleMessage runs the per-connection throttle for one application frame.
// Each category has its own bucket; a chat flood never starves signaling.
func (s *session) handleMessage(f frame) {
	cost := int64(1)
	if s.gw.health != nil {
		cost = s.gw.health.QuotaCost()
		if f.Type == frameChat && !s.gw.health.ChatEnabled() {
			s.gw.metrics.IncThrottled(f.Type)
			s.reply(frame{Type: frameError, Seq: f.Seq, Category: f.Type, Error: "chat_disabled"})
			return
		}
	}

	res := s.throttle.Allow(ratelimit.Category(f.Type), cost)
	if !res.Allowed {
		s.gw.metrics.IncThrottled(f.Type)
		s.reply(frame{
			Type:       frameError,
			Seq:        f.Seq,
			Category:   f.Type,
			Error:      "throttled",
			RetryAfter: res.RetryAfter.Milliseconds(),
		})
		return
	}

	s.reply(frame{Type: frameAck, Seq: f.Seq})
}

func (s *session) classifyReadError(err error) {
	if s.drained.Load() {
		return
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		if !s.authed.Load() {
			s.gw.metrics.IncRejected(observability.ReasonAuthexpire)
			s.closeWith(websocket.ClosePolicyViolation, "auth timeout")
			return
		}
		s.gw.metrics.IncHeartbeatTimeout()
		return
	}
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.gw.logger.Debug("connection closed unexpectedly", "ip", s.ip, "error", err)
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.pongTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.teardown()
				return
			}
		case <-ticker.C:
			if s.idleTimeout > 0 {
				idle := time.Since(time.Unix(0, s.lastActivity.Load()))
				if idle > s.idleTimeout {
					s.gw.metrics.IncIdleClosed()
					s.closeWith(websocket.CloseGoingAway, "idle timeout")
					return
				}
			}
			deadline := time.Now().Add(s.pongTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.teardown()
				return
			}
		case <-s.done:
			return
		}
	}
}

// reply queues a frame for the write pump, dropping it if the client cannot
// keep up. Control of the connection never blocks on a slow reader.
func (s *session) reply(f frame) {
	msg, err := json.Marshal(f)
	if err != nil {
		return
	}
	select {
	case s.send <- msg:
	default:
		s.gw.logger.Debug("send queue full, dropping frame", "ip", s.ip, "type", f.Type)
	}
}

// drain marks the session as shed by the degradation controller and closes
// it with a retryable close code.
func (s *session) drain() {
	if !s.drained.CompareAndSwap(false, true) {
		return
	}
	s.gw.metrics.IncDrained()
	s.closeWith(websocket.CloseTryAgainLater, "draining")
}

// closeWith sends a close frame with the given code and tears the session
// down.
func (s *session) closeWith(code int, text string) {
	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text), deadline)
	s.teardown()
}

// teardown releases everything the session holds. Idempotent; the admission
// Decision is released synchronously here so capacity frees the moment the
// disconnect is observed, never on a delayed timer.
func (s *session) teardown() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
		s.gw.unregister(s)
		s.decision.Release()
		s.gw.metrics.ConnClosed()
		s.gw.metrics.PromConnDuration.Observe(time.Since(s.opened).Seconds())

		evType := events.TypeClosed
		if s.drained.Load() {
			evType = events.TypeDrained
		}
		s.gw.emitter.Emit(events.ConnectionEvent{
			Type:   evType,
			IP:     s.ip,
			Active: s.gw.gate.Active(),
		})
	})
}
