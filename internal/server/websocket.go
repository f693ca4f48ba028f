package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/benhollis/remotegw/internal/dispatcher"
)

// outboundBufSize bounds the per-socket write queue; a client that cannot
// drain its events fast enough is disconnected rather than allowed to stall
// the components feeding it.
const outboundBufSize = 512

// inboundBurst is the per-socket message rate limit: a sustained flood
// beyond this gets its reads throttled, protecting the PTYs and the patch
// log from a runaway client.
const (
	inboundPerSecond = 200
	inboundBurst     = 400
)

// createUpgrader creates a WebSocket upgrader with origin validation.
// WebSocket upgrades bypass CORS, so origins are validated explicitly.
func (s *Server) createUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// No origin header - likely same-origin or non-browser client
				return true
			}
			return s.isOriginAllowed(origin)
		},
	}
}

// isOriginAllowed checks if the given origin is in the allowed list.
// Supports wildcard patterns like "https://*.example.com".
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" {
			// Wildcard allows all - only for development
			return true
		}
		if allowed == origin {
			return true
		}
		if strings.Contains(allowed, "*") {
			if matchWildcardOrigin(origin, allowed) {
				return true
			}
		}
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", s.config.AllowedOrigins)
	return false
}

// matchWildcardOrigin checks if origin matches a wildcard pattern.
// Pattern format: "https://*.example.com" matches "https://foo.example.com"
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix := parts[0] // e.g., "https://"
	suffix := parts[1] // e.g., ".example.com"

	if !strings.HasPrefix(origin, prefix) {
		return false
	}
	if !strings.HasSuffix(origin, suffix) {
		return false
	}

	// The middle part (subdomain) must not contain "/"
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return !strings.Contains(middle, "/")
}

// wsSink is one socket's outbound half: a buffered channel drained by a
// single writer goroutine, so concurrent handlers and component emitters
// never interleave frames on the wire.
type wsSink struct {
	conn *websocket.Conn
	out  chan any
	done chan struct{}
}

func newWSSink(conn *websocket.Conn) *wsSink {
	return &wsSink{
		conn: conn,
		out:  make(chan any, outboundBufSize),
		done: make(chan struct{}),
	}
}

func (s *wsSink) SendResponse(resp dispatcher.Response) {
	s.enqueue(resp)
}

func (s *wsSink) SendEvent(eventName string, fields map[string]any) {
	msg := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		msg[k] = v
	}
	msg["event"] = eventName
	s.enqueue(msg)
}

// enqueue is non-blocking: if the outbound queue is full the connection is
// beyond saving, so the frame is dropped and the write pump's next failure
// tears the socket down.
func (s *wsSink) enqueue(msg any) {
	select {
	case s.out <- msg:
	case <-s.done:
	default:
		slog.Warn("outbound queue full, dropping frame")
	}
}

func (s *wsSink) writePump() {
	for {
		select {
		case msg := <-s.out:
			if err := s.conn.WriteJSON(msg); err != nil {
				slog.Debug("websocket write failed", "error", err)
				_ = s.conn.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *wsSink) close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// handleWS authenticates the bearer token, upgrades the connection, and
// runs the socket's read loop until it closes, at which point the
// disconnect cascade runs.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	socketID := uuid.NewString()
	sess, err := s.validator.SessionForToken(token, uuid.NewString())
	if err != nil {
		slog.Warn("WebSocket auth failed", "error", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	sink := newWSSink(conn)
	go sink.writePump()

	s.dispatcher.Register(socketID, sess, sink)

	defer func() {
		s.dispatcher.Disconnect(socketID)
		sink.close()
		_ = conn.Close()
	}()

	limiter := rate.NewLimiter(rate.Limit(inboundPerSecond), inboundBurst)
	ctx := context.Background()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			slog.Debug("websocket read ended", "socket", socketID, "error", err)
			return
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		// Handlers run concurrently; within one socket the transport's
		// ordering is preserved up to handler dispatch, and every handler
		// only issues non-blocking commands.
		go func(msg []byte) {
			resp := s.dispatcher.Dispatch(ctx, socketID, msg)
			sink.SendResponse(resp)
		}(raw)
	}
}

// bearerToken pulls the token from the Authorization header, falling back
// to the token query parameter for clients that cannot set headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
