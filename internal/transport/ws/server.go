// Package ws serves the browser UI: a websocket per client that streams
// state frames and accepts click commands. The server never touches the
// simulation directly; commands go onto the bus like any other producer.
package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"gridcourier/internal/bus"
	"gridcourier/internal/protocol"
)

type Server struct {
	log *log.Logger
	b   *bus.Bus

	init   protocol.InitMsg
	tickMs int

	upgrader websocket.Upgrader

	mu        sync.Mutex
	knowledge *protocol.KnowledgeSnapshot
	env       *protocol.EnvironmentSnapshot
	sessions  map[string]chan []byte

	cancels []func()
}

func NewServer(b *bus.Bus, logger *log.Logger, init protocol.InitMsg, tickMs int) *Server {
	return &Server{
		log:    logger,
		b:      b,
		init:   init,
		tickMs: tickMs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		sessions: map[string]chan []byte{},
	}
}

// Start taps the state streams so frames can be fanned out to sessions.
func (s *Server) Start() {
	s.cancels = append(s.cancels,
		s.b.Subscribe(bus.TopicKnowledgeUpdate, s.onKnowledge),
		s.b.Subscribe(bus.TopicEnvUpdate, s.onEnvironment),
	)
}

func (s *Server) Stop() {
	for _, c := range s.cancels {
		c()
	}
	s.cancels = nil
}

func (s *Server) onKnowledge(env bus.Envelope) {
	snap, ok := env.Payload.(protocol.KnowledgeSnapshot)
	if !ok {
		return
	}
	s.mu.Lock()
	s.knowledge = &snap
	s.mu.Unlock()
	s.fanOut()
}

func (s *Server) onEnvironment(env bus.Envelope) {
	snap, ok := env.Payload.(protocol.EnvironmentSnapshot)
	if !ok {
		return
	}
	s.mu.Lock()
	s.env = &snap
	s.mu.Unlock()
	s.fanOut()
}

// fanOut pushes the latest frame to every session. A slow session keeps
// only the newest frame: the stale one is dropped first.
func (s *Server) fanOut() {
	b, ok := s.frame()
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, out := range s.sessions {
		push(out, b)
	}
}

// push try-sends, dropping the oldest queued message when the session is
// full. Never blocks the caller.
func push(out chan []byte, b []byte) {
	select {
	case out <- b:
	default:
		select {
		case <-out:
		default:
		}
		select {
		case out <- b:
		default:
		}
	}
}

func (s *Server) frame() ([]byte, bool) {
	s.mu.Lock()
	f := protocol.FrameMsg{
		Type:            protocol.TypeFrame,
		ProtocolVersion: protocol.Version,
		Knowledge:       s.knowledge,
		Environment:     s.env,
	}
	s.mu.Unlock()
	if f.Knowledge == nil && f.Environment == nil {
		return nil, false
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, false
	}
	return b, true
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sid, out := s.handshake(conn)
		if sid == "" {
			return
		}
		defer s.leave(sid)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				return
			}
			s.dispatch(out, msg)
		}
	}
}

// dispatch handles one client message from the reader loop. Replies go
// through the session's out channel; the writer goroutine is the only
// thing writing to the connection after the handshake.
func (s *Server) dispatch(out chan []byte, msg []byte) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		s.sendError(out, protocol.ErrProtoBadRequest, "bad json")
		return
	}
	switch base.Type {
	case protocol.TypeAddOrder:
		var m protocol.UIAddOrderMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			s.sendError(out, protocol.ErrProtoBadRequest, "bad add_order")
			return
		}
		s.b.Publish(bus.TopicUserAddOrder, protocol.AddOrderMsg{House: m.House})
	case protocol.TypeToggleObstacle:
		var m protocol.UIToggleObstacleMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			s.sendError(out, protocol.ErrProtoBadRequest, "bad toggle_obstacle")
			return
		}
		s.b.Publish(bus.TopicUserToggleObstacle, protocol.ToggleObstacleMsg{Cell: m.Cell})
	case protocol.TypeReset:
		s.Reset()
	default:
		s.sendError(out, protocol.ErrProtoBadRequest, "unknown type "+base.Type)
	}
}

// Reset starts a new epoch and reseeds every component. Messages still in
// flight from the old epoch are discarded by their consumers.
func (s *Server) Reset() {
	epoch := s.b.BumpEpoch()
	s.mu.Lock()
	s.knowledge, s.env = nil, nil
	s.mu.Unlock()
	s.b.Publish(bus.TopicSystemReset, s.init)
	s.log.Printf("reset requested, epoch now %d", epoch)
}

func (s *Server) handshake(conn *websocket.Conn) (string, chan []byte) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return "", nil
	}
	if base.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return "", nil
	}

	sid := uuid.NewString()
	out := make(chan []byte, 8)

	s.mu.Lock()
	var gridState *protocol.EnvironmentSnapshot
	if s.env != nil {
		gridState = s.env
	}
	s.sessions[sid] = out
	s.mu.Unlock()

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sid,
		Capacity:        s.init.Capacity,
		TimeoutSec:      s.init.Timeout,
		TickIntervalMs:  s.tickMs,
	}
	if gridState != nil {
		welcome.Grid = gridState.Grid
	}
	if err := writeJSON(conn, welcome); err != nil {
		s.leave(sid)
		return "", nil
	}

	// Prime the session with the current frame.
	if b, ok := s.frame(); ok {
		select {
		case out <- b:
		default:
		}
	}
	s.log.Printf("session %s connected", sid)
	return sid, out
}

func (s *Server) leave(sid string) {
	s.mu.Lock()
	if out, ok := s.sessions[sid]; ok {
		delete(s.sessions, sid)
		close(out)
	}
	s.mu.Unlock()
}

func (s *Server) sendError(out chan []byte, code, message string) {
	b, err := json.Marshal(protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         message,
	})
	if err != nil {
		return
	}
	push(out, b)
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
