package server

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	iface "bsort/interface"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type instance struct {
	id          string
	conn        *websocket.Conn
	writeMu     sync.Mutex
	lastActive  atomic.Int64
	busy        atomic.Bool
	closeOnce   sync.Once
	cancelTimer chan struct{}
}

// Reply is sent for every text frame received on /ws/infer.
type Reply struct {
	SessionID string                  `json:"session_id"`
	Results   []iface.DetectionResult `json:"results,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

func (inst *instance) touch() {
	inst.lastActive.Store(time.Now().UnixNano())
}

func (inst *instance) idleFor() time.Duration {
	return time.Since(time.Unix(0, inst.lastActive.Load()))
}

func (inst *instance) send(v any) error {
	inst.writeMu.Lock()
	defer inst.writeMu.Unlock()
	return inst.conn.WriteJSON(v)
}

func (s *Server) inferStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader already wrote the HTTP error
		return
	}
	conn.SetReadLimit(MaxImageBytes * 2)

	inst := &instance{
		id:          uuid.New().String(),
		conn:        conn,
		cancelTimer: make(chan struct{}),
	}
	inst.touch()
	s.sessionMu.Lock()
	s.sessions[inst.id] = inst
	s.sessionMu.Unlock()
	s.log.Info("session opened", zap.String("session", inst.id))

	s.startIdleMonitor(inst)
	defer s.release(inst.id, "client disconnected")

	ctx := c.Request.Context()
	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			s.log.Debug("session read ended", zap.String("session", inst.id), zap.Error(err))
			return
		}
		inst.touch()
		if mt != websocket.TextMessage {
			_ = inst.send(Reply{SessionID: inst.id, Error: "unsupported message type"})
			continue
		}
		reply := Reply{SessionID: inst.id}
		data, err := DecodeBase64Image(string(msg))
		if err == nil {
			inst.busy.Store(true)
			reply.Results, err = s.Infer(ctx, data)
			inst.touch()
			inst.busy.Store(false)
		}
		if err != nil {
			reply.Error = err.Error()
		}
		if err := inst.send(reply); err != nil {
			s.log.Warn("session write", zap.String("session", inst.id), zap.Error(err))
			return
		}
	}
}

func (s *Server) startIdleMonitor(inst *instance) {
	tick := s.idleTimeout / 20
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	go func() {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-inst.cancelTimer:
				return
			case <-ticker.C:
				// a session waiting on the engine is not idle
				if !inst.busy.Load() && inst.idleFor() > s.idleTimeout {
					s.release(inst.id, "idle timeout")
					return
				}
			}
		}
	}()
}

// release drops the session and closes its connection. Safe to call more than once.
func (s *Server) release(id, reason string) bool {
	s.sessionMu.Lock()
	inst, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.sessionMu.Unlock()
	if !ok {
		return false
	}

	inst.closeOnce.Do(func() {
		inst.writeMu.Lock()
		_ = inst.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(time.Second))
		inst.writeMu.Unlock()
		_ = inst.conn.Close()
		close(inst.cancelTimer)
	})
	s.log.Info("session released", zap.String("session", id), zap.String("reason", reason))
	return true
}

func (s *Server) closeSessions() {
	s.sessionMu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.sessionMu.RUnlock()
	for _, id := range ids {
		s.release(id, "server shutting down")
	}
}
