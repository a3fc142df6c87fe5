package webbridge

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

// ConnectionPool holds the websocket clients of one session and serializes
// writes to them.
type ConnectionPool struct {
	sessionID string
	mu        sync.Mutex
	conns     map[*websocket.Conn]struct{}
}

func NewConnectionPool(sessionID string) *ConnectionPool {
	return &ConnectionPool{
		sessionID: sessionID,
		conns:     map[*websocket.Conn]struct{}{},
	}
}

// Add registers conn after writing hello to it, so no broadcast can overtake
// the hello frame.
func (cp *ConnectionPool) Add(conn *websocket.Conn, hello []byte) error {
	if conn == nil {
		return nil
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if len(hello) > 0 {
		if err := writeFrame(conn, hello); err != nil {
			_ = conn.Close()
			return err
		}
	}
	cp.conns[conn] = struct{}{}
	return nil
}

func (cp *ConnectionPool) Remove(conn *websocket.Conn) {
	if conn == nil {
		return
	}
	cp.mu.Lock()
	delete(cp.conns, conn)
	cp.mu.Unlock()
	_ = conn.Close()
}

func (cp *ConnectionPool) Broadcast(data []byte) {
	if len(data) == 0 {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for conn := range cp.conns {
		if err := writeFrame(conn, data); err != nil {
			log.Warn().Err(err).Str("component", "webbridge").Str("session_id", cp.sessionID).Msg("ws broadcast failed, dropping connection")
			delete(cp.conns, conn)
			_ = conn.Close()
		}
	}
}

func (cp *ConnectionPool) Count() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *ConnectionPool) CloseAll() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for conn := range cp.conns {
		_ = conn.Close()
		delete(cp.conns, conn)
	}
}

func writeFrame(conn *websocket.Conn, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
