package broker

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eps3/xspider/internal/rpc"
)

// Connection is an authenticated client connection.
type Connection struct {
	ID          string
	Codec       rpc.Codec
	ConnectedAt time.Time

	ws *websocket.Conn
	// writeMu serializes writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex
}

func newConnection(id string, ws *websocket.Conn, codec rpc.Codec) *Connection {
	return &Connection{
		ID:          id,
		Codec:       codec,
		ConnectedAt: time.Now().UTC(),
		ws:          ws,
	}
}

// WriteFrame encodes frame with the connection codec and sends it.
func (c *Connection) WriteFrame(frame *rpc.Frame) error {
	data, err := c.Codec.Encode(frame)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(c.Codec.MessageType(), data)
}

// Close closes the underlying socket, which unblocks its read loop.
func (c *Connection) Close() error {
	return c.ws.Close()
}

// ConnectionManager tracks live connections.
type ConnectionManager struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	closed bool
}

// NewConnectionManager creates an empty connection manager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		conns: make(map[string]*Connection),
	}
}

// Add registers a connection. It reports false once CloseAll has run.
func (cm *ConnectionManager) Add(conn *Connection) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.closed {
		return false
	}
	cm.conns[conn.ID] = conn
	return true
}

// Remove unregisters a connection.
func (cm *ConnectionManager) Remove(connID string) {
	cm.mu.Lock()
	delete(cm.conns, connID)
	cm.mu.Unlock()
}

// Count returns the number of live connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.conns)
}

// CloseAll closes every connection and refuses new ones.
func (cm *ConnectionManager) CloseAll() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.closed = true
	for id, c := range cm.conns {
		c.Close()
		delete(cm.conns, id)
	}
}
