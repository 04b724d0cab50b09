package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/go/internal/broadcast"
	"github.com/pointdeck/pointdeck/go/internal/events"
)

// ConnectionManager owns the websocket side of the gateway: per-session
// connection pools, fan-out of bus events to sockets, and relay of client
// intents back onto the bus.
type ConnectionManager struct {
	sessionConnections map[uuid.UUID]map[*Connection]bool
	mu                 sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
	channel  broadcast.Channel

	// One bus subscription per session with at least one connection.
	subs map[uuid.UUID]broadcast.Subscription

	broadcastCh  chan fanoutMessage
	unregisterCh chan *Connection
	// done is closed when Start returns; after that nothing sends on
	// connection Send channels and teardown may run directly.
	done chan struct{}
}

// Connection represents one client's websocket.
type Connection struct {
	ID        string
	UserID    uuid.UUID
	SessionID uuid.UUID
	Conn      *websocket.Conn
	Send      chan []byte
	Manager   *ConnectionManager

	ConnectedAt time.Time
	LastPing    time.Time
}

// ConnectionConfig holds websocket tuning.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

type fanoutMessage struct {
	SessionID uuid.UUID
	Event     events.Event
}

// DefaultConnectionConfig returns default websocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  64 * 1024, // room for vote snapshots and SDP bodies
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewConnectionManager creates a manager bridging sockets to the given channel.
func NewConnectionManager(config ConnectionConfig, channel broadcast.Channel) *ConnectionManager {
	return &ConnectionManager{
		sessionConnections: make(map[uuid.UUID]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		channel:     channel,
		subs:         make(map[uuid.UUID]broadcast.Subscription),
		broadcastCh:  make(chan fanoutMessage, 1000),
		unregisterCh: make(chan *Connection, 256),
		done:         make(chan struct{}),
	}
}

// Start processes fan-out messages until the context ends.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			cm.closeAll()
			close(cm.done)
			return
		case message := <-cm.broadcastCh:
			cm.handleFanout(message)
		case conn := <-cm.unregisterCh:
			cm.unregisterConnection(conn)
		}
	}
}

// UpgradeConnection upgrades an HTTP request and registers the socket in its
// session pool, subscribing the pool to the bus on first connection.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, userID, sessionID uuid.UUID) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		UserID:      userID,
		SessionID:   sessionID,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}

	if err := cm.registerConnection(connection); err != nil {
		conn.Close()
		return err
	}

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("user_id", userID.String()).
		Str("session_id", sessionID.String()).
		Msg("websocket connection established")
	return nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.sessionConnections[conn.SessionID] == nil {
		sub, err := cm.channel.Subscribe(conn.SessionID, func(ev events.Event) {
			select {
			case cm.broadcastCh <- fanoutMessage{SessionID: ev.SessionID, Event: ev}:
			default:
				log.Warn().Str("session_id", ev.SessionID.String()).Msg("fanout channel full, dropping event")
			}
		})
		if err != nil {
			return fmt.Errorf("subscribe session %s: %w", conn.SessionID, err)
		}
		cm.subs[conn.SessionID] = sub
		cm.sessionConnections[conn.SessionID] = make(map[*Connection]bool)
	}
	cm.sessionConnections[conn.SessionID][conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("session_id", conn.SessionID.String()).
		Int("total_connections", len(cm.sessionConnections[conn.SessionID])).
		Msg("connection registered")
	return nil
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	connections, exists := cm.sessionConnections[conn.SessionID]
	if !exists {
		return
	}
	if _, exists := connections[conn]; !exists {
		return
	}
	delete(connections, conn)
	close(conn.Send)

	if len(connections) == 0 {
		delete(cm.sessionConnections, conn.SessionID)
		if sub, ok := cm.subs[conn.SessionID]; ok {
			if err := sub.Unsubscribe(); err != nil {
				log.Debug().Err(err).Msg("session unsubscribe failed")
			}
			delete(cm.subs, conn.SessionID)
		}
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", conn.UserID.String()).
		Str("session_id", conn.SessionID.String()).
		Msg("connection unregistered")
}

// requestUnregister hands teardown to the fan-out loop so Send is never closed
// while the loop is writing to it. Once the loop has exited the fan-out side
// is quiet and teardown runs directly.
func (cm *ConnectionManager) requestUnregister(conn *Connection) {
	select {
	case cm.unregisterCh <- conn:
	case <-cm.done:
		cm.unregisterConnection(conn)
	}
}

func (cm *ConnectionManager) closeAll() {
	cm.mu.Lock()
	var conns []*Connection
	for _, pool := range cm.sessionConnections {
		for conn := range pool {
			conns = append(conns, conn)
		}
	}
	cm.mu.Unlock()

	for _, conn := range conns {
		conn.Conn.Close()
	}
}

// handleFanout sends one bus event to every socket in the session pool.
func (cm *ConnectionManager) handleFanout(message fanoutMessage) {
	cm.mu.RLock()
	connections, exists := cm.sessionConnections[message.SessionID]
	if !exists {
		cm.mu.RUnlock()
		return
	}
	targets := make([]*Connection, 0, len(connections))
	for conn := range connections {
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	eventData, err := json.Marshal(message.Event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for fanout")
		return
	}

	for _, conn := range targets {
		select {
		case conn.Send <- eventData:
		default:
			// Slow or dead socket; evict it rather than stall the pool.
			log.Warn().
				Str("connection_id", conn.ID).
				Str("user_id", conn.UserID.String()).
				Msg("connection send buffer full, closing connection")
			cm.unregisterConnection(conn)
			conn.Conn.Close()
		}
	}

	log.Debug().
		Str("event_type", string(message.Event.Type)).
		Str("session_id", message.SessionID.String()).
		Int("connections", len(targets)).
		Msg("event fanned out")
}

// Stats returns connection counts per session.
func (cm *ConnectionManager) Stats() (total int, sessions map[string]int) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	sessions = make(map[string]int)
	for sessionID, connections := range cm.sessionConnections {
		sessions[sessionID.String()] = len(connections)
		total += len(connections)
	}
	return total, sessions
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.requestUnregister(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to send ping")
				return
			}
			c.LastPing = time.Now()
		}
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.Manager.requestUnregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("unexpected websocket close")
			}
			break
		}
		c.handleClientEvent(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// handleClientEvent relays a client-published event envelope onto the bus.
// The gateway enforces envelope hygiene only (session id and actor must match
// the socket); semantic validation happens in each client's replica.
func (c *Connection) handleClientEvent(message []byte) {
	var ev events.Event
	if err := json.Unmarshal(message, &ev); err != nil {
		log.Warn().Err(err).Str("connection_id", c.ID).Msg("dropping malformed client event")
		return
	}
	if ev.SessionID != c.SessionID || ev.ActorID != c.UserID {
		log.Warn().
			Str("connection_id", c.ID).
			Str("type", string(ev.Type)).
			Msg("dropping client event with mismatched session or actor")
		return
	}

	if err := c.Manager.channel.Publish(context.Background(), ev); err != nil {
		log.Warn().Err(err).Str("type", string(ev.Type)).Msg("client event publish failed")
	}
}
