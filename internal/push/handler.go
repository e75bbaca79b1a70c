package push

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/google/uuid"

	"github.com/cwatcher/cwatcher/internal/model"
	"github.com/cwatcher/cwatcher/internal/store"
)

const (
	sendQueueSize  = 64
	heartbeatEvery = 30 * time.Second
	writeWait      = 10 * time.Second
	maxFrameBytes  = 1 << 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// clientMessage is the closed inbound message set (spec §4.7.2).
type clientMessage struct {
	Type      string   `json:"type"`
	ServerIDs []string `json:"server_ids,omitempty"`
	All       bool     `json:"all,omitempty"`
	Metrics   []string `json:"metrics,omitempty"`
	MinStatus string   `json:"min_status,omitempty"`
	From      int64    `json:"from,omitempty"`
	To        int64    `json:"to,omitempty"`
}

// historyQuerier narrows *store.Store to what REQUEST_HISTORY needs.
type historyQuerier interface {
	QueryRecent(serverID string, from, to int64) store.QueryResult
}

// Fabric owns the WebSocket upgrade endpoint, the live connection set,
// and the subscription index + broadcaster that serve it. It is the
// Push Fabric's public entry point (spec §4.7).
type Fabric struct {
	logger         *slog.Logger
	index          *Index
	broadcaster    *Broadcaster
	historyQuerier historyQuerier
	maxConns       int
	maxPerIP       int
	connCount      atomic.Int64

	ipMu  sync.Mutex
	perIP map[string]int
}

// New constructs a Fabric. history may be nil, in which case
// REQUEST_HISTORY is a no-op. maxConns caps simultaneous WebSocket
// connections; zero means unbounded. maxPerIP caps simultaneous
// connections from one remote address; zero means unbounded.
func New(logger *slog.Logger, history historyQuerier, maxConns, maxPerIP int) *Fabric {
	f := &Fabric{
		logger:         logger,
		index:          NewIndex(),
		historyQuerier: history,
		maxConns:       maxConns,
		maxPerIP:       maxPerIP,
		perIP:          make(map[string]int),
	}
	f.broadcaster = NewBroadcaster(f.index, logger, f.evict)
	return f
}

// Broadcaster exposes the Fabric's publish surface, consumed by the
// Scheduler as its scheduler.Publisher.
func (f *Fabric) Broadcaster() *Broadcaster { return f.broadcaster }

// ActiveConnections reports the number of open WebSocket connections,
// used by the operator-visible exporter.
func (f *Fabric) ActiveConnections() int { return f.index.Count() }

// ServeWS is the gin handler for the /ws endpoint.
func (f *Fabric) ServeWS(c *gin.Context) {
	if f.maxConns > 0 && int(f.connCount.Load()) >= f.maxConns {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "connection limit reached"})
		return
	}

	ip := remoteIP(c.Request.RemoteAddr)
	if !f.acquireIPSlot(ip) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "per-address connection limit reached"})
		return
	}
	defer f.releaseIPSlot(ip)

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		if f.logger != nil {
			f.logger.Warn("websocket upgrade failed", "error", err)
		}
		return
	}

	f.connCount.Add(1)
	defer f.connCount.Add(-1)

	conn := NewConnection(uuid.NewString(), c.Request.RemoteAddr, sendQueueSize)
	f.index.Add(conn)
	defer f.index.Remove(conn.ID)

	done := make(chan struct{})
	go f.writeLoop(ws, conn, done)
	f.readLoop(ws, conn)

	conn.Close()
	<-done
	ws.Close()
}

// remoteIP strips the port off a RemoteAddr, falling back to the raw
// value if it isn't a host:port pair.
func remoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func (f *Fabric) acquireIPSlot(ip string) bool {
	if f.maxPerIP <= 0 {
		return true
	}
	f.ipMu.Lock()
	defer f.ipMu.Unlock()
	if f.perIP[ip] >= f.maxPerIP {
		return false
	}
	f.perIP[ip]++
	return true
}

func (f *Fabric) releaseIPSlot(ip string) {
	if f.maxPerIP <= 0 {
		return
	}
	f.ipMu.Lock()
	defer f.ipMu.Unlock()
	if f.perIP[ip] <= 1 {
		delete(f.perIP, ip)
	} else {
		f.perIP[ip]--
	}
}

// Shutdown notifies every open connection with a final SHUTDOWN frame
// and closes them, part of the daemon's ordered teardown.
func (f *Fabric) Shutdown() {
	frame, err := json.Marshal(struct {
		Type string `json:"type"`
	}{Type: "SHUTDOWN"})
	if err != nil {
		return
	}
	for _, conn := range f.index.All() {
		conn.Enqueue(frame)
		conn.Close()
	}
}

func (f *Fabric) readLoop(ws *websocket.Conn, conn *Connection) {
	ws.SetReadLimit(maxFrameBytes)
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if f.logger != nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				f.logger.Debug("websocket read error", "conn_id", conn.ID, "error", err)
			}
			return
		}
		conn.MarkPong()

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue // malformed frame from a client; ignore rather than drop the connection
		}
		f.handleClientMessage(conn, msg)
	}
}

func (f *Fabric) handleClientMessage(conn *Connection, msg clientMessage) {
	switch msg.Type {
	case "SUBSCRIBE":
		sub := Subscription{All: msg.All, MinStatus: model.Status(msg.MinStatus)}
		if !msg.All {
			sub.ServerIDs = make(map[string]bool, len(msg.ServerIDs))
			for _, id := range msg.ServerIDs {
				sub.ServerIDs[id] = true
			}
		}
		if len(msg.Metrics) > 0 {
			sub.MetricKinds = make(map[string]bool, len(msg.Metrics))
			for _, m := range msg.Metrics {
				sub.MetricKinds[m] = true
			}
		}
		f.index.Subscribe(conn.ID, sub)
		f.send(conn, struct {
			Type string `json:"type"`
		}{Type: "SUBSCRIBE_ACK"})
	case "UNSUBSCRIBE":
		f.index.Unsubscribe(conn.ID, msg.ServerIDs)
	case "PING":
		f.send(conn, clientMessage{Type: "PONG"})
	case "PONG":
		// already recorded by MarkPong above
	case "REQUEST_HISTORY":
		f.serveHistory(conn, msg)
	default:
		f.send(conn, struct {
			Type string `json:"type"`
			Code string `json:"code"`
		}{Type: "ERROR", Code: "unknown_type"})
	}
}

func (f *Fabric) serveHistory(conn *Connection, msg clientMessage) {
	if len(msg.ServerIDs) == 0 || f.historyQuerier == nil {
		return
	}
	for _, serverID := range msg.ServerIDs {
		result := f.historyQuerier.QueryRecent(serverID, msg.From, msg.To)
		frame, err := json.Marshal(struct {
			Type     string      `json:"type"`
			ServerID string      `json:"server_id"`
			Samples  interface{} `json:"samples"`
			Partial  bool        `json:"partial"`
		}{Type: "history", ServerID: serverID, Samples: result.Samples, Partial: result.Partial})
		if err != nil {
			continue
		}
		conn.Enqueue(frame)
	}
}

// send marshals any closed outbound control frame and enqueues it.
func (f *Fabric) send(conn *Connection, msg any) {
	frame, err := json.Marshal(msg)
	if err != nil {
		return
	}
	conn.Enqueue(frame)
}

func (f *Fabric) writeLoop(ws *websocket.Conn, conn *Connection, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-conn.SendChan():
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if conn.NotePingSent() {
				f.evict(conn.ID, EvictHeartbeat)
				return
			}
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// evict force-closes a connection from outside its own read/write
// loops, e.g. when the Broadcaster reports a slow consumer.
func (f *Fabric) evict(connID string, reason EvictionReason) {
	_ = reason // surfaced via log only; the closing handshake carries no reason code
	if f.logger != nil {
		f.logger.Info("evicting connection", "conn_id", connID, "reason", reason)
	}
	f.index.mu.RLock()
	conn, ok := f.index.conns[connID]
	f.index.mu.RUnlock()
	if ok {
		conn.Close()
	}
}
