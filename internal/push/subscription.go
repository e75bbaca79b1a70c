package push

import (
	"sync"

	"github.com/cwatcher/cwatcher/internal/model"
)

// Subscription is one connection's current interest: either the
// wildcard ("all" servers) or an explicit set of server IDs, optionally
// narrowed to a subset of metric kinds and/or a minimum status floor.
// A nil MetricKinds means "all metrics for the subscribed servers"; an
// empty MinStatus means "no status floor".
type Subscription struct {
	All         bool
	ServerIDs   map[string]bool
	MetricKinds map[string]bool
	MinStatus   model.Status
}

// matchesServer reports whether the subscription covers serverID.
func (s Subscription) matchesServer(serverID string) bool {
	if s.All {
		return true
	}
	return s.ServerIDs[serverID]
}

// matchesStatus reports whether status clears the subscription's
// minimum status floor. An unset floor always matches.
func (s Subscription) matchesStatus(status model.Status) bool {
	if s.MinStatus == "" {
		return true
	}
	return statusRank(status) >= statusRank(s.MinStatus)
}

// statusRank orders statuses for the min_status floor comparison.
func statusRank(s model.Status) int {
	switch s {
	case model.StatusOnline:
		return 0
	case model.StatusWarning:
		return 1
	case model.StatusCritical:
		return 2
	case model.StatusOffline:
		return 3
	default:
		return -1
	}
}

// Target is one connection matched by TargetsFor, paired with the
// metric filter its subscription carries so the Broadcaster can group
// connections that need the same trimmed payload before encoding.
type Target struct {
	Conn        *Connection
	MetricKinds map[string]bool
}

// Index is the subscription fan-out table: serverID (or the wildcard
// bucket) maps to the set of connections interested in it. Every
// mutation takes the write lock, so Add/Subscribe/Unsubscribe/Remove
// calls from different connections' read loops are serialized and
// reads under RLock never race them.
type Index struct {
	mu       sync.RWMutex
	byServer map[string]map[string]*Connection // serverID -> connID -> conn
	wildcard map[string]*Connection
	subs     map[string]Subscription // connID -> current subscription
	conns    map[string]*Connection  // connID -> connection, for Remove
}

// NewIndex constructs an empty subscription index.
func NewIndex() *Index {
	return &Index{
		byServer: make(map[string]map[string]*Connection),
		wildcard: make(map[string]*Connection),
		subs:     make(map[string]Subscription),
		conns:    make(map[string]*Connection),
	}
}

// Add registers a freshly-accepted connection with no subscriptions yet.
func (idx *Index) Add(conn *Connection) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.conns[conn.ID] = conn
}

// Subscribe replaces connID's subscription. Subscribing again overwrites
// the previous interest rather than merging it, matching the closed
// client-message contract in spec §4.7.2.
func (idx *Index) Subscribe(connID string, sub Subscription) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	conn, ok := idx.conns[connID]
	if !ok {
		return
	}

	idx.clearLocked(connID)

	idx.subs[connID] = sub
	if sub.All {
		idx.wildcard[connID] = conn
		return
	}
	for serverID := range sub.ServerIDs {
		set := idx.byServer[serverID]
		if set == nil {
			set = make(map[string]*Connection)
			idx.byServer[serverID] = set
		}
		set[connID] = conn
	}
}

// Unsubscribe drops connID's interest in the listed server IDs. An
// empty serverIDs list clears the subscription entirely, leaving the
// connection subscribed to nothing until the next SUBSCRIBE message.
// Unsubscribing specific IDs from a wildcard subscription is a no-op —
// "all" has no per-server set to narrow.
func (idx *Index) Unsubscribe(connID string, serverIDs []string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if len(serverIDs) == 0 {
		idx.clearLocked(connID)
		delete(idx.subs, connID)
		return
	}

	sub, ok := idx.subs[connID]
	if !ok || sub.All || sub.ServerIDs == nil {
		return
	}
	for _, serverID := range serverIDs {
		delete(sub.ServerIDs, serverID)
		if set := idx.byServer[serverID]; set != nil {
			delete(set, connID)
			if len(set) == 0 {
				delete(idx.byServer, serverID)
			}
		}
	}
	idx.subs[connID] = sub
}

func (idx *Index) clearLocked(connID string) {
	delete(idx.wildcard, connID)
	for serverID, set := range idx.byServer {
		delete(set, connID)
		if len(set) == 0 {
			delete(idx.byServer, serverID)
		}
	}
}

// Remove drops connID entirely, including its connection record.
func (idx *Index) Remove(connID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.clearLocked(connID)
	delete(idx.subs, connID)
	delete(idx.conns, connID)
}

// TargetsFor returns every connection whose current subscription
// covers serverID and whose min_status floor, if any, is cleared by
// status. It does not filter by metric kind — the Broadcaster applies
// that narrowing per group when it builds each group's frame, since
// the metric filter trims fields rather than excluding the sample
// outright.
func (idx *Index) TargetsFor(serverID string, status model.Status) []Target {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make([]Target, 0, len(idx.wildcard)+4)
	for connID, conn := range idx.wildcard {
		if idx.subs[connID].matchesStatus(status) {
			out = append(out, Target{Conn: conn, MetricKinds: idx.subs[connID].MetricKinds})
		}
	}
	for connID, conn := range idx.byServer[serverID] {
		if idx.subs[connID].matchesStatus(status) {
			out = append(out, Target{Conn: conn, MetricKinds: idx.subs[connID].MetricKinds})
		}
	}
	return out
}

// Count returns the number of registered connections, used to enforce
// the maximum-connection-count ceiling.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.conns)
}

// All returns a snapshot of every registered connection, used by the
// Fabric to broadcast a final SHUTDOWN frame on process stop.
func (idx *Index) All() []*Connection {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]*Connection, 0, len(idx.conns))
	for _, conn := range idx.conns {
		out = append(out, conn)
	}
	return out
}
