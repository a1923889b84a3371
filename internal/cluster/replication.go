package cluster

import (
	"fmt"
	"sort"
	"sync"

	"blitiri.com.ar/go/log"
	"github.com/google/uuid"
)

// SessionSnapshot is the replicated state of one in-flight SMTP session,
// enough for a peer to resume or report on it after a failover.
type SessionSnapshot struct {
	SessionID string
	NodeID    string
	RemoteIP  string
	HeloName  string
	From      string
	Rcpts     []string
	StartedAt int64 // unix seconds; stamped by the caller, not this package
}

// StateEntry is one key/value pair in the replicated state store.
type StateEntry struct {
	Key     string
	Value   []byte
	Version uint64
}

// Replicator owns session replicas and the replicated state KV store for
// one Coordinator, selecting replica targets by lowest active-session
// count and gating state writes on ConsistencyLevel.
type Replicator struct {
	coord  *Coordinator
	factor int

	mu       sync.RWMutex
	sessions map[string]SessionSnapshot // sessionID -> snapshot (local replicas held for other nodes)
	state    map[string]StateEntry
	version  uint64
}

func newReplicator(coord *Coordinator, factor int) *Replicator {
	return &Replicator{
		coord:    coord,
		factor:   factor,
		sessions: map[string]SessionSnapshot{},
		state:    map[string]StateEntry{},
	}
}

// ReplicaTargets picks up to r.factor peers to hold a replica of a
// session owned by the local node, preferring the Active peers with the
// fewest ActiveSessions so load stays balanced across the fleet.
func (r *Replicator) ReplicaTargets() []NodeInfo {
	nodes := r.coord.Nodes()
	candidates := make([]NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		if n.NodeID != r.coord.Self() && n.State == StateActive {
			candidates = append(candidates, n)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Load.ActiveSessions < candidates[j].Load.ActiveSessions
	})
	if len(candidates) > r.factor {
		candidates = candidates[:r.factor]
	}
	return candidates
}

// ReplicateSession pushes snap to this node's replica targets.
func (r *Replicator) ReplicateSession(snap SessionSnapshot) {
	payload, err := encodePayload(snap)
	if err != nil {
		return
	}
	msg := Message{
		MessageID:    uuid.NewString(),
		Type:         MsgSessionReplicate,
		SourceNodeID: r.coord.Self(),
		Payload:      payload,
	}
	for _, target := range r.ReplicaTargets() {
		go sendBestEffort(target.Endpoint, msg)
	}
}

// RemoveSession tells replica targets a session ended normally.
func (r *Replicator) RemoveSession(sessionID string) {
	payload, err := encodePayload(sessionID)
	if err != nil {
		return
	}
	msg := Message{
		MessageID:    uuid.NewString(),
		Type:         MsgSessionRemove,
		SourceNodeID: r.coord.Self(),
		Payload:      payload,
	}
	for _, target := range r.ReplicaTargets() {
		go sendBestEffort(target.Endpoint, msg)
	}
}

// migrateSessionsFrom re-announces every replica this node holds for
// failedNodeID as migrated, so peers (and the local session manager, via
// Coordinator.OnMigrate) can take ownership. Called from
// Coordinator.checkFailures when a peer transitions to Failed.
func (r *Replicator) migrateSessionsFrom(failedNodeID string) []SessionSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var migrated []SessionSnapshot
	for _, s := range r.sessions {
		if s.NodeID == failedNodeID {
			migrated = append(migrated, s)
		}
	}
	if len(migrated) > 0 {
		log.Infof("cluster: migrating %d sessions from %s", len(migrated), failedNodeID)
	}
	return migrated
}

// Put writes key=value to the local state store and replicates it,
// blocking until the level's required ack count is reached or all
// replica sends have been attempted, whichever comes first. It returns an
// error when fewer acks than the level requires arrived.
func (r *Replicator) Put(key string, value []byte, level ConsistencyLevel) error {
	r.mu.Lock()
	r.version++
	entry := StateEntry{Key: key, Value: value, Version: r.version}
	r.state[key] = entry
	r.mu.Unlock()

	targets := r.ReplicaTargets()
	required := 0
	switch level {
	case ConsistencyOne:
		required = 0
	case ConsistencyQuorum:
		required = len(targets)/2 + 1
	case ConsistencyAll:
		required = len(targets)
	}
	if required == 0 || len(targets) == 0 {
		r.broadcastState(entry, targets)
		return nil
	}

	payload, err := encodePayload(entry)
	if err != nil {
		return err
	}
	msg := Message{
		MessageID:    uuid.NewString(),
		Type:         MsgStateReplicate,
		SourceNodeID: r.coord.Self(),
		Payload:      payload,
		RequiresAck:  true,
	}

	results := make(chan bool, len(targets))
	for _, target := range targets {
		t := target
		go func() {
			results <- sendAndWaitAck(t.Endpoint, msg) == nil
		}()
	}
	acks := 0
	for i := 0; i < len(targets) && acks < required; i++ {
		if <-results {
			acks++
		}
	}
	if acks < required {
		return fmt.Errorf("cluster: state write %q got %d of %d required acks", key, acks, required)
	}
	return nil
}

func (r *Replicator) broadcastState(entry StateEntry, targets []NodeInfo) {
	payload, err := encodePayload(entry)
	if err != nil {
		return
	}
	msg := Message{
		MessageID:    uuid.NewString(),
		Type:         MsgStateReplicate,
		SourceNodeID: r.coord.Self(),
		Payload:      payload,
	}
	for _, target := range targets {
		go sendBestEffort(target.Endpoint, msg)
	}
}

// Get reads key from the local replica of the state store.
func (r *Replicator) Get(key string) (StateEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.state[key]
	return e, ok
}

// handle applies an inbound session/state replication message.
func (r *Replicator) handle(msg Message) {
	switch msg.Type {
	case MsgSessionReplicate:
		var snap SessionSnapshot
		if decodePayload(msg.Payload, &snap) == nil {
			r.mu.Lock()
			r.sessions[snap.SessionID] = snap
			r.mu.Unlock()
		}
	case MsgSessionRemove:
		var sessionID string
		if decodePayload(msg.Payload, &sessionID) == nil {
			r.mu.Lock()
			delete(r.sessions, sessionID)
			r.mu.Unlock()
		}
	case MsgSessionMigrate:
		var snap SessionSnapshot
		if decodePayload(msg.Payload, &snap) == nil {
			r.mu.Lock()
			snap.NodeID = r.coord.Self()
			r.sessions[snap.SessionID] = snap
			r.mu.Unlock()
		}
	case MsgStateReplicate:
		var entry StateEntry
		if decodePayload(msg.Payload, &entry) == nil {
			r.mu.Lock()
			if cur, ok := r.state[entry.Key]; !ok || entry.Version > cur.Version {
				r.state[entry.Key] = entry
			}
			r.mu.Unlock()
		}
	}
}

// sendAndWaitAck dials endpoint, sends msg, and blocks for its Ack.
func sendAndWaitAck(endpoint string, msg Message) error {
	conn, err := Dial(endpoint)
	if err != nil {
		return err
	}
	defer conn.Close()

	msg.RequiresAck = true
	if err := newFrameWriter(conn).WriteMessage(msg); err != nil {
		return err
	}
	_, err = newFrameReader(conn).ReadMessage()
	return err
}
