package cluster

import (
	"context"
	"net"
	"sync"
	"time"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/zetian/internal/trace"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Config tunes membership, failure detection, and replication.
type Config struct {
	NodeID            string
	ClusterPort       int
	SeedNodes         []string
	ReplicationFactor int

	HeartbeatInterval time.Duration
	ElectionTimeout   time.Duration
	CheckInterval     time.Duration
	FailureThreshold  int // missed heartbeats before Suspected
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 2 * time.Second
	}
	if c.ElectionTimeout == 0 {
		c.ElectionTimeout = 10 * time.Second
	}
	if c.CheckInterval == 0 {
		c.CheckInterval = time.Second
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 3
	}
	if c.ReplicationFactor == 0 {
		c.ReplicationFactor = 2
	}
	return c
}

// Coordinator tracks cluster membership and drives heartbeats, failure
// detection, and leader awareness for one local node.
type Coordinator struct {
	cfg Config

	mu    sync.RWMutex
	nodes map[string]*NodeInfo

	state       ClusterState
	leaderID    string
	missedBeats map[string]int

	// OnMigrate is invoked with the id of a node that just transitioned
	// to Failed, so the replication layer can migrate its sessions.
	OnMigrate func(nodeID string)

	// OnLeaderChanged is invoked whenever leaderID changes.
	OnLeaderChanged func(newLeaderID string)

	replication *Replicator
}

// New builds a Coordinator for the local node described by self.
func New(cfg Config, self NodeInfo) *Coordinator {
	cfg = cfg.withDefaults()
	self.State = StateActive
	self.LastHeartbeat = time.Now()

	c := &Coordinator{
		cfg:         cfg,
		nodes:       map[string]*NodeInfo{self.NodeID: &self},
		state:       Forming,
		missedBeats: map[string]int{},
	}
	c.replication = newReplicator(c, cfg.ReplicationFactor)
	return c
}

// Self returns this coordinator's own node id.
func (c *Coordinator) Self() string { return c.cfg.NodeID }

// Nodes returns a snapshot of every known peer, including self.
func (c *Coordinator) Nodes() []NodeInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]NodeInfo, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, *n)
	}
	return out
}

// ActiveCount returns how many known nodes are currently Active.
func (c *Coordinator) ActiveCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, node := range c.nodes {
		if node.State == StateActive {
			n++
		}
	}
	return n
}

// HasQuorum reports active_node_count >= floor(N/2)+1 over known nodes.
func (c *Coordinator) HasQuorum() bool {
	c.mu.RLock()
	total := len(c.nodes)
	active := 0
	for _, node := range c.nodes {
		if node.State == StateActive {
			active++
		}
	}
	c.mu.RUnlock()
	return active >= total/2+1
}

// State returns the cluster's current health state.
func (c *Coordinator) State() ClusterState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Coordinator) setState(s ClusterState) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		log.Infof("cluster: state -> %s", s)
	}
}

// Join registers a peer discovered via SeedNodes bootstrap or an
// unsolicited Heartbeat.
func (c *Coordinator) Join(n NodeInfo) {
	n.State = StateActive
	n.LastHeartbeat = time.Now()

	c.mu.Lock()
	_, existed := c.nodes[n.NodeID]
	c.nodes[n.NodeID] = &n
	c.missedBeats[n.NodeID] = 0
	c.mu.Unlock()

	if !existed {
		log.Infof("cluster: node %s joined (%s)", n.NodeID, n.Endpoint)
	}
	c.recomputeState()
}

// Leave removes a peer that announced a graceful departure.
func (c *Coordinator) Leave(nodeID string) {
	c.mu.Lock()
	delete(c.nodes, nodeID)
	delete(c.missedBeats, nodeID)
	c.mu.Unlock()
	c.recomputeState()
}

// Heartbeat records a received Heartbeat from nodeID, carrying load.
// Unknown senders are added as new Active nodes.
func (c *Coordinator) Heartbeat(nodeID, endpoint string, load LoadSnapshot) {
	c.mu.Lock()
	n, ok := c.nodes[nodeID]
	if !ok {
		n = &NodeInfo{NodeID: nodeID, Endpoint: endpoint}
		c.nodes[nodeID] = n
	}
	n.LastHeartbeat = time.Now()
	n.Load = load
	wasFailed := n.State != StateActive
	n.State = StateActive
	c.missedBeats[nodeID] = 0
	c.mu.Unlock()

	if !ok {
		log.Infof("cluster: discovered node %s via heartbeat", nodeID)
	} else if wasFailed {
		log.Infof("cluster: node %s recovered", nodeID)
	}
	c.recomputeState()
}

// checkFailures walks every peer (excluding self) and advances its
// state per missed-heartbeat thresholds: Active->Suspected after
// FailureThreshold misses, Suspected->Failed after 2x that.
func (c *Coordinator) checkFailures(now time.Time) {
	var justFailed []string

	c.mu.Lock()
	for id, n := range c.nodes {
		if id == c.cfg.NodeID {
			continue
		}
		missedIntervals := int(now.Sub(n.LastHeartbeat) / c.cfg.HeartbeatInterval)

		switch n.State {
		case StateActive:
			if missedIntervals > c.cfg.FailureThreshold {
				n.State = StateSuspected
				log.Infof("cluster: node %s -> Suspected", id)
			}
		case StateSuspected:
			if missedIntervals > 2*c.cfg.FailureThreshold {
				n.State = StateFailed
				justFailed = append(justFailed, id)
				log.Infof("cluster: node %s -> Failed", id)
			}
		}
	}
	c.mu.Unlock()

	for _, id := range justFailed {
		c.migrateFrom(id)
		if c.OnMigrate != nil {
			c.OnMigrate(id)
		}
		if c.leaderID == id {
			c.electLeader()
		}
	}

	c.recomputeState()
}

// migrateFrom re-homes every session replica this node held for a peer
// that just transitioned to Failed, announcing the new ownership to
// that session's (possibly new) replica set.
func (c *Coordinator) migrateFrom(failedNodeID string) {
	for _, snap := range c.replication.migrateSessionsFrom(failedNodeID) {
		snap.NodeID = c.cfg.NodeID
		payload, err := encodePayload(snap)
		if err != nil {
			continue
		}
		msg := Message{
			MessageID:    uuid.NewString(),
			Type:         MsgSessionMigrate,
			SourceNodeID: c.cfg.NodeID,
			Payload:      payload,
		}
		for _, target := range c.replication.ReplicaTargets() {
			go sendBestEffort(target.Endpoint, msg)
		}
	}
}

func (c *Coordinator) recomputeState() {
	if c.HasQuorum() {
		c.setState(Healthy)
	} else {
		c.setState(NoQuorum)
	}
	if c.leaderID == "" {
		c.electLeader()
	}
}

// electLeader picks the lowest node id among Active nodes as leader.
// Only a single deterministic active leader and an event on change are
// required, not a specific consensus algorithm.
func (c *Coordinator) electLeader() {
	c.mu.RLock()
	var candidate string
	for id, n := range c.nodes {
		if n.State != StateActive {
			continue
		}
		if candidate == "" || id < candidate {
			candidate = id
		}
	}
	c.mu.RUnlock()

	if candidate != "" && candidate != c.leaderID {
		c.leaderID = candidate
		log.Infof("cluster: leader -> %s", candidate)
		if c.OnLeaderChanged != nil {
			c.OnLeaderChanged(candidate)
		}
	}
}

// LeaderID returns the currently known leader, or "" if none elected.
func (c *Coordinator) LeaderID() string { return c.leaderID }

// ReplicateSession pushes a session snapshot to this node's replica
// targets.
func (c *Coordinator) ReplicateSession(snap SessionSnapshot) {
	c.replication.ReplicateSession(snap)
}

// RemoveSessionReplica tells replica targets a session ended normally.
func (c *Coordinator) RemoveSessionReplica(sessionID string) {
	c.replication.RemoveSession(sessionID)
}

// PutState writes a replicated key/value pair, gated by level.
func (c *Coordinator) PutState(key string, value []byte, level ConsistencyLevel) error {
	return c.replication.Put(key, value, level)
}

// GetState reads a replicated key/value pair from the local replica.
func (c *Coordinator) GetState(key string) (StateEntry, bool) {
	return c.replication.Get(key)
}

// Run starts the heartbeat-send loop, the failure-detection loop, and
// accepts inbound cluster connections on ClusterPort, until ctx is
// canceled.
func (c *Coordinator) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("", portString(c.cfg.ClusterPort)))
	if err != nil {
		return err
	}
	defer ln.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.acceptLoop(ctx, ln) })
	g.Go(func() error { return c.heartbeatLoop(ctx) })
	g.Go(func() error { return c.failureDetectionLoop(ctx) })
	return g.Wait()
}

func (c *Coordinator) acceptLoop(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go c.handleConn(conn)
	}
}

func (c *Coordinator) handleConn(conn net.Conn) {
	defer conn.Close()
	tr := trace.New("Cluster.Conn", conn.RemoteAddr().String())
	defer tr.Finish()

	fr := newFrameReader(conn)
	fw := newFrameWriter(conn)
	for {
		msg, err := fr.ReadMessage()
		if err != nil {
			return
		}
		c.dispatch(msg)
		if msg.RequiresAck {
			ack := Message{
				MessageID:    uuid.NewString(),
				Type:         MsgAck,
				SourceNodeID: c.cfg.NodeID,
				TargetNodeID: msg.SourceNodeID,
			}
			if err := fw.WriteMessage(ack); err != nil {
				tr.Errorf("writing ack: %v", err)
				return
			}
		}
	}
}

func (c *Coordinator) dispatch(msg Message) {
	switch msg.Type {
	case MsgJoin, MsgHeartbeat:
		var n NodeInfo
		if decodePayload(msg.Payload, &n) == nil {
			if msg.Type == MsgJoin {
				c.Join(n)
			} else {
				c.Heartbeat(n.NodeID, n.Endpoint, n.Load)
			}
		}
	case MsgLeave:
		c.Leave(msg.SourceNodeID)
	case MsgSessionReplicate, MsgSessionRemove, MsgSessionMigrate, MsgStateReplicate:
		c.replication.handle(msg)
	}
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.broadcastHeartbeat()
		}
	}
}

func (c *Coordinator) broadcastHeartbeat() {
	c.mu.RLock()
	self := *c.nodes[c.cfg.NodeID]
	peers := make([]NodeInfo, 0, len(c.nodes))
	for id, n := range c.nodes {
		if id != c.cfg.NodeID {
			peers = append(peers, *n)
		}
	}
	c.mu.RUnlock()

	payload, err := encodePayload(self)
	if err != nil {
		return
	}
	msg := Message{
		MessageID:    uuid.NewString(),
		Type:         MsgHeartbeat,
		SourceNodeID: c.cfg.NodeID,
		Payload:      payload,
	}

	for _, p := range peers {
		go sendBestEffort(p.Endpoint, msg)
	}
}

func (c *Coordinator) failureDetectionLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			c.checkFailures(now)
		}
	}
}

// sendBestEffort dials endpoint and writes msg, logging (not failing)
// on error: heartbeats are advisory and a dead peer is handled by the
// failure-detection loop, not by the sender retrying.
func sendBestEffort(endpoint string, msg Message) {
	conn, err := Dial(endpoint)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	newFrameWriter(conn).WriteMessage(msg)
}

func portString(p int) string {
	if p == 0 {
		p = 7902
	}
	return intToString(p)
}
