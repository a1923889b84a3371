// Package cluster implements node membership, failure detection, and
// session/state replication across a fleet of servers communicating
// over a dedicated cluster port. There is no teacher equivalent
// (chasquid is single-node); the package follows the
// teacher's plain-struct/explicit-mutex idiom used throughout the rest
// of this module (see internal/queue.Queue, internal/greylist.DB) and
// its trace/log conventions for observability.
package cluster

import "time"

// MessageType tags a cluster wire message's payload shape.
type MessageType string

const (
	MsgHeartbeat           MessageType = "Heartbeat"
	MsgJoin                MessageType = "Join"
	MsgLeave               MessageType = "Leave"
	MsgSessionReplicate    MessageType = "SessionReplicate"
	MsgSessionRemove       MessageType = "SessionRemove"
	MsgSessionMigrate      MessageType = "SessionMigrate"
	MsgStateReplicate      MessageType = "StateReplicate"
	MsgConfigurationUpdate MessageType = "ConfigurationUpdate"
	MsgHealthCheck         MessageType = "HealthCheck"
	MsgAck                 MessageType = "Ack"
)

// Message is one framed cluster wire message.
type Message struct {
	MessageID    string
	Type         MessageType
	SourceNodeID string
	TargetNodeID string // empty for broadcast-style messages (Heartbeat, Join)
	Payload      []byte
	RequiresAck  bool
	TTL          time.Duration
}

// AckPayload is the Payload of a MsgAck message.
type AckPayload struct {
	OriginalMessageID string
	Success           bool
	Error             string
	Result            []byte
}

// NodeState is a peer's membership state.
type NodeState string

const (
	StateActive    NodeState = "Active"
	StateSuspected NodeState = "Suspected"
	StateFailed    NodeState = "Failed"
)

// LoadSnapshot summarizes a node's current load, carried on every
// Heartbeat for load-balancing and replica-placement decisions.
type LoadSnapshot struct {
	ActiveSessions int
	QueueDepth     int
}

// NodeInfo is this coordinator's view of one peer (or itself).
type NodeInfo struct {
	NodeID       string
	Endpoint     string // host:port of its cluster listener
	Version      string
	Capabilities []string

	State         NodeState
	LastHeartbeat time.Time
	Load          LoadSnapshot
}

// ClusterState is the coordinator's overall health, derived from quorum.
type ClusterState string

const (
	Forming      ClusterState = "Forming"
	Healthy      ClusterState = "Healthy"
	NoQuorum     ClusterState = "NoQuorum"
	ShuttingDown ClusterState = "ShuttingDown"
)

// ConsistencyLevel governs how many peer acks a state write requires.
type ConsistencyLevel int

const (
	ConsistencyOne ConsistencyLevel = iota
	ConsistencyQuorum
	ConsistencyAll
)
