package model

import (
	"time"

	"github.com/google/uuid"
)

type NodeStatus = string

const (
	NodeActive   NodeStatus = "active"
	NodeDead     NodeStatus = "dead"
	NodeInactive NodeStatus = "inactive"
)

type NodeRole = string

const (
	RoleMaster NodeRole = "master"
	RoleWorker NodeRole = "worker"
)

type Node struct {
	ID            uuid.UUID  `json:"id"`
	Hostname      string     `json:"hostname"`
	Port          int        `json:"port"`
	Status        NodeStatus `json:"status"`
	Role          NodeRole   `json:"role"`
	LastHeartbeat time.Time  `json:"lastHeartbeat"`
}

func NewNode(hostname string, port int) Node {
	return Node{
		ID:            uuid.New(),
		Hostname:      hostname,
		Port:          port,
		Status:        NodeActive,
		Role:          RoleWorker,
		LastHeartbeat: time.Now(),
	}
}

// IsStale reports whether an active node missed heartbeats for longer
// than maxAge. Nodes already dead or inactive are never stale.
func (n *Node) IsStale(maxAge time.Duration) bool {
	return n.Status == NodeActive && time.Since(n.LastHeartbeat) > maxAge
}
