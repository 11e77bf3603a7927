package data

import "fmt"

// ClusterTopology is the static shape of the cluster. Loaded once, immutable after.
type ClusterTopology struct {
	ClusterId string
	NodeNum   uint32
	ShardNum  uint32
}

// NodeInfo is this process's own identity.
type NodeInfo struct {
	NodeId      NodeId
	ReplicaId   ReplicaId
	Host        string
	ServicePort uint32 // master advertisement port
	WorkerPort  uint32
	DataPort    uint32
}

// WorkerNode is the current assignment of one shard. Entries are never removed from the
// worker map, only marked not good.
type WorkerNode struct {
	ShardId    ShardId
	NodeId     NodeId
	ReplicaId  ReplicaId
	Host       string
	WorkerPort uint32
	DataPort   uint32
	IsGood     bool
}

func (wn *WorkerNode) String() string {
	return fmt.Sprintf("shard%d@replica%d/node%d(%s:%d,good=%v)", wn.ShardId, wn.ReplicaId, wn.NodeId, wn.Host, wn.WorkerPort, wn.IsGood)
}
