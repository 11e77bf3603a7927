package api

// GetStatusResponse is the master's view of the cluster.
type GetStatusResponse struct {
	State      string      `json:"state"`
	ClusterId  string      `json:"cluster_id"`
	NodeId     uint32      `json:"node_id"`
	ReplicaId  uint32      `json:"replica_id"`
	ServerPath string      `json:"server_path,omitempty"` // empty when not advertised
	Replicas   []uint32    `json:"replicas"`
	Workers    []*WorkerVm `json:"workers"`
	Notifies   []*NotifyVm `json:"notifies,omitempty"` // most recent first
}

type WorkerVm struct {
	ShardId    uint32 `json:"shard_id"`
	NodeId     uint32 `json:"node_id"`
	ReplicaId  uint32 `json:"replica_id"`
	Host       string `json:"host"`
	WorkerPort uint32 `json:"worker_port"`
	DataPort   uint32 `json:"data_port"`
	IsGood     int8   `json:"is_good"`
}

// NotifyRequest is the body of POST /api/notify.
type NotifyRequest struct {
	Method     string `json:"method"`
	Collection string `json:"collection"`
	Error      string `json:"error,omitempty"`
}

type NotifyVm struct {
	Method     string `json:"method"`
	Collection string `json:"collection"`
	Error      string `json:"error,omitempty"`
	ReceivedMs int64  `json:"received_ms"` // Unix timestamp in ms
}

type NotifyResponse struct {
	Accepted bool `json:"accepted"`
}

// ShardReceiverResponse locates the worker that takes data for one shard.
type ShardReceiverResponse struct {
	ShardId  uint32 `json:"shard_id"`
	Host     string `json:"host"`
	DataPort uint32 `json:"data_port"`
}
