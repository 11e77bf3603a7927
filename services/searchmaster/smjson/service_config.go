package smjson

type ServiceConfigJson struct {
	Topology     *TopologyConfigJson `json:"topology,omitempty"`
	Node         *NodeConfigJson     `json:"node,omitempty"`
	Coordination *CoordConfigJson    `json:"coordination,omitempty"`
	Synchro      *SynchroConfigJson  `json:"synchro,omitempty"`
	Aggregators  []string            `json:"aggregators,omitempty"` // base urls, e.g. "http://10.0.0.3:18080"
}

type TopologyConfigJson struct {
	ClusterId *string `json:"cluster_id,omitempty"`
	NodeNum   *uint32 `json:"node_num,omitempty"`
	ShardNum  *uint32 `json:"shard_num,omitempty"`
}

type NodeConfigJson struct {
	NodeId      *uint32 `json:"node_id,omitempty"`
	ReplicaId   *uint32 `json:"replica_id,omitempty"`
	Host        *string `json:"host,omitempty"`
	ServicePort *uint32 `json:"service_port,omitempty"`
	WorkerPort  *uint32 `json:"worker_port,omitempty"`
	DataPort    *uint32 `json:"data_port,omitempty"`
}

type CoordConfigJson struct {
	Endpoints        []string `json:"endpoints,omitempty"`
	SessionTimeoutMs *int     `json:"session_timeout_ms,omitempty"`
	DialTimeoutMs    *int     `json:"dial_timeout_ms,omitempty"`
}

type SynchroConfigJson struct {
	ConnectRetryCount  *int    `json:"connect_retry_count,omitempty"`
	ConnectRetryWaitMs *int    `json:"connect_retry_wait_ms,omitempty"`
	TransferPolicy     *string `json:"transfer_policy,omitempty"` // "socket" or "dfs"
	Distributed        *bool   `json:"distributed,omitempty"`
}
