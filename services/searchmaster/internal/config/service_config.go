package config

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/xinkaiwang/searchcoord/libs/xklib/kcommon"
	"github.com/xinkaiwang/searchcoord/libs/xklib/kerror"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/data"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/smjson"
)

type TransferPolicy string

const (
	TP_Socket TransferPolicy = "socket"
	TP_Dfs    TransferPolicy = "dfs"
)

func ParseServiceConfigFromJson(str string) *ServiceConfig {
	si := &smjson.ServiceConfigJson{}
	if str != "" {
		err := json.Unmarshal([]byte(str), si)
		if err != nil {
			ke := kerror.Wrap(err, "UnmarshalError", "failed to unmarshal ServiceConfigJson", false)
			panic(ke)
		}
	}
	return ServiceConfigJsonToServiceConfig(si)
}

type ServiceConfig struct {
	Topology     data.ClusterTopology
	Node         data.NodeInfo
	Coordination CoordConfig
	Synchro      SynchroConfig
	Aggregators  []string
}

type CoordConfig struct {
	Endpoints      []string
	SessionTimeout time.Duration
	DialTimeout    time.Duration
}

type SynchroConfig struct {
	ConnectRetryCount int
	ConnectRetryWait  time.Duration
	TransferPolicy    TransferPolicy
	Distributed       bool // multi-node deployment, affects receive directories
}

func ServiceConfigJsonToServiceConfig(si *smjson.ServiceConfigJson) *ServiceConfig {
	cfg := &ServiceConfig{
		Topology:     TopologyConfigJsonToConfig(si.Topology),
		Node:         NodeConfigJsonToConfig(si.Node),
		Coordination: CoordConfigJsonToConfig(si.Coordination),
		Synchro:      SynchroConfigJsonToConfig(si.Synchro),
		Aggregators:  si.Aggregators,
	}
	cfg.Validate()
	return cfg
}

func TopologyConfigJsonToConfig(tc *smjson.TopologyConfigJson) data.ClusterTopology {
	cfg := data.ClusterTopology{
		ClusterId: "default",
		NodeNum:   1,
		ShardNum:  1,
	}
	if tc == nil {
		return cfg
	}
	if tc.ClusterId != nil {
		cfg.ClusterId = *tc.ClusterId
	}
	if tc.NodeNum != nil {
		cfg.NodeNum = *tc.NodeNum
	}
	if tc.ShardNum != nil {
		cfg.ShardNum = *tc.ShardNum
	}
	return cfg
}

func NodeConfigJsonToConfig(nc *smjson.NodeConfigJson) data.NodeInfo {
	cfg := data.NodeInfo{
		NodeId:      1,
		ReplicaId:   1,
		Host:        "localhost",
		ServicePort: 18181,
		WorkerPort:  18151,
		DataPort:    18121,
	}
	if nc == nil {
		return cfg
	}
	if nc.NodeId != nil {
		cfg.NodeId = data.NodeId(*nc.NodeId)
	}
	if nc.ReplicaId != nil {
		cfg.ReplicaId = data.ReplicaId(*nc.ReplicaId)
	}
	if nc.Host != nil {
		cfg.Host = *nc.Host
	}
	if nc.ServicePort != nil {
		cfg.ServicePort = *nc.ServicePort
	}
	if nc.WorkerPort != nil {
		cfg.WorkerPort = *nc.WorkerPort
	}
	if nc.DataPort != nil {
		cfg.DataPort = *nc.DataPort
	}
	return cfg
}

func CoordConfigJsonToConfig(cc *smjson.CoordConfigJson) CoordConfig {
	cfg := CoordConfig{
		Endpoints:      []string{"localhost:2379"},
		SessionTimeout: 15000 * time.Millisecond,
		DialTimeout:    5000 * time.Millisecond,
	}
	if cc == nil {
		return cfg
	}
	if len(cc.Endpoints) > 0 {
		cfg.Endpoints = cc.Endpoints
	}
	if cc.SessionTimeoutMs != nil {
		cfg.SessionTimeout = time.Duration(*cc.SessionTimeoutMs) * time.Millisecond
	}
	if cc.DialTimeoutMs != nil {
		cfg.DialTimeout = time.Duration(*cc.DialTimeoutMs) * time.Millisecond
	}
	return cfg
}

func SynchroConfigJsonToConfig(sc *smjson.SynchroConfigJson) SynchroConfig {
	cfg := SynchroConfig{
		ConnectRetryCount: 10,
		ConnectRetryWait:  1000 * time.Millisecond,
		TransferPolicy:    TP_Socket,
	}
	if sc == nil {
		return cfg
	}
	if sc.ConnectRetryCount != nil {
		cfg.ConnectRetryCount = *sc.ConnectRetryCount
	}
	if sc.ConnectRetryWaitMs != nil {
		cfg.ConnectRetryWait = time.Duration(*sc.ConnectRetryWaitMs) * time.Millisecond
	}
	if sc.TransferPolicy != nil {
		cfg.TransferPolicy = TransferPolicy(strings.ToLower(*sc.TransferPolicy))
	}
	if sc.Distributed != nil {
		cfg.Distributed = *sc.Distributed
	}
	return cfg
}

// Validate panics with a kerror on a config that cannot run.
func (cfg *ServiceConfig) Validate() {
	if cfg.Topology.ClusterId == "" || strings.Contains(cfg.Topology.ClusterId, "/") {
		panic(kerror.Create("InvalidConfig", "bad cluster_id").With("clusterId", cfg.Topology.ClusterId))
	}
	if cfg.Topology.NodeNum == 0 || cfg.Topology.ShardNum == 0 {
		panic(kerror.Create("InvalidConfig", "node_num and shard_num must be positive").
			With("nodeNum", cfg.Topology.NodeNum).
			With("shardNum", cfg.Topology.ShardNum))
	}
	if cfg.Node.NodeId == 0 || cfg.Node.ReplicaId == 0 {
		panic(kerror.Create("InvalidConfig", "node_id and replica_id start from 1").
			With("nodeId", cfg.Node.NodeId).
			With("replicaId", cfg.Node.ReplicaId))
	}
	if cfg.Synchro.TransferPolicy != TP_Socket && cfg.Synchro.TransferPolicy != TP_Dfs {
		panic(kerror.Create("InvalidConfig", "unknown transfer_policy").With("policy", cfg.Synchro.TransferPolicy))
	}
}

// ApplyEnvOverrides lets the deployment override the coordination endpoints (comma separated).
func (cfg *ServiceConfig) ApplyEnvOverrides() *ServiceConfig {
	cfg.Coordination.Endpoints = kcommon.GetEnvStringList("ETCD_ENDPOINTS", cfg.Coordination.Endpoints)
	cfg.Node.Host = kcommon.GetEnvString("NODE_HOST", cfg.Node.Host)
	cfg.Node.ServicePort = uint32(kcommon.GetEnvInt("API_PORT", int(cfg.Node.ServicePort)))
	return cfg
}
