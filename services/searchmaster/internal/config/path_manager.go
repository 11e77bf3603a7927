package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/data"
)

const (
	topologyName = "Topology"
	replicaName  = "Replica"
	nodeName     = "Node"
	serversName  = "Servers"
	serverName   = "Server"
	synchroName  = "Synchro"
	producerName = "Producer"
	consumerName = "Consumer"
)

// PathManager owns the coordination node layout of one cluster:
//
//	/SF1R-{cluster}/Topology/Replica{r}/Node{n}
//	/SF1R-{cluster}/Servers/Server{seq}
//	/SF1R-{cluster}/Synchro/{syncId}/Producer
//	/SF1R-{cluster}/Synchro/{syncId}/Consumer{seq}
type PathManager struct {
	clusterRoot string
}

func NewPathManager(clusterId string) *PathManager {
	return &PathManager{clusterRoot: "/SF1R-" + clusterId}
}

func (pm *PathManager) GetClusterRoot() string {
	return pm.clusterRoot
}

func (pm *PathManager) GetTopologyPath() string {
	return pm.clusterRoot + "/" + topologyName
}

func (pm *PathManager) FmtReplicaPath(replicaId data.ReplicaId) string {
	return fmt.Sprintf("%s/%s%d", pm.GetTopologyPath(), replicaName, replicaId)
}

func (pm *PathManager) FmtNodePath(replicaId data.ReplicaId, nodeId data.NodeId) string {
	return fmt.Sprintf("%s/%s%d", pm.FmtReplicaPath(replicaId), nodeName, nodeId)
}

func (pm *PathManager) GetServersPath() string {
	return pm.clusterRoot + "/" + serversName
}

// GetServerPrefix is the ephemeral-sequential prefix for master advertisements.
func (pm *PathManager) GetServerPrefix() string {
	return pm.GetServersPath() + "/" + serverName
}

func (pm *PathManager) GetSynchroPath() string {
	return pm.clusterRoot + "/" + synchroName
}

func (pm *PathManager) FmtSessionPath(syncId data.SyncId) string {
	return pm.GetSynchroPath() + "/" + string(syncId)
}

func (pm *PathManager) FmtProducerPath(syncId data.SyncId) string {
	return pm.FmtSessionPath(syncId) + "/" + producerName
}

func (pm *PathManager) FmtConsumerPrefix(syncId data.SyncId) string {
	return pm.FmtSessionPath(syncId) + "/" + consumerName
}

// ParseReplicaPath accepts ".../Topology/Replica{r}".
func (pm *PathManager) ParseReplicaPath(path string) (data.ReplicaId, bool) {
	rest, ok := strings.CutPrefix(path, pm.GetTopologyPath()+"/"+replicaName)
	if !ok {
		return 0, false
	}
	id, ok := parseId(rest)
	return data.ReplicaId(id), ok
}

// ParseNodePath accepts ".../Topology/Replica{r}/Node{n}".
func (pm *PathManager) ParseNodePath(path string) (data.ReplicaId, data.NodeId, bool) {
	rest, ok := strings.CutPrefix(path, pm.GetTopologyPath()+"/"+replicaName)
	if !ok {
		return 0, 0, false
	}
	replicaStr, nodeStr, ok := strings.Cut(rest, "/"+nodeName)
	if !ok {
		return 0, 0, false
	}
	replicaId, ok1 := parseId(replicaStr)
	nodeId, ok2 := parseId(nodeStr)
	if !ok1 || !ok2 {
		return 0, 0, false
	}
	return data.ReplicaId(replicaId), data.NodeId(nodeId), true
}

func parseId(str string) (uint32, bool) {
	if str == "" {
		return 0, false
	}
	id, err := strconv.ParseUint(str, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(id), true
}
