package smjson

import (
	"encoding/json"
	"strconv"

	"github.com/xinkaiwang/searchcoord/libs/xklib/kerror"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/data"
)

// path is "/SF1R-{cluster}/Topology/Replica{r}/Node{n}"
// Ports are kept as strings so that a malformed value written by a worker can be read and
// rejected per field instead of failing the whole record.
type NodeDataJson struct {
	Host       string `json:"host"`
	WorkerPort string `json:"worker_port,omitempty"`
	DataPort   string `json:"data_port,omitempty"`
	ShardId    string `json:"shard_id,omitempty"`
}

func NewNodeDataJson(host string, shardId data.ShardId, workerPort uint32, dataPort uint32) *NodeDataJson {
	return &NodeDataJson{
		Host:       host,
		WorkerPort: strconv.FormatUint(uint64(workerPort), 10),
		DataPort:   strconv.FormatUint(uint64(dataPort), 10),
		ShardId:    shardId.String(),
	}
}

func (obj *NodeDataJson) ToJson() string {
	bytes, err := json.Marshal(obj)
	if err != nil {
		ke := kerror.Wrap(err, "MarshalError", "failed to marshal NodeDataJson", false)
		panic(ke)
	}
	return string(bytes)
}

func NodeDataJsonFromJson(stringJson string) *NodeDataJson {
	var obj NodeDataJson
	err := json.Unmarshal([]byte(stringJson), &obj)
	if err != nil {
		ke := kerror.Wrap(err, "UnmarshalError", "failed to unmarshal NodeDataJson", false)
		panic(ke)
	}
	return &obj
}

// ParsePort returns false for empty, non numeric, zero or out of range values.
func ParsePort(str string) (uint32, bool) {
	port, err := strconv.ParseUint(str, 10, 32)
	if err != nil || port == 0 || port > 65535 {
		return 0, false
	}
	return uint32(port), true
}

// ParseShardId only checks the syntax; range is checked against the topology by the caller.
func ParseShardId(str string) (data.ShardId, bool) {
	id, err := strconv.ParseUint(str, 10, 32)
	if err != nil {
		return 0, false
	}
	return data.ShardId(id), true
}
