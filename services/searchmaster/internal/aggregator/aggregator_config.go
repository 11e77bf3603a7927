package aggregator

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xinkaiwang/searchcoord/libs/xklib/kerror"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/data"
)

type WorkerInfoJson struct {
	Host       string       `json:"host"`
	WorkerPort uint32       `json:"worker_port"`
	ShardId    data.ShardId `json:"shard_id"`
	IsLocal    bool         `json:"is_local"`
}

// AggregatorConfig is the set of good workers an aggregator routes to, sorted by shard id.
type AggregatorConfig struct {
	Workers []*WorkerInfoJson `json:"workers"`
}

func NewAggregatorConfig() *AggregatorConfig {
	return &AggregatorConfig{Workers: []*WorkerInfoJson{}}
}

func (cfg *AggregatorConfig) AddWorker(host string, workerPort uint32, shardId data.ShardId, isLocal bool) *AggregatorConfig {
	cfg.Workers = append(cfg.Workers, &WorkerInfoJson{
		Host:       host,
		WorkerPort: workerPort,
		ShardId:    shardId,
		IsLocal:    isLocal,
	})
	sort.SliceStable(cfg.Workers, func(i, j int) bool {
		return cfg.Workers[i].ShardId < cfg.Workers[j].ShardId
	})
	return cfg
}

func (cfg *AggregatorConfig) String() string {
	var sb strings.Builder
	for _, w := range cfg.Workers {
		if sb.Len() > 0 {
			sb.WriteString(";")
		}
		fmt.Fprintf(&sb, "shard%d=%s:%d", w.ShardId, w.Host, w.WorkerPort)
		if w.IsLocal {
			sb.WriteString("(local)")
		}
	}
	return sb.String()
}

func (cfg *AggregatorConfig) ToJson() string {
	bytes, err := json.Marshal(cfg)
	if err != nil {
		ke := kerror.Wrap(err, "MarshalError", "failed to marshal AggregatorConfig", false)
		panic(ke)
	}
	return string(bytes)
}

func AggregatorConfigFromJson(stringJson string) *AggregatorConfig {
	obj := NewAggregatorConfig()
	err := json.Unmarshal([]byte(stringJson), obj)
	if err != nil {
		ke := kerror.Wrap(err, "UnmarshalError", "failed to unmarshal AggregatorConfig", false)
		panic(ke)
	}
	return obj
}
