package data

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMasterStateString(t *testing.T) {
	tests := []struct {
		state    MasterState
		expected string
	}{
		{MS_Init, "init"},
		{MS_StartingWaitZookeeper, "starting_wait_zookeeper"},
		{MS_Started, "started"},
		{MS_Recovering, "recovering"},
		{MasterState(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.state.String())
	}
}

func TestWorkerNodeString(t *testing.T) {
	wn := &WorkerNode{ShardId: 2, NodeId: 2, ReplicaId: 1, Host: "h2", WorkerPort: 18151, IsGood: true}
	assert.Equal(t, "shard2@replica1/node2(h2:18151,good=true)", wn.String())
	assert.Equal(t, "7", ShardId(7).String())
}
