package data

import "strconv"

type ShardId uint32

type NodeId uint32

type ReplicaId uint32

func (id ShardId) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

func (id NodeId) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

func (id ReplicaId) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// SyncId names one synchronization session, e.g. "index_sync".
type SyncId string
