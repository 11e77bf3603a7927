package synchro

import (
	"encoding/json"
	"strconv"

	"github.com/xinkaiwang/searchcoord/libs/xklib/kerror"
)

const (
	KeyMethod         = "method"
	KeyCollection     = "collection"
	KeyHost           = "host"
	KeyDataPath       = "data_path"
	KeyDataType       = "data_type"
	KeyDataPort       = "data_port"
	KeyConsumerStatus = "consumer_status"
	KeyReturn         = "return"
)

const (
	DataTypeScdIndex        = "scd-index"
	DataTypeTotalCommentScd = "total-comment-scd"
	DataTypeCommentTypeFlag = "comment-type-flag"

	ConsumerStatusReceiveSuccess = "receive-success"
	ConsumerStatusReceiveFailure = "receive-failure"

	ReturnSuccess = "success"
	ReturnFailure = "failure"
)

// SynchroData is the string keyed record stored in producer and consumer nodes.
// Serialized as a JSON object; keys come out sorted so equal records give equal bytes.
type SynchroData map[string]string

func NewSynchroData() SynchroData {
	return SynchroData{}
}

func (sd SynchroData) Set(key string, value string) SynchroData {
	sd[key] = value
	return sd
}

// Get returns "" for a missing key.
func (sd SynchroData) Get(key string) string {
	return sd[key]
}

func (sd SynchroData) GetUint32(key string) (uint32, bool) {
	val, err := strconv.ParseUint(sd[key], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(val), true
}

func (sd SynchroData) Clone() SynchroData {
	clone := make(SynchroData, len(sd))
	for k, v := range sd {
		clone[k] = v
	}
	return clone
}

func (sd SynchroData) ToJson() string {
	bytes, err := json.Marshal(map[string]string(sd))
	if err != nil {
		ke := kerror.Wrap(err, "MarshalError", "failed to marshal SynchroData", false)
		panic(ke)
	}
	return string(bytes)
}

func SynchroDataFromJson(stringJson string) SynchroData {
	sd := NewSynchroData()
	if stringJson == "" {
		return sd
	}
	err := json.Unmarshal([]byte(stringJson), &sd)
	if err != nil {
		ke := kerror.Wrap(err, "UnmarshalError", "failed to unmarshal SynchroData", false).With("data", stringJson)
		panic(ke)
	}
	if sd == nil {
		// "null"
		return NewSynchroData()
	}
	return sd
}

// needsStaging: these data types go through the distributed filesystem when it is enabled.
func needsStaging(dataType string) bool {
	return dataType == DataTypeScdIndex || dataType == DataTypeTotalCommentScd
}

func stagingDir(syncId string, dataType string) string {
	switch dataType {
	case DataTypeScdIndex:
		return syncId + "/produce/index_scd/"
	case DataTypeTotalCommentScd:
		return syncId + "/produce/total_comment_scd/"
	default:
		return syncId + "/produce/"
	}
}

// ReceiveDir is where a consumer of collection expects data of dataType. Empty for unknown types.
func ReceiveDir(dataType string, collection string, distributed bool) string {
	switch dataType {
	case DataTypeScdIndex:
		if distributed {
			return collection + "/scd/master_index"
		}
		return collection + "/scd/index"
	case DataTypeCommentTypeFlag:
		return collection + "/scd/summarization"
	case DataTypeTotalCommentScd:
		return collection + "/scd/rebuild_scd"
	default:
		return ""
	}
}
