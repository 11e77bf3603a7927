package data

type MasterState int

const (
	MS_Init MasterState = iota
	MS_Starting
	MS_StartingWaitZookeeper
	MS_StartingWaitWorkers
	MS_Started
	MS_Failovering
	MS_Recovering
)

func (s MasterState) String() string {
	switch s {
	case MS_Init:
		return "init"
	case MS_Starting:
		return "starting"
	case MS_StartingWaitZookeeper:
		return "starting_wait_zookeeper"
	case MS_StartingWaitWorkers:
		return "starting_wait_workers"
	case MS_Started:
		return "started"
	case MS_Failovering:
		return "failovering"
	case MS_Recovering:
		return "recovering"
	default:
		return "unknown"
	}
}
