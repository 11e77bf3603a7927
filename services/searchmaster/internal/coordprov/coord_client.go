package coordprov

import (
	"context"
	"fmt"
)

type NodeMode int

const (
	NM_Persistent NodeMode = iota
	NM_Ephemeral
	NM_EphemeralSequential // a 10 digit zero padded counter is appended to the path
)

type CoordEventType int

const (
	CET_Session CoordEventType = iota
	CET_NodeCreated
	CET_NodeDeleted
	CET_DataChanged
	CET_ChildrenChanged
)

func (t CoordEventType) String() string {
	switch t {
	case CET_Session:
		return "session"
	case CET_NodeCreated:
		return "created"
	case CET_NodeDeleted:
		return "deleted"
	case CET_DataChanged:
		return "data_changed"
	case CET_ChildrenChanged:
		return "children_changed"
	default:
		return fmt.Sprintf("type%d", int(t))
	}
}

type SessionState int

const (
	SS_None SessionState = iota
	SS_Connected
	SS_Expired
)

func (s SessionState) String() string {
	switch s {
	case SS_Connected:
		return "connected"
	case SS_Expired:
		return "expired"
	default:
		return "none"
	}
}

// CoordEvent is either a session state change (Type == CET_Session) or a fired watch on Path.
type CoordEvent struct {
	Type  CoordEventType
	State SessionState
	Path  string
}

func (e CoordEvent) String() string {
	if e.Type == CET_Session {
		return "session:" + e.State.String()
	}
	return e.Type.String() + ":" + e.Path
}

// EventHandler receives every event of the client it is registered on. Events are delivered
// one at a time; a handler runs to completion before the next event is delivered.
type EventHandler interface {
	OnCoordEvent(ctx context.Context, eve CoordEvent)
}

// CoordClient is a hierarchical, watch based coordination service session.
// Watches are one-shot: Exists/GetData arm created/deleted/data-changed for the path,
// GetChildren arms children-changed (and deleted) for the path.
type CoordClient interface {
	// Connect returns whether the session is connected. With wait=false the attempt may
	// complete later and is reported by a connected session event.
	Connect(ctx context.Context, wait bool) bool
	Disconnect(ctx context.Context)
	IsConnected() bool
	GetHosts() string

	RegisterEventHandler(handler EventHandler)
	UnregisterEventHandler(handler EventHandler)

	// CreateNode returns the real path, which differs from path only for NM_EphemeralSequential.
	CreateNode(ctx context.Context, path string, data string, mode NodeMode) (string, error)
	DeleteNode(ctx context.Context, path string, recursive bool) error
	Exists(ctx context.Context, path string, watch bool) (bool, error)
	GetData(ctx context.Context, path string, watch bool) (string, error)
	SetData(ctx context.Context, path string, data string) error
	// GetChildren returns full child paths, sorted.
	GetChildren(ctx context.Context, path string, watch bool) ([]string, error)
}
