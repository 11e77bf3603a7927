package aggregator

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/xinkaiwang/searchcoord/libs/xklib/kerror"
	"github.com/xinkaiwang/searchcoord/libs/xklib/klogging"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/config"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/coordprov"
)

// NotifyMSG is what a worker tells the masters, e.g. that an index build of a collection ended.
type NotifyMSG struct {
	Method     string `json:"method"`
	Collection string `json:"collection"`
	Error      string `json:"error,omitempty"`
}

func (msg *NotifyMSG) ToJson() string {
	bytes, err := json.Marshal(msg)
	if err != nil {
		ke := kerror.Wrap(err, "MarshalError", "failed to marshal NotifyMSG", false)
		panic(ke)
	}
	return string(bytes)
}

// MasterNotifier sends NotifyMSG to every master advertised under the servers path.
type MasterNotifier struct {
	coord  coordprov.CoordClient
	pm     *config.PathManager
	client *http.Client
}

func NewMasterNotifier(coord coordprov.CoordClient, pm *config.PathManager) *MasterNotifier {
	return &MasterNotifier{
		coord:  coord,
		pm:     pm,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// GetMasterAddresses returns "host:port" of every live master.
func (mn *MasterNotifier) GetMasterAddresses(ctx context.Context) []string {
	servers, err := mn.coord.GetChildren(ctx, mn.pm.GetServersPath(), false)
	if err != nil {
		klogging.Info(ctx).WithError(err).Log("NoMasterFound", "cannot list master servers")
		return nil
	}
	var addrs []string
	for _, path := range servers {
		addr, err := mn.coord.GetData(ctx, path, false)
		if err != nil || addr == "" {
			continue
		}
		addrs = append(addrs, addr)
	}
	return addrs
}

// Notify returns true if at least one master accepted the message.
func (mn *MasterNotifier) Notify(ctx context.Context, msg *NotifyMSG) bool {
	addrs := mn.GetMasterAddresses(ctx)
	delivered := 0
	for _, addr := range addrs {
		err := postJson(ctx, mn.client, "http://"+addr+"/api/notify", msg.ToJson())
		if err != nil {
			klogging.Warning(ctx).WithError(err).With("master", addr).With("method", msg.Method).Log("NotifyMasterFailed", "")
			continue
		}
		delivered++
	}
	klogging.Info(ctx).With("method", msg.Method).With("collection", msg.Collection).With("masters", len(addrs)).With("delivered", delivered).Log("NotifyMaster", "")
	return delivered > 0
}
