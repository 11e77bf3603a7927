package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xinkaiwang/searchcoord/libs/xklib/kerror"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/api"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/biz"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/config"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/coordprov"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/data"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/master"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/smjson"
)

func TestErrorHandlingMiddleware(t *testing.T) {
	tests := []struct {
		name         string
		handler      http.HandlerFunc
		expectedCode int
		expectedType string
		expectedMsg  string
	}{
		{
			name: "kerror",
			handler: func(w http.ResponseWriter, r *http.Request) {
				panic(kerror.Create("TestError", "test error message").
					WithErrorCode(kerror.EC_INVALID_PARAMETER))
			},
			expectedCode: http.StatusBadRequest,
			expectedType: "TestError",
			expectedMsg:  "test error message",
		},
		{
			name: "plain error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				panic(fmt.Errorf("some error"))
			},
			expectedCode: http.StatusInternalServerError,
			expectedType: "InternalServerError",
			expectedMsg:  "an unexpected error occurred",
		},
		{
			name: "string panic",
			handler: func(w http.ResponseWriter, r *http.Request) {
				panic("some panic message")
			},
			expectedCode: http.StatusInternalServerError,
			expectedType: "UnknownPanic",
			expectedMsg:  "unexpected panic with non-error value",
		},
		{
			name: "no panic",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			},
			expectedCode: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			rr := httptest.NewRecorder()
			ErrorHandlingMiddleware(tt.handler).ServeHTTP(rr, req)

			assert.Equal(t, tt.expectedCode, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
			if tt.expectedType == "" {
				return
			}
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
			assert.Equal(t, tt.expectedType, body["error"])
			assert.Equal(t, tt.expectedMsg, body["msg"])
		})
	}
}

func TestErrorHandlingMiddlewareErrorCodeMapping(t *testing.T) {
	tests := []struct {
		errorCode    kerror.ErrorCode
		expectedHTTP int
	}{
		{kerror.EC_INVALID_PARAMETER, http.StatusBadRequest},
		{kerror.EC_NOT_FOUND, http.StatusNotFound},
		{kerror.EC_CONFLICT, http.StatusConflict},
		{kerror.EC_INTERNAL_ERROR, http.StatusServiceUnavailable},
		{kerror.EC_RETRYABLE, http.StatusTooManyRequests},
		{kerror.EC_UNKNOWN, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.errorCode.String(), func(t *testing.T) {
			h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				panic(kerror.Create("TestError", "test error").WithErrorCode(tt.errorCode))
			})
			rr := httptest.NewRecorder()
			ErrorHandlingMiddleware(h).ServeHTTP(rr, httptest.NewRequest("GET", "/test", nil))
			assert.Equal(t, tt.expectedHTTP, rr.Code)
		})
	}
}

type handlerSetup struct {
	t      *testing.T
	server *coordprov.FakeCoordServer
	mgr    *master.SearchMasterManager
	mux    *http.ServeMux
}

// newHandlerSetup runs a master over a 2 shard cluster with one replica, shard 1 served by node 1 only.
func newHandlerSetup(t *testing.T) *handlerSetup {
	ctx := context.Background()
	server := coordprov.NewFakeCoordServer()
	pm := config.NewPathManager("test")
	server.Put(pm.FmtReplicaPath(1), "1")
	nd := smjson.NewNodeDataJson("w1", 1, 18151, 18121)
	server.Put(pm.FmtNodePath(1, 1), nd.ToJson())

	client := server.NewClient(ctx, "master")
	topology := data.ClusterTopology{ClusterId: "test", NodeNum: 2, ShardNum: 2}
	node := data.NodeInfo{NodeId: 1, ReplicaId: 1, Host: "master1", ServicePort: 18181}
	mgr := master.NewSearchMasterManager(ctx, topology, node, client)
	mgr.Start(ctx)
	require.True(t, server.WaitForIdle(3*time.Second))
	t.Cleanup(func() {
		mgr.Stop(ctx)
		client.Close(ctx)
	})

	mux := http.NewServeMux()
	NewHandler(biz.NewApp(ctx, mgr)).RegisterRoutes(mux)
	return &handlerSetup{t: t, server: server, mgr: mgr, mux: mux}
}

func (hs *handlerSetup) do(method string, target string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rr := httptest.NewRecorder()
	hs.mux.ServeHTTP(rr, req)
	return rr
}

func TestPingHandler(t *testing.T) {
	hs := newHandlerSetup(t)
	rr := hs.do("GET", "/api/ping", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	var resp string
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "searchmaster:"+biz.GetVersion(), resp)

	rr = hs.do("POST", "/api/ping", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetStatusHandler(t *testing.T) {
	hs := newHandlerSetup(t)
	rr := hs.do("GET", "/api/get_status", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var resp api.GetStatusResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, data.MS_StartingWaitWorkers.String(), resp.State)
	assert.Equal(t, "test", resp.ClusterId)
	assert.Equal(t, []uint32{1}, resp.Replicas)
	require.Len(t, resp.Workers, 1)
	assert.Equal(t, uint32(1), resp.Workers[0].ShardId)
	assert.Equal(t, "w1", resp.Workers[0].Host)
	assert.Equal(t, int8(1), resp.Workers[0].IsGood)
	assert.NotEmpty(t, resp.ServerPath)
}

func TestNotifyHandler(t *testing.T) {
	hs := newHandlerSetup(t)
	rr := hs.do("POST", "/api/notify", `{"method":"index","collection":"b5mp","error":"disk full"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp api.NotifyResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.True(t, resp.Accepted)

	rr = hs.do("GET", "/api/get_status", "")
	var status api.GetStatusResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&status))
	require.Len(t, status.Notifies, 1)
	assert.Equal(t, "index", status.Notifies[0].Method)
	assert.Equal(t, "disk full", status.Notifies[0].Error)

	assert.Equal(t, http.StatusBadRequest, hs.do("POST", "/api/notify", `{bad`).Code)
	assert.Equal(t, http.StatusBadRequest, hs.do("POST", "/api/notify", `{"collection":"b5mp"}`).Code)
	assert.Equal(t, http.StatusBadRequest, hs.do("GET", "/api/notify", "").Code)
}

func TestShardReceiverHandler(t *testing.T) {
	hs := newHandlerSetup(t)
	rr := hs.do("GET", "/api/shard_receiver?shard_id=1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var resp api.ShardReceiverResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, api.ShardReceiverResponse{ShardId: 1, Host: "w1", DataPort: 18121}, resp)

	// shard 2 has no worker
	assert.Equal(t, http.StatusNotFound, hs.do("GET", "/api/shard_receiver?shard_id=2", "").Code)
	assert.Equal(t, http.StatusBadRequest, hs.do("GET", "/api/shard_receiver?shard_id=x", "").Code)
}
