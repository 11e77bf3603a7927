package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/xinkaiwang/searchcoord/libs/xklib/kerror"
	"github.com/xinkaiwang/searchcoord/libs/xklib/klogging"
	"github.com/xinkaiwang/searchcoord/libs/xklib/kmetrics"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/api"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/biz"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/data"
)

type Handler struct {
	app *biz.App
}

func NewHandler(app *biz.App) *Handler {
	return &Handler{app: app}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/api/ping", ErrorHandlingMiddleware(http.HandlerFunc(h.PingHandler)))
	mux.Handle("/api/get_status", ErrorHandlingMiddleware(http.HandlerFunc(h.GetStatusHandler)))
	mux.Handle("/api/notify", ErrorHandlingMiddleware(http.HandlerFunc(h.NotifyHandler)))
	mux.Handle("/api/shard_receiver", ErrorHandlingMiddleware(http.HandlerFunc(h.ShardReceiverHandler)))
}

func requireMethod(r *http.Request, method string) {
	if r.Method != method {
		panic(kerror.Create("MethodNotAllowed", "only "+method+" method is allowed").
			WithErrorCode(kerror.EC_INVALID_PARAMETER))
	}
}

func writeJson(w http.ResponseWriter, resp interface{}) {
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		panic(kerror.Create("EncodingError", "failed to encode response").
			WithErrorCode(kerror.EC_INTERNAL_ERROR).
			With("error", err.Error()))
	}
}

// PingHandler GET /api/ping
func (h *Handler) PingHandler(w http.ResponseWriter, r *http.Request) {
	requireMethod(r, http.MethodGet)
	klogging.Verbose(r.Context()).Log("PingRequest", "")

	var resp string
	kmetrics.InstrumentSummaryRunVoid(r.Context(), "biz.Ping", func() {
		resp = h.app.Ping(r.Context())
	})
	writeJson(w, resp)
}

// GetStatusHandler GET /api/get_status
func (h *Handler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	requireMethod(r, http.MethodGet)
	klogging.Verbose(r.Context()).Log("GetStatusRequest", "")

	var resp *api.GetStatusResponse
	kmetrics.InstrumentSummaryRunVoid(r.Context(), "biz.GetStatus", func() {
		resp = h.app.GetStatus(r.Context())
	})
	klogging.Debug(r.Context()).
		With("state", resp.State).
		With("workers", len(resp.Workers)).
		Log("GetStatusResponse", "")
	writeJson(w, resp)
}

// NotifyHandler POST /api/notify
func (h *Handler) NotifyHandler(w http.ResponseWriter, r *http.Request) {
	requireMethod(r, http.MethodPost)
	var req api.NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		panic(kerror.Create("BadRequest", "invalid request format").
			WithErrorCode(kerror.EC_INVALID_PARAMETER).
			With("error", err.Error()))
	}

	var resp *api.NotifyResponse
	kmetrics.InstrumentSummaryRunVoid(r.Context(), "biz.Notify", func() {
		resp = h.app.Notify(r.Context(), &req)
	})
	writeJson(w, resp)
}

// ShardReceiverHandler GET /api/shard_receiver?shard_id=N
func (h *Handler) ShardReceiverHandler(w http.ResponseWriter, r *http.Request) {
	requireMethod(r, http.MethodGet)
	str := r.URL.Query().Get("shard_id")
	shardId, err := strconv.ParseUint(str, 10, 32)
	if err != nil {
		panic(kerror.Create("BadRequest", "invalid shard_id").
			WithErrorCode(kerror.EC_INVALID_PARAMETER).
			With("shardId", str))
	}

	var resp *api.ShardReceiverResponse
	kmetrics.InstrumentSummaryRunVoid(r.Context(), "biz.GetShardReceiver", func() {
		resp = h.app.GetShardReceiver(r.Context(), data.ShardId(shardId))
	})
	klogging.Info(r.Context()).
		With("shardId", resp.ShardId).
		With("host", resp.Host).
		With("dataPort", resp.DataPort).
		Log("ShardReceiverResponse", "")
	writeJson(w, resp)
}
