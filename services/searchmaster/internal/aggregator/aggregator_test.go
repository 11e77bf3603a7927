package aggregator

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/config"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/coordprov"
)

func TestAggregatorConfigSortedByShard(t *testing.T) {
	cfg := NewAggregatorConfig().
		AddWorker("h3", 3, 3, false).
		AddWorker("h1", 1, 1, true).
		AddWorker("h2", 2, 2, false)
	assert.Equal(t, "shard1=h1:1(local);shard2=h2:2;shard3=h3:3", cfg.String())
	str := cfg.ToJson()
	assert.Equal(t, `{"workers":[{"host":"h1","worker_port":1,"shard_id":1,"is_local":true},{"host":"h2","worker_port":2,"shard_id":2,"is_local":false},{"host":"h3","worker_port":3,"shard_id":3,"is_local":false}]}`, str)
	assert.Equal(t, cfg, AggregatorConfigFromJson(str))
	assert.Equal(t, `{"workers":[]}`, NewAggregatorConfig().ToJson())
}

func TestHttpAggregatorNotifier(t *testing.T) {
	var mu sync.Mutex
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/aggregator_config", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = string(body)
		mu.Unlock()
	}))
	defer srv.Close()

	cfg := NewAggregatorConfig().AddWorker("h1", 18151, 1, false)
	NewHttpAggregatorNotifier(srv.URL+"/").SetAggregatorConfig(context.Background(), cfg)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, cfg.ToJson(), got)
}

func TestMasterNotifier(t *testing.T) {
	ctx := context.Background()
	received := make(chan NotifyMSG, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg NotifyMSG
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		received <- msg
	}))
	defer srv.Close()

	server := coordprov.NewFakeCoordServer()
	client := server.NewClient(ctx, "notifier")
	require.True(t, client.Connect(ctx, true))
	pm := config.NewPathManager("test")
	notifier := NewMasterNotifier(client, pm)

	msg := &NotifyMSG{Method: "INDEX_FINISHED", Collection: "b5mp"}
	assert.False(t, notifier.Notify(ctx, msg), "no master registered")

	server.Put(pm.GetServersPath()+"/Server0000000001", strings.TrimPrefix(srv.URL, "http://"))
	server.Put(pm.GetServersPath()+"/Server0000000002", "127.0.0.1:1") // unreachable
	assert.Len(t, notifier.GetMasterAddresses(ctx), 2)
	assert.True(t, notifier.Notify(ctx, msg))
	select {
	case got := <-received:
		assert.Equal(t, *msg, got)
	case <-time.After(time.Second):
		t.Fatal("notify not received")
	}
}
