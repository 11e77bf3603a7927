package aggregator

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xinkaiwang/searchcoord/libs/xklib/kerror"
	"github.com/xinkaiwang/searchcoord/libs/xklib/klogging"
	"github.com/xinkaiwang/searchcoord/libs/xklib/kmetrics"
)

var (
	AggregatorPushMetric = kmetrics.CreateKmetric(context.Background(), "aggregator_push_ms", "aggregator config push latency", []string{"result"})
)

// AggregatorNotifier receives the recomputed worker list whenever the worker map changes.
type AggregatorNotifier interface {
	SetAggregatorConfig(ctx context.Context, cfg *AggregatorConfig)
}

// HttpAggregatorNotifier pushes the config as JSON to "{baseUrl}/api/aggregator_config".
type HttpAggregatorNotifier struct {
	baseUrl string
	client  *http.Client
}

func NewHttpAggregatorNotifier(baseUrl string) *HttpAggregatorNotifier {
	return &HttpAggregatorNotifier{
		baseUrl: strings.TrimSuffix(baseUrl, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (n *HttpAggregatorNotifier) SetAggregatorConfig(ctx context.Context, cfg *AggregatorConfig) {
	start := time.Now()
	err := postJson(ctx, n.client, n.baseUrl+"/api/aggregator_config", cfg.ToJson())
	result := "ok"
	if err != nil {
		result = "error"
		klogging.Warning(ctx).WithError(err).With("aggregator", n.baseUrl).Log("AggregatorPushFailed", "")
	} else {
		klogging.Debug(ctx).With("aggregator", n.baseUrl).With("config", cfg.String()).Log("AggregatorPushed", "")
	}
	AggregatorPushMetric.GetTimeSequence(ctx, result).Add(time.Since(start).Milliseconds())
}

func postJson(ctx context.Context, client *http.Client, url string, body string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(body))
	if err != nil {
		return kerror.Wrap(err, "RequestError", "failed to build request", false).With("url", url)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return kerror.Wrap(err, "RequestError", "request failed", false).With("url", url).WithErrorCode(kerror.EC_NETWORK_ERR)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return kerror.Create("RequestError", "unexpected status").With("url", url).With("status", resp.StatusCode)
	}
	return nil
}
