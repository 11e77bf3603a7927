package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"contrib.go.opencensus.io/exporter/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/xinkaiwang/searchcoord/libs/xklib/klogging"
	"github.com/xinkaiwang/searchcoord/libs/xklib/kmetrics"
	"github.com/xinkaiwang/searchcoord/libs/xklib/ksysmetrics"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/aggregator"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/biz"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/handler"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/master"
	"go.opencensus.io/metric/metricproducer"
)

func newMasterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "master",
		Short: "run the master coordinator with its HTTP API and metrics",
		Run: func(cmd *cobra.Command, args []string) {
			runMaster(cmd.Context())
		},
	}
	cmd.Flags().Int("metrics-port", 9090, "prometheus /metrics port")
	bindFlag(cmd, false, "metrics_port", "metrics-port", "METRICS_PORT")
	return cmd
}

func runMaster(ctx context.Context) {
	biz.SetVersion(Version)
	klogging.Info(ctx).With("version", Version).With("commit", GitCommit).With("buildTime", BuildTime).Log("ServerStarting", "Starting searchmaster")
	cfg := loadServiceConfig(ctx)

	pe, err := prometheus.NewExporter(prometheus.Options{
		Namespace: "searchmaster",
	})
	if err != nil {
		klogging.Fatal(ctx).WithError(err).Log("PrometheusExporterError", "Failed to create Prometheus exporter")
	}
	metricproducer.GlobalManager().AddProducer(kmetrics.GetKmetricsRegistry())
	collector := ksysmetrics.NewCollector(Version)
	metricproducer.GlobalManager().AddProducer(collector.GetRegistry())
	collector.Start(ctx, 15*time.Second)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", pe)

	coord := newCoordClient(ctx, cfg)
	var notifiers []aggregator.AggregatorNotifier
	for _, url := range cfg.Aggregators {
		notifiers = append(notifiers, aggregator.NewHttpAggregatorNotifier(url))
	}
	mgr := master.NewSearchMasterManager(ctx, cfg.Topology, cfg.Node, coord, notifiers...)
	mgr.Start(ctx)

	app := biz.NewApp(ctx, mgr)
	h := handler.NewHandler(app)
	mainMux := http.NewServeMux()
	h.RegisterRoutes(mainMux)

	// the advertised service port is where /api/notify is served
	mainServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Node.ServicePort),
		Handler: mainMux,
	}
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", viper.GetInt("metrics_port")),
		Handler: metricsMux,
	}
	klogging.Info(ctx).
		With("api_addr", mainServer.Addr).
		With("metrics_addr", metricsServer.Addr).
		With("aggregators", len(notifiers)).
		Log("ServerConfig", "Server ports configuration")

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		klogging.Info(ctx).Log("ServerShutdown", "Shutting down servers...")
		mgr.Stop(ctx)
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := mainServer.Shutdown(ctx); err != nil {
			klogging.Error(ctx).WithError(err).Log("MainServerShutdownError", "Main server shutdown error")
		}
		if err := metricsServer.Shutdown(ctx); err != nil {
			klogging.Error(ctx).WithError(err).Log("MetricsServerShutdownError", "Metrics server shutdown error")
		}
	}()

	go func() {
		klogging.Info(ctx).With("addr", metricsServer.Addr).Log("MetricsServerStarting", "Metrics server starting")
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			klogging.Error(ctx).WithError(err).Log("MetricsServerError", "Metrics server error")
		}
	}()

	klogging.Info(ctx).With("addr", mainServer.Addr).Log("MainServerStarting", "Main server starting")
	if err := mainServer.ListenAndServe(); err != http.ErrServerClosed {
		klogging.Error(ctx).WithError(err).Log("MainServerError", "Main server error")
	}
	klogging.Info(ctx).Log("ServerShutdown", "Servers stopped")
}
