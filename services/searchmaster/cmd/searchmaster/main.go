package main

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/xinkaiwang/searchcoord/libs/xklib/kcommon"
	"github.com/xinkaiwang/searchcoord/libs/xklib/kerror"
	"github.com/xinkaiwang/searchcoord/libs/xklib/klogging"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/config"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/coordprov"
)

// injected at build time through -ldflags
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

/*
export ETCD_ENDPOINTS=127.0.0.1:2379
export NODE_HOST=10.0.0.1
export API_PORT=18181
export METRICS_PORT=9090
export LOG_LEVEL=info
export LOG_FORMAT=json
./bin/searchmaster master --config ./searchmaster.json
*/
func main() {
	ctx, info := klogging.CreateCtxInfo(context.Background())
	info.With("runId", uuid.NewString())

	rootCmd := newRootCmd()
	rootCmd.AddCommand(newMasterCmd(), newProduceCmd(), newConsumeCmd())
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		klogging.Error(ctx).WithError(err).Log("CommandFailed", "")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "searchmaster",
		Short:         "search cluster coordination: master coordinator and index synchronization",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(cmd.Context())
		},
	}
	flags := cmd.PersistentFlags()
	flags.String("config", "", "service config file (JSON)")
	flags.String("log-level", "info", "log level: fatal, error, warn, info, debug, verbose")
	flags.String("log-format", "json", "log format: json, text, simple")
	bindFlag(cmd, true, "config", "config", "SEARCHMASTER_CONFIG")
	bindFlag(cmd, true, "log_level", "log-level", "LOG_LEVEL")
	bindFlag(cmd, true, "log_format", "log-format", "LOG_FORMAT")
	return cmd
}

// bindFlag makes key resolve to the flag when set, then to env, then to the flag default.
func bindFlag(cmd *cobra.Command, persistent bool, key string, flagName string, env string) {
	flags := cmd.Flags()
	if persistent {
		flags = cmd.PersistentFlags()
	}
	if err := viper.BindPFlag(key, flags.Lookup(flagName)); err != nil {
		panic(kerror.Wrap(err, "BindFlagError", "failed to bind flag", false).With("flag", flagName))
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(kerror.Wrap(err, "BindEnvError", "failed to bind env", false).With("env", env))
		}
	}
}

func setupLogging(ctx context.Context) {
	logLevel := viper.GetString("log_level")
	logFormat := viper.GetString("log_format")
	logrusLogger := klogging.NewLogrusLogger(ctx)
	logrusLogger.SetConfig(ctx, logLevel, logFormat)
	klogging.SetDefaultLogger(logrusLogger)
	klogging.Info(ctx).With("logLevel", logLevel).With("logFormat", logFormat).Log("LogLevelSet", "")
}

// loadServiceConfig reads the JSON file named by --config; without one every value is a default.
func loadServiceConfig(ctx context.Context) *config.ServiceConfig {
	path := viper.GetString("config")
	var str string
	if path != "" {
		bytes, err := os.ReadFile(path)
		if err != nil {
			panic(kerror.Wrap(err, "ConfigReadError", "failed to read config file", false).With("path", path))
		}
		str = string(bytes)
	}
	var cfg *config.ServiceConfig
	ke := kcommon.TryCatchRun(ctx, func() {
		cfg = config.ParseServiceConfigFromJson(str).ApplyEnvOverrides()
	})
	if ke != nil {
		klogging.Fatal(ctx).WithError(ke).With("path", path).Log("InvalidConfig", "")
	}
	klogging.Info(ctx).
		With("path", path).
		With("cluster", cfg.Topology.ClusterId).
		With("nodeId", cfg.Node.NodeId).
		With("replicaId", cfg.Node.ReplicaId).
		With("coord", cfg.Coordination.Endpoints).
		Log("ConfigLoaded", "")
	return cfg
}

func newCoordClient(ctx context.Context, cfg *config.ServiceConfig) *coordprov.EtcdCoordClient {
	return coordprov.NewEtcdCoordClient(ctx, coordprov.EtcdCoordConfig{
		Endpoints:      cfg.Coordination.Endpoints,
		DialTimeout:    cfg.Coordination.DialTimeout,
		SessionTimeout: cfg.Coordination.SessionTimeout,
	})
}
