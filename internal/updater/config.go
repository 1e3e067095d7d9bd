package updater

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/updater/internal/updater/backup"
	"github.com/autopeer-io/updater/internal/updater/bus"
	"github.com/autopeer-io/updater/internal/updater/core"
	"github.com/autopeer-io/updater/internal/updater/fetch"
	"github.com/autopeer-io/updater/internal/updater/history"
	"github.com/autopeer-io/updater/internal/updater/installer"
	"github.com/autopeer-io/updater/internal/updater/notifier"
	"github.com/autopeer-io/updater/internal/updater/orchestrator"
	"github.com/autopeer-io/updater/internal/updater/resolver"
	"github.com/autopeer-io/updater/internal/updater/scheduler"
	"github.com/autopeer-io/updater/internal/updater/server"
	grpcserver "github.com/autopeer-io/updater/internal/updater/server/grpc"
	httpserver "github.com/autopeer-io/updater/internal/updater/server/http"
	"github.com/autopeer-io/updater/internal/updater/settings"
	"github.com/autopeer-io/updater/internal/updater/stability"
	"github.com/autopeer-io/updater/pkg/log"
	pkgmqtt "github.com/autopeer-io/updater/pkg/mqtt"
	"github.com/autopeer-io/updater/pkg/mqtt/topic"
	"github.com/autopeer-io/updater/pkg/options"
)

const bucketCheckTimeout = 10 * time.Second

// Config is the completed daemon configuration.
type Config struct {
	UpdaterOptions *options.UpdaterOptions
	HttpOptions    *options.HttpOptions
	GrpcOptions    *options.GrpcOptions
	MqttOptions    *options.MqttOptions
	S3Options      *options.S3Options
	HealthOptions  *options.HealthOptions

	// CheckOnStart runs one version check right after startup.
	CheckOnStart bool
}

// dataPath returns a location under the data directory.
func (cfg *Config) dataPath(elem ...string) string {
	return filepath.Join(append([]string{cfg.UpdaterOptions.DataDir}, elem...)...)
}

// NewUpdaterServer opens the data directory and wires every component.
func (cfg *Config) NewUpdaterServer() (*UpdaterServer, error) {
	uo := cfg.UpdaterOptions
	if err := os.MkdirAll(uo.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	clk := clock.RealClock{}
	configs := settings.NewStore(cfg.dataPath(settings.FileName))

	// 1. Audit trail and event bus
	hist, err := history.Open(cfg.dataPath("history"))
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}
	b := bus.New(hist)

	// 2. Pipeline collaborators
	var orch *orchestrator.Orchestrator
	res := resolver.New(resolver.Config{
		Endpoints:      func() []string { return orch.Configuration().Endpoints() },
		RuntimeVersion: uo.RuntimeVersion,
		DataDir:        uo.DataDir,
		Clock:          clk,
	})

	backups := backup.NewManager(uo.InstallDir, uo.CriticalPaths, cfg.dataPath("backup-updates"), clk)

	var mirror core.SnapshotMirror
	if cfg.S3Options.Enabled {
		m, err := cfg.newMirror()
		if err != nil {
			_ = hist.Close()
			return nil, err
		}
		mirror = m
	}

	orch, err = orchestrator.New(orchestrator.Deps{
		Resolver:  res,
		Fetcher:   fetch.NewDownloader(cfg.dataPath("updates", "downloads"), uo.DownloadTimeout, fetch.WithClock(clk)),
		Verifier:  fetch.NewVerifier(),
		Backups:   backups,
		Installer: installer.New(cfg.dataPath("updates", "staging"), uo.InstallDir, uo.InstallScriptTimeout),
		Monitor:   stability.NewMonitor(cfg.newProber(), clk),
		Configs:   configs,
		History:   hist,
		Publisher: b,
		Mirror:    mirror,
		Clock:     clk,
	}, orchestrator.Options{
		CurrentVersion: uo.CurrentVersion,
		Platform:       uo.Platform,
		CheckOnStart:   cfg.CheckOnStart,
	})
	if err != nil {
		_ = hist.Close()
		return nil, fmt.Errorf("failed to init orchestrator: %w", err)
	}

	sched := scheduler.New(orch, clk)
	orch.SetRescheduler(sched)

	// 3. Ingress servers and observers. Subscriptions are taken before the
	// orchestrator starts so the first phase change reaches every observer.
	healthEvents, cancelHealth := b.Subscribe("grpc-health", bus.DefaultBuffer)
	unsubscribe := []func(){cancelHealth}

	servers := []server.Server{
		httpserver.NewServer(cfg.HttpOptions, orch),
		grpcserver.NewServer(cfg.GrpcOptions, orch.Status().Phase, healthEvents),
		server.ServerFunc(func(ctx context.Context) error {
			return configs.Watch(ctx, orch.UpdateConfiguration)
		}),
	}

	if cfg.MqttOptions.Enabled {
		n, cancelMqtt, err := cfg.newNotifier(b, orch)
		if err != nil {
			cancelHealth()
			_ = hist.Close()
			return nil, fmt.Errorf("failed to init notifier: %w", err)
		}
		unsubscribe = append(unsubscribe, cancelMqtt)
		servers = append(servers, n)
	}

	return &UpdaterServer{
		orchestrator:  orch,
		scheduler:     sched,
		bus:           b,
		history:       hist,
		serverManager: server.NewManager(servers...),
		unsubscribe:   unsubscribe,
	}, nil
}

func (cfg *Config) newProber() stability.Prober {
	ho := cfg.HealthOptions
	if ho.GRPCAddr != "" {
		return stability.NewGRPCProber(ho.GRPCAddr, ho.GRPCService, ho.Timeout)
	}
	return stability.NewHTTPProber(ho.URL, ho.Timeout)
}

func (cfg *Config) newMirror() (*backup.Mirror, error) {
	m, err := backup.NewMirror(cfg.S3Options)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), bucketCheckTimeout)
	defer cancel()
	// An unreachable bucket only costs the off-host copy; uploads report
	// their own failures later.
	if err := m.CheckBucket(ctx); err != nil {
		log.Warn("Snapshot bucket is not reachable", "bucket", cfg.S3Options.BucketName, "error", err)
	}
	return m, nil
}

func (cfg *Config) newNotifier(b *bus.Bus, c notifier.Commander) (*notifier.MQTTNotifier, func(), error) {
	instance := cfg.UpdaterOptions.Instance
	topics := topic.NewTopicBuilder(cfg.MqttOptions.TopicRoot)

	mc := cfg.MqttOptions.ToClientConfig()
	if mc.ClientID == "" {
		mc.ClientID = "cpeer-updater-" + instance
	}
	mc.WillTopic = topics.Phase(instance)
	mc.WillPayload = notifier.OfflinePayload()
	mc.WillQoS = 1
	mc.WillRetain = true

	client, err := pkgmqtt.NewClient(mc)
	if err != nil {
		return nil, nil, err
	}

	events, cancel := b.Subscribe("mqtt", 4*bus.DefaultBuffer)
	n := notifier.NewMQTTNotifier(client, topics, instance, events)
	if cfg.MqttOptions.Commands {
		n.WithCommands(c)
	}
	return n, cancel, nil
}
