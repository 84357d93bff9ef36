package runtime

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/indexflow/internal/runtime/api"
	configpkg "github.com/drblury/indexflow/internal/runtime/config"
	errspkg "github.com/drblury/indexflow/internal/runtime/errors"
	"github.com/drblury/indexflow/internal/runtime/hooks"
	loggingpkg "github.com/drblury/indexflow/internal/runtime/logging"
	"github.com/drblury/indexflow/internal/runtime/notify"
	"github.com/drblury/indexflow/internal/runtime/pipeline"
	"github.com/drblury/indexflow/internal/runtime/plugins"
	"github.com/drblury/indexflow/internal/runtime/plugins/builtin"
	"github.com/drblury/indexflow/internal/runtime/stream"
	"github.com/drblury/indexflow/internal/runtime/tenant"
	"github.com/drblury/indexflow/transport"
	_ "github.com/drblury/indexflow/transport/transports"
)

var runnerRun = func(r *pipeline.Runner, ctx context.Context) error {
	return r.Run(ctx)
}

// ServiceDependencies holds the collaborators the Service cannot build from
// Config. Only Source is required.
type ServiceDependencies struct {
	Source stream.Source
	// Plugins resolves plugin ids. Nil selects the built-in expression
	// plugins.
	Plugins *plugins.Registry
	// Opener connects tenant stores. Nil opens Postgres schema adapters.
	Opener     tenant.Opener
	Transports *transport.Registry
	// Registerer and Gatherer default to a fresh Prometheus registry when
	// metrics are enabled.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	JobHooks   pipeline.JobHooks
	// Snapshot overrides Conf.SnapshotPath.
	Snapshot *configpkg.Snapshot
}

// Service wires the notification feed, the plugin runtime, the indexing
// pipeline, the tenant stores and the HTTP API.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport  transport.Transport
	caps       transport.Capabilities
	emitter    *notify.Publisher
	tenants    *tenant.Manager
	dispatcher *hooks.Dispatcher
	plugins    *plugins.Runtime
	pipeline   *pipeline.Pipeline
	runner     *pipeline.Runner
	api        *api.Server

	reloadMu  sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewService validates conf, connects every slot, loads the plugin snapshot
// and subscribes the pipeline to the feed. Call Start to consume.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if deps.Source == nil {
		return nil, errspkg.ErrSourceRequired
	}
	withDefaults := conf.WithDefaults()
	conf = &withDefaults
	if err := configpkg.ValidateConfig(conf); err != nil {
		return nil, err
	}

	snap := deps.Snapshot
	if snap == nil && conf.SnapshotPath != "" {
		loaded, err := configpkg.LoadSnapshot(conf.SnapshotPath)
		if err != nil {
			return nil, err
		}
		snap = loaded
	}
	if snap == nil {
		snap = &configpkg.Snapshot{}
	}

	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating indexing service", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"config":        conf,
	})

	s := &Service{Conf: conf, Logger: log}
	if err := s.build(ctx, snap, deps, wmLogger); err != nil {
		s.release()
		return nil, err
	}
	return s, nil
}

func (s *Service) build(ctx context.Context, snap *configpkg.Snapshot, deps ServiceDependencies, wmLogger watermill.LoggerAdapter) error {
	conf := s.Conf

	registerer, gatherer := deps.Registerer, deps.Gatherer
	if conf.MetricsEnabled && registerer == nil {
		reg := prometheus.NewRegistry()
		registerer = reg
		if gatherer == nil {
			gatherer = reg
		}
	}

	transports := deps.Transports
	if transports == nil {
		transports = transport.DefaultRegistry
	}
	t, err := transports.Build(ctx, conf, wmLogger)
	if err != nil {
		return fmt.Errorf("build %s transport: %w", conf.PubSubSystem, err)
	}
	s.transport = t
	s.caps = transports.GetCapabilities(conf.PubSubSystem)
	if s.caps.MayDropNotifications() {
		s.Logger.Info("Notification feed is not durable; notifications sent while the indexer is down are lost",
			loggingpkg.LogFields{"pubsub_system": conf.PubSubSystem})
	}

	if s.emitter, err = notify.NewPublisher(t.Publisher, conf.Topic); err != nil {
		return err
	}

	opener := deps.Opener
	if opener == nil {
		opener = tenant.PostgresOpener(conf.Database, deps.Source, s.Logger)
	}
	s.tenants = tenant.NewManager(opener, s.Logger)
	if err := s.tenants.Open(ctx, snap); err != nil {
		return err
	}

	hookMetrics, err := hooks.NewMetrics(registerer)
	if err != nil {
		return err
	}
	s.dispatcher = hooks.NewDispatcher(s.Logger, hookMetrics)

	registry := deps.Plugins
	if registry == nil {
		registry = plugins.NewRegistry()
		builtin.Register(registry)
	}
	s.plugins = plugins.NewRuntime(s.dispatcher, registry, s.services, s.Logger)
	report := s.plugins.LoadAll(ctx, snap)
	s.Logger.Info("Plugins loaded", loggingpkg.LogFields{"loaded": report.Loaded, "failed": len(report.Failed)})

	pipelineMetrics, err := pipeline.NewMetrics(registerer)
	if err != nil {
		return err
	}
	s.pipeline, err = pipeline.New(deps.Source, s.dispatcher, s.persister, s.Logger, pipeline.Options{
		LoadTimeout:  conf.LoadTimeout,
		ContextField: conf.ContextField,
		Metrics:      pipelineMetrics,
	})
	if err != nil {
		return err
	}

	s.runner, err = pipeline.NewRunner(s.pipeline, s.dispatcher, t.Subscriber, wmLogger, pipeline.RunnerOptions{
		Topic:            conf.Topic,
		DrainTimeout:     conf.DrainTimeout,
		MetricsSubsystem: s.caps.Name,
		Registerer:       registerer,
		Hooks:            deps.JobHooks,
		Slots:            s.tenants.Names,
	})
	if err != nil {
		return err
	}

	if conf.APIEnabled {
		s.api = api.NewServer(api.Options{
			Port:               conf.APIPort,
			CORSAllowedOrigins: conf.APICORSAllowedOrigins,
			Tenants:            s.tenants,
			Stats:              s.pipeline.Stats().Snapshot,
			Routes:             s.plugins.Routes,
			Instances:          s.plugins.Instances,
			Gatherer:           gatherer,
			QueryTimeout:       conf.Database.StatementTimeout,
			Logger:             s.Logger,
		})
	}
	return nil
}

// services hands each plugin instance the emitter and a store bound to its
// slot. The store resolves the tenant per call so reopened slots are seen.
func (s *Service) services(slot string) plugins.Services {
	return plugins.Services{
		Logger:  s.Logger.With(loggingpkg.LogFields{"slot": slot}),
		Emitter: s.emitter,
		Store:   slotStore{tenants: s.tenants, slot: slot},
	}
}

func (s *Service) persister(slot string) (pipeline.Persister, error) {
	t, err := s.tenants.Get(slot)
	if err != nil {
		return nil, err
	}
	return t.Store, nil
}

type slotStore struct {
	tenants *tenant.Manager
	slot    string
}

func (st slotStore) Query(ctx context.Context, sql string, params ...any) ([]map[string]any, error) {
	t, err := st.tenants.Get(st.slot)
	if err != nil {
		return nil, err
	}
	return t.Store.Query(ctx, sql, params...)
}

// Start serves the API when enabled and consumes the feed until ctx is
// cancelled. The service is closed on return.
func (s *Service) Start(ctx context.Context) error {
	if s.api != nil {
		if _, err := s.api.Start(); err != nil {
			return errors.Join(err, s.Close())
		}
	}
	err := runnerRun(s.runner, ctx)
	return errors.Join(err, s.Close())
}

// Running is closed once the pipeline consumes the feed.
func (s *Service) Running() chan struct{} {
	return s.runner.Running()
}

// Emit publishes a stream notification onto the feed.
func (s *Service) Emit(ctx context.Context, n notify.Notification) error {
	return s.emitter.Emit(ctx, n)
}

// Process runs n through the pipeline synchronously, bypassing the feed.
func (s *Service) Process(ctx context.Context, n notify.Notification) pipeline.Outcome {
	return s.pipeline.Process(ctx, n)
}

// Tenants exposes the slot stores.
func (s *Service) Tenants() *tenant.Manager { return s.tenants }

// Plugins exposes the plugin runtime.
func (s *Service) Plugins() *plugins.Runtime { return s.plugins }

// Stats returns the pipeline counters.
func (s *Service) Stats() pipeline.StatsSnapshot { return s.pipeline.Stats().Snapshot() }

// Capabilities describes the configured feed.
func (s *Service) Capabilities() transport.Capabilities { return s.caps }

// Reload applies a new snapshot: slots are reconnected when the set of slot
// names changes, relations and seeded tables are swapped otherwise, and every
// plugin instance is rebuilt. While consuming, the generate handlers of the
// new instances are started.
func (s *Service) Reload(ctx context.Context, snap *configpkg.Snapshot) error {
	if snap == nil {
		snap = &configpkg.Snapshot{}
	}
	if err := snap.Validate(); err != nil {
		return errspkg.NewConfigValidationError(err)
	}

	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	var err error
	if sameSlots(s.tenants.Snapshot(), snap) {
		err = s.tenants.ApplySnapshot(ctx, snap)
	} else {
		err = s.tenants.Open(ctx, snap)
	}
	if err != nil {
		return err
	}
	report := s.plugins.ReloadAll(ctx, snap)
	s.runner.Regenerate()
	return errors.Join(report.Failed...)
}

// ReloadFromFile re-reads Conf.SnapshotPath and applies it.
func (s *Service) ReloadFromFile(ctx context.Context) error {
	if s.Conf.SnapshotPath == "" {
		return errspkg.NewConfigValidationError(errors.New("snapshot path is not configured"))
	}
	snap, err := configpkg.LoadSnapshot(s.Conf.SnapshotPath)
	if err != nil {
		return err
	}
	return s.Reload(ctx, snap)
}

func sameSlots(a, b *configpkg.Snapshot) bool {
	names := func(snap *configpkg.Snapshot) []string {
		var out []string
		if snap != nil {
			for _, sl := range snap.Slots {
				out = append(out, sl.Name+"\x00"+sl.DatabaseURL)
			}
		}
		sort.Strings(out)
		return out
	}
	return slices.Equal(names(a), names(b))
}

// Close stops consuming, waits for in-flight work up to the drain timeout
// and releases every connection. It is safe to call more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.release()
	})
	return s.closeErr
}

func (s *Service) release() error {
	var errs []error
	if s.runner != nil {
		errs = append(errs, s.runner.Close())
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), s.Conf.DrainTimeout)
	defer cancel()
	if s.dispatcher != nil {
		if err := s.dispatcher.Wait(drainCtx); err != nil {
			s.Logger.Error("Background hooks did not finish", err, nil)
		}
	}
	if s.plugins != nil {
		s.plugins.StopAll()
	}
	if s.api != nil {
		errs = append(errs, s.api.Shutdown(drainCtx))
	}
	if s.tenants != nil {
		s.tenants.Close()
	}
	if s.transport.Publisher != nil {
		errs = append(errs, s.transport.Close())
	}
	return errors.Join(errs...)
}
