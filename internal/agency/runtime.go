// Package agency assembles the runtime: it builds every component from
// configuration, wires them together, and owns their shutdown order.
package agency

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jordanhubbard/agency/internal/auth"
	"github.com/jordanhubbard/agency/internal/beam"
	agencyconfig "github.com/jordanhubbard/agency/internal/config"
	"github.com/jordanhubbard/agency/internal/database"
	"github.com/jordanhubbard/agency/internal/fusion"
	"github.com/jordanhubbard/agency/internal/health"
	"github.com/jordanhubbard/agency/internal/keymanager"
	"github.com/jordanhubbard/agency/internal/keypool"
	"github.com/jordanhubbard/agency/internal/logging"
	"github.com/jordanhubbard/agency/internal/memory"
	"github.com/jordanhubbard/agency/internal/messagebus"
	"github.com/jordanhubbard/agency/internal/messaging"
	"github.com/jordanhubbard/agency/internal/metrics"
	"github.com/jordanhubbard/agency/internal/persona"
	"github.com/jordanhubbard/agency/internal/provider"
	"github.com/jordanhubbard/agency/internal/store"
	"github.com/jordanhubbard/agency/internal/taskgraph"
	"github.com/jordanhubbard/agency/internal/telemetry"
	"github.com/jordanhubbard/agency/internal/temporal"
	"github.com/jordanhubbard/agency/pkg/config"
)

// GraphID names the task graph snapshot kept in Postgres.
const GraphID = "main"

// Runtime holds every component of a running agency process.
type Runtime struct {
	Config      *config.Config
	Logger      *slog.Logger
	Logs        *logging.Manager
	Registry    *prometheus.Registry
	Metrics     *metrics.Metrics
	Telemetry   *telemetry.Telemetry
	Store       store.Store
	Database    *database.Database // nil unless database.enabled
	Broker      *messaging.Broker
	Memory      *memory.Manager
	Vault       *keymanager.Vault // nil when no vault password was given
	Keys        *keypool.Manager
	Providers   *provider.Registry
	Dispatcher  *beam.Dispatcher
	Beam        *beam.Service
	Personas    *persona.Registry
	Coordinator *taskgraph.Coordinator
	Temporal    *temporal.Manager // nil unless temporal.enabled
	Auth        *auth.Manager     // nil unless security.enable_auth
	Watchdog    *health.Watchdog

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type options struct {
	password  string
	logOutput io.Writer
	adapters  map[keypool.Provider]provider.Adapter
	getenv    func(string) string
}

// Option customizes New.
type Option func(*options)

// WithVaultPassword unlocks the key vault. Without it keys come only from
// the environment.
func WithVaultPassword(p string) Option { return func(o *options) { o.password = p } }

// WithLogOutput sets where the process log is written (default stderr).
func WithLogOutput(w io.Writer) Option { return func(o *options) { o.logOutput = w } }

// WithAdapter replaces the adapter built for p.
func WithAdapter(p keypool.Provider, a provider.Adapter) Option {
	return func(o *options) { o.adapters[p] = a }
}

// WithEnv overrides the environment lookup used for provider keys.
func WithEnv(getenv func(string) string) Option { return func(o *options) { o.getenv = getenv } }

// New builds and starts a runtime. On error everything already started
// is shut down again.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (rt *Runtime, err error) {
	o := &options{logOutput: os.Stderr, adapters: make(map[keypool.Provider]provider.Adapter), getenv: os.Getenv}
	for _, opt := range opts {
		opt(o)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rt = &Runtime{Config: cfg, cancel: cancel}
	defer func() {
		if err != nil {
			_ = rt.Close(context.Background())
			rt = nil
		}
	}()

	boot, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, o.logOutput, nil)
	if err != nil {
		return rt, err
	}

	if cfg.Database.Enabled {
		dsn := cfg.Database.DSN
		if dsn == "" {
			dsn = database.DSNFromEnv()
		}
		if rt.Database, err = database.NewPostgres(ctx, dsn, boot); err != nil {
			return rt, err
		}
	}

	if rt.Logs, err = newLogManager(ctx, rt.Database); err != nil {
		return rt, err
	}
	if rt.Logger, err = logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, o.logOutput, rt.Logs); err != nil {
		return rt, err
	}
	logger := rt.Logger

	rt.Registry = prometheus.NewRegistry()
	rt.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rt.Metrics = metrics.NewMetrics(rt.Registry)

	if rt.Telemetry, err = telemetry.New(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.Endpoint,
		Environment: cfg.Telemetry.Environment,
		SampleRatio: cfg.Telemetry.SampleRatio,
	}, logger); err != nil {
		return rt, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	if rt.Store, err = rt.openStore(ctx); err != nil {
		return rt, err
	}

	rt.Broker = messaging.NewBroker(rt.Store, messaging.Config{
		Workers:   cfg.Broker.Workers,
		QueueSize: cfg.Broker.QueueSize,
	}, messaging.WithLogger(logger.With(logging.SourceKey, "broker")), messaging.WithMetrics(rt.Metrics))
	if err = rt.Broker.Start(runCtx); err != nil {
		return rt, fmt.Errorf("failed to start broker: %w", err)
	}

	rt.Memory = memory.New(cfg.Memory.Namespace, rt.Store, rt.Broker,
		memory.WithLogger(logger.With(logging.SourceKey, "memory")),
		memory.WithMetrics(rt.Metrics),
		memory.WithLockTTL(cfg.Memory.LockTTL))
	rt.Memory.RegisterHandler()

	if err = rt.openKeys(runCtx, o); err != nil {
		return rt, err
	}

	if err = rt.buildDispatch(o); err != nil {
		return rt, err
	}

	if err = rt.buildCoordinator(ctx); err != nil {
		return rt, err
	}

	rt.Beam = beam.NewService(rt.Dispatcher, rt.Broker, rt.Memory, logger.With(logging.SourceKey, "beam"))
	rt.Beam.Start()
	rt.Coordinator.Start()

	if cfg.Temporal.Enabled {
		if rt.Temporal, err = temporal.NewManager(ctx, &cfg.Temporal, rt.Coordinator, logger.With(logging.SourceKey, "temporal")); err != nil {
			return rt, err
		}
		if err = rt.Temporal.Start(); err != nil {
			return rt, err
		}
	}

	if cfg.Security.EnableAuth {
		rt.Auth = auth.NewManager(cfg.Security, auth.WithLogger(logger.With(logging.SourceKey, "auth")))
	}

	rt.Watchdog = health.NewWatchdog(0, 0, logger.With(logging.SourceKey, "health"))
	rt.Watchdog.AddCheck("store", rt.Store.Ping)
	rt.Watchdog.AddCheck("broker", rt.Broker.Health)
	if rt.Database != nil {
		rt.Watchdog.AddCheck("database", rt.Database.Ping)
	}

	logger.Info("agency runtime started",
		"store", cfg.Store.Backend,
		"nats", cfg.NATS.Enabled,
		"database", cfg.Database.Enabled,
		"temporal", cfg.Temporal.Enabled,
		"models", len(rt.Dispatcher.Models()))
	return rt, nil
}

func newLogManager(ctx context.Context, db *database.Database) (*logging.Manager, error) {
	if db == nil {
		return logging.NewManager(ctx, nil)
	}
	return logging.NewManager(ctx, db.DB())
}

// openStore builds the key/value store and swaps in NATS pub/sub and
// Postgres locks when they are enabled.
func (rt *Runtime) openStore(ctx context.Context) (store.Store, error) {
	cfg := rt.Config
	var base store.Store
	switch cfg.Store.Backend {
	case "redis":
		rs, err := store.NewRedisStore(ctx, store.RedisConfig{URL: cfg.Store.RedisURL}, rt.Logger.With(logging.SourceKey, "store"))
		if err != nil {
			return nil, err
		}
		base = rs
	default:
		base = store.NewMemoryStore()
	}

	var pubsub store.PubSub
	if cfg.NATS.Enabled {
		nt, err := messagebus.NewNatsTransport(messagebus.Config{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Timeout:       cfg.NATS.Timeout,
			BufferSize:    cfg.Broker.QueueSize,
		}, rt.Logger.With(logging.SourceKey, "nats"))
		if err != nil {
			_ = base.Close()
			return nil, err
		}
		pubsub = nt
	}

	var locker store.Locker
	if rt.Database != nil {
		locker = rt.Database
	}
	if pubsub == nil && locker == nil {
		return base, nil
	}
	return store.Compose(base, pubsub, locker), nil
}

// openKeys sets up the key pool, backed by the vault when a password is
// available.
func (rt *Runtime) openKeys(ctx context.Context, o *options) error {
	cfg := rt.Config
	logger := rt.Logger.With(logging.SourceKey, "keypool")
	keyOpts := []keypool.Option{
		keypool.WithLogger(logger),
		keypool.WithMetrics(rt.Metrics),
		keypool.WithEnv(o.getenv),
	}

	if o.password != "" {
		path := cfg.Keys.VaultPath
		if path == "" {
			paths, err := agencyconfig.Default()
			if err != nil {
				return err
			}
			path = paths.VaultPath
		}
		rt.Vault = keymanager.NewVault(path)
		if err := rt.Vault.Unlock(o.password); err != nil {
			return fmt.Errorf("failed to unlock key vault: %w", err)
		}
		keyOpts = append(keyOpts, keypool.WithStore(rt.Vault))
	} else {
		logger.Warn("no vault password; provider keys come from the environment only")
	}

	rt.Keys = keypool.New(keyOpts...)
	if err := rt.Keys.Load(); err != nil {
		return err
	}

	if rt.Vault != nil && cfg.Keys.Watch {
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			err := rt.Vault.Watch(ctx, logger, func() {
				if err := rt.Keys.Reload(); err != nil {
					logger.Error("failed to reload keys", "error", err)
				}
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("vault watcher stopped", "error", err)
			}
		}()
	}
	return nil
}

// buildDispatch creates the provider registry, dispatcher, configured
// models and personas.
func (rt *Runtime) buildDispatch(o *options) error {
	cfg := rt.Config
	regOpts := []provider.RegistryOption{provider.WithHTTPClient(provider.NewHTTPClient(cfg.Beam.RequestTimeout))}
	for name, url := range cfg.Beam.BaseURLs {
		p, err := keypool.ParseProvider(name)
		if err != nil {
			return fmt.Errorf("beam.base_urls: %w", err)
		}
		regOpts = append(regOpts, provider.WithBaseURL(p, url))
	}
	rt.Providers = provider.NewRegistry(regOpts...)
	for p, a := range o.adapters {
		rt.Providers.Register(p, a)
	}
	if err := rt.Providers.Validate(); err != nil {
		return err
	}

	engine := fusion.NewEngine()
	if cfg.Beam.DefaultStrategy != "" && !engine.Has(fusion.Strategy(cfg.Beam.DefaultStrategy)) {
		return fmt.Errorf("%w: %s", fusion.ErrUnknownStrategy, cfg.Beam.DefaultStrategy)
	}
	rt.Dispatcher = beam.NewDispatcher(rt.Keys, rt.Providers, engine, beam.Config{
		RequestTimeout:  cfg.Beam.RequestTimeout,
		MaxConcurrency:  cfg.Beam.MaxConcurrency,
		DefaultStrategy: fusion.Strategy(cfg.Beam.DefaultStrategy),
	}, beam.WithLogger(rt.Logger.With(logging.SourceKey, "beam")), beam.WithMetrics(rt.Metrics), beam.WithTelemetry(rt.Telemetry))

	for _, m := range cfg.Beam.Models {
		if err := rt.Dispatcher.RegisterModel(m.ID, modelConfig(m)); err != nil {
			return fmt.Errorf("beam.models %s: %w", m.ID, err)
		}
	}

	rt.Personas = persona.NewRegistry(rt.Logger.With(logging.SourceKey, "persona"))
	if err := rt.Personas.Validate(); err != nil {
		return err
	}
	if cfg.Personas.File != "" {
		if _, err := rt.Personas.LoadFile(cfg.Personas.File); err != nil {
			return err
		}
	}
	return rt.Personas.Bind(rt.Dispatcher)
}

// modelConfig converts a configured model. The provider model name
// defaults to the model id, also when an agent reuses the entry.
func modelConfig(m config.ModelConfig) beam.ModelConfig {
	name := m.Model
	if name == "" {
		name = m.ID
	}
	return beam.ModelConfig{
		Provider:   keypool.Provider(m.Provider),
		ModelName:  name,
		Endpoint:   m.Endpoint,
		KeyID:      m.KeyID,
		Selection:  beam.KeySelection(m.Selection),
		Parameters: m.Parameters,
		Confidence: m.Confidence,
	}
}

// buildCoordinator creates the task graph coordinator, registers the
// configured agents and restores the last snapshot.
func (rt *Runtime) buildCoordinator(ctx context.Context) error {
	cfg := rt.Config
	rt.Coordinator = taskgraph.NewCoordinator(rt.Dispatcher, rt.Broker, rt.Memory,
		[]taskgraph.Option{taskgraph.WithMetrics(rt.Metrics)},
		taskgraph.WithCoordinatorLogger(rt.Logger.With(logging.SourceKey, "taskgraph")),
		taskgraph.WithInstruments(rt.Telemetry.Instruments))

	models := make(map[string]config.ModelConfig, len(cfg.Beam.Models))
	for _, m := range cfg.Beam.Models {
		models[m.ID] = m
	}
	for _, a := range cfg.Agents {
		role, err := taskgraph.ParseRole(a.Role)
		if err != nil {
			return fmt.Errorf("agent %s: %w", a.ID, err)
		}
		if a.Persona != "" {
			p, err := rt.Personas.Get(a.Persona)
			if err != nil {
				return fmt.Errorf("agent %s: %w", a.Persona, err)
			}
			if err := rt.Coordinator.RegisterPersona(p, role, a.Capabilities...); err != nil {
				return fmt.Errorf("agent %s: %w", p.ID, err)
			}
			continue
		}
		agent := taskgraph.Agent{ID: a.ID, Role: role, Capabilities: a.Capabilities}
		if err := rt.Coordinator.RegisterAgent(agent, modelConfig(models[a.Model])); err != nil {
			return fmt.Errorf("agent %s: %w", a.ID, err)
		}
	}

	if rt.Database != nil {
		err := rt.Coordinator.Graph().Load(ctx, rt.Database, GraphID)
		switch {
		case errors.Is(err, database.ErrSnapshotNotFound):
		case err != nil:
			return err
		default:
			rt.Logger.Info("restored task graph", "graph_id", GraphID, "tasks", len(rt.Coordinator.Graph().List()))
		}
	}
	return nil
}

// Close stops every component in reverse dependency order and saves the
// task graph when Postgres is enabled. It is safe to call more than once.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	rt.closeOnce.Do(func() {
		if rt.Temporal != nil {
			rt.Temporal.Stop()
		}
		if rt.Beam != nil {
			rt.Beam.Stop()
		}
		if rt.Coordinator != nil {
			rt.Coordinator.Stop()
			if rt.Database != nil {
				if err := rt.Coordinator.Graph().Save(ctx, rt.Database, GraphID); err != nil {
					errs = append(errs, err)
				}
			}
		}
		if rt.cancel != nil {
			rt.cancel()
		}
		rt.wg.Wait()
		if rt.Memory != nil {
			rt.Memory.Close()
		}
		if rt.Broker != nil {
			if err := rt.Broker.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if rt.Logs != nil {
			rt.Logs.Flush()
		}
		if rt.Store != nil {
			if err := rt.Store.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if rt.Database != nil {
			if err := rt.Database.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if rt.Telemetry != nil {
			if err := rt.Telemetry.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
