// Package docloop wires the graph, ingestion, impact analysis, review loop
// and projection into one application with an explicit lifecycle.
package docloop

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/keboola/docloop/internal/cache"
	"github.com/keboola/docloop/internal/database"
	"github.com/keboola/docloop/internal/eventbus"
	"github.com/keboola/docloop/internal/github"
	"github.com/keboola/docloop/internal/graph"
	"github.com/keboola/docloop/internal/health"
	"github.com/keboola/docloop/internal/impact"
	"github.com/keboola/docloop/internal/ingest"
	"github.com/keboola/docloop/internal/messagebus"
	"github.com/keboola/docloop/internal/metrics"
	"github.com/keboola/docloop/internal/oracle"
	"github.com/keboola/docloop/internal/projector"
	"github.com/keboola/docloop/internal/review"
	"github.com/keboola/docloop/internal/temporal"
	"github.com/keboola/docloop/internal/temporal/activities"
	"github.com/keboola/docloop/internal/watcher"
	"github.com/keboola/docloop/internal/worker"
	"github.com/keboola/docloop/pkg/config"
)

const source = "docloop"

// App is the docloop engine. Create it with New, start background work with
// Initialize and release everything with Shutdown.
type App struct {
	config *config.Config

	store        graph.Store
	cache        *cache.Cache
	ingestor     *ingest.Ingestor
	analyzer     *impact.Analyzer
	orchestrator *review.Orchestrator
	projector    *projector.Projector
	forge        review.Forge
	eventBus     *eventbus.EventBus
	pool         *worker.Pool
	metrics      *metrics.Metrics

	messageBus *messagebus.NatsMessageBus
	bridge     *messagebus.Bridge
	temporal   *temporal.Manager
	watcher    *watcher.Watcher
	watchdog   *health.Watchdog

	ctx    context.Context
	cancel context.CancelFunc

	reviewsMu sync.Mutex
	running   map[string]bool
	reviews   sync.WaitGroup

	shutdownOnce sync.Once
}

// Option customises New
type Option func(*options)

type options struct {
	store     graph.Store
	reviewer  review.Reviewer
	generator review.Generator
	forge     review.Forge
}

// WithStore uses store instead of opening the configured database
func WithStore(store graph.Store) Option {
	return func(o *options) { o.store = store }
}

// WithOracles replaces the HTTP oracle clients
func WithOracles(reviewer review.Reviewer, generator review.Generator) Option {
	return func(o *options) {
		o.reviewer = reviewer
		o.generator = generator
	}
}

// WithForge replaces the configured forge
func WithForge(forge review.Forge) Option {
	return func(o *options) { o.forge = forge }
}

// New builds the application from cfg. Optional infrastructure that cannot
// be reached (NATS) is logged and skipped; a missing database or an
// unreachable Temporal server when the temporal engine is selected is fatal.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		config:  cfg,
		metrics: metrics.NewMetrics(),
		running: make(map[string]bool),
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	ok := false
	defer func() {
		if !ok {
			a.Shutdown()
		}
	}()

	a.store = o.store
	if a.store == nil {
		store, err := database.Open(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to open graph store: %w", err)
		}
		a.store = store
	}

	c, err := cache.FromConfig(a.ctx, cfg.Cache)
	if err != nil {
		log.Printf("Warning: cache backend unavailable, using in-memory cache: %v", err)
		c = cache.New(cache.DefaultConfig())
	}
	a.cache = c

	// ingestor and orchestrator write the same nodes and share one lock set
	locks := graph.NewKeyedMutex()
	ingestOpts := ingest.OptionsFromConfig(cfg.Graph)
	ingestOpts.Locks = locks
	a.ingestor = ingest.New(a.store, ingestOpts)
	a.analyzer = impact.NewAnalyzer(a.store, impact.Options{
		MaxDepth: cfg.Graph.MaxImpactDepth,
		Cache:    a.cache,
	})
	a.projector = projector.New(a.store, projector.OptionsFromConfig(cfg.Snapshot, a.cache))
	a.eventBus = eventbus.New(0)

	a.forge = o.forge
	if a.forge == nil {
		if cfg.GitHub.Enabled {
			a.forge = github.FromConfig(cfg.GitHub, os.Getenv("GITHUB_TOKEN"))
			log.Printf("[GitHub] Using gh for %s (dry-run=%v)", cfg.GitHub.Repo, cfg.GitHub.DryRun)
		} else {
			a.forge = newOfflineForge(a.store)
			log.Printf("[GitHub] Disabled, forge side effects are recorded locally only")
		}
	}

	reviewer, generator := o.reviewer, o.generator
	if reviewer == nil {
		reviewer = newReviewer(cfg.Oracles.Reviewer)
	}
	if generator == nil {
		generator = newGenerator(cfg.Oracles.Generator)
	}

	a.orchestrator = review.New(a.store, reviewer, generator, a.forge, review.Options{
		Policy:   review.PolicyFromConfig(cfg.Review),
		Sink:     review.EventSinkFunc(a.emit),
		Notifier: a,
		Locks:    locks,
	})

	a.pool = worker.FromConfig(a.handleLifecycle, cfg.Ingest)

	if cfg.NATS.Enabled {
		mb, err := messagebus.NewNatsMessageBus(messagebus.ConfigFrom(cfg.NATS))
		if err != nil {
			// degrade to local-only operation
			log.Printf("Warning: failed to initialize NATS message bus: %v", err)
		} else {
			a.messageBus = mb
			hostname, _ := os.Hostname()
			a.bridge = messagebus.NewBridge(mb, a.eventBus, "docloop-"+hostname)
			log.Printf("Initialized NATS message bus at %s", cfg.NATS.URL)
		}
	}

	if cfg.Review.Engine == "temporal" {
		mgr, err := temporal.NewManager(&cfg.Temporal, activities.NewActivities(a, a.store), cfg.Review.MaxIterations)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize temporal: %w", err)
		}
		a.temporal = mgr
	}

	if cfg.Watcher.Enabled {
		w, err := watcher.FromConfig(cfg.Watcher, a.ingestor.Extractor().Roots(), a.handleDocumentChanges)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize watcher: %w", err)
		}
		a.watcher = w
	}

	if cfg.Review.WatchdogInterval > 0 {
		var resume health.ResumeFunc
		if cfg.Review.AutoReview {
			resume = func(ctx context.Context, prID string) error {
				_, err := a.StartReview(ctx, prID)
				return err
			}
		}
		a.watchdog = health.NewWatchdog(a.store, resume, cfg.Review.WatchdogInterval, cfg.Review.StaleAfter)
	}

	ok = true
	return a, nil
}

func newReviewer(cfg config.OracleEndpoint) review.Reviewer {
	if cfg.Endpoint == "" {
		log.Printf("Warning: no reviewer oracle configured, every review will escalate")
		return unavailableReviewer{}
	}
	r, err := oracle.NewReviewer(cfg)
	if err != nil {
		log.Printf("Warning: reviewer oracle unusable: %v", err)
		return unavailableReviewer{}
	}
	return r
}

func newGenerator(cfg config.OracleEndpoint) review.Generator {
	if cfg.Endpoint == "" {
		log.Printf("Warning: no generator oracle configured, iterations will escalate")
		return unavailableGenerator{}
	}
	g, err := oracle.NewGenerator(cfg)
	if err != nil {
		log.Printf("Warning: generator oracle unusable: %v", err)
		return unavailableGenerator{}
	}
	return g
}

type unavailableReviewer struct{}

func (unavailableReviewer) Review(context.Context, review.ReviewRequest) (*review.Scores, error) {
	return nil, fmt.Errorf("%w: no reviewer endpoint configured", review.ErrReviewerUnavailable)
}

type unavailableGenerator struct{}

func (unavailableGenerator) Generate(context.Context, review.GenerateRequest) (*review.Patch, error) {
	return nil, fmt.Errorf("%w: no generator endpoint configured", review.ErrGeneratorUnavailable)
}

// Initialize starts ingestion workers, bus consumers, the review engine, the
// periodic snapshot export and the document watcher, then resumes pull
// requests left pending by a previous run.
func (a *App) Initialize(ctx context.Context) error {
	a.pool.Start()

	if a.messageBus != nil {
		if err := a.bridge.Start(a.ctx, a.messageBus.Conn()); err != nil {
			log.Printf("Warning: failed to start NATS bridge: %v", err)
		}
		if a.config.NATS.ConsumeLifecycle {
			if err := a.messageBus.SubscribeLifecycle(a.consumeLifecycle); err != nil {
				return fmt.Errorf("failed to subscribe to lifecycle events: %w", err)
			}
			log.Printf("[MessageBus] Consuming lifecycle events")
		}
	}

	if a.temporal != nil {
		if err := a.temporal.Start(); err != nil {
			return err
		}
	}

	if a.config.Snapshot.Interval > 0 {
		go a.projector.Run(a.ctx)
	}

	if a.watcher != nil {
		if err := a.watcher.Start(a.ctx); err != nil {
			return fmt.Errorf("failed to start watcher: %w", err)
		}
	}

	if a.watchdog != nil {
		a.reviews.Add(1)
		go func() {
			defer a.reviews.Done()
			a.watchdog.Start(a.ctx)
		}()
	}

	if a.config.Review.AutoReview {
		pending, err := a.orchestrator.Pending(ctx)
		if err != nil {
			return fmt.Errorf("failed to list pending reviews: %w", err)
		}
		for _, prID := range pending {
			if _, err := a.StartReview(ctx, prID); err != nil {
				log.Printf("Warning: failed to resume review of %s: %v", prID, err)
			}
		}
		if len(pending) > 0 {
			log.Printf("[Review] Resumed %d pending reviews", len(pending))
		}
	}

	log.Printf("docloop initialized (store=%s engine=%s)", a.config.Database.Type, a.config.Review.Engine)
	return nil
}

// Shutdown stops background work and closes every resource. It is safe to
// call more than once.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		if a.watcher != nil {
			a.watcher.Stop()
		}
		if a.pool != nil {
			a.pool.Stop()
		}
		a.reviews.Wait()
		if a.temporal != nil {
			a.temporal.Stop()
		}
		if a.bridge != nil {
			a.bridge.Close()
		}
		if a.eventBus != nil {
			a.eventBus.Close()
		}
		if a.messageBus != nil {
			_ = a.messageBus.Close()
		}
		if a.cache != nil {
			_ = a.cache.Close()
		}
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				log.Printf("Warning: failed to close graph store: %v", err)
			}
		}
		log.Println("docloop shut down")
	})
}

// Stats is a point-in-time view of the engine
type Stats struct {
	Graph       *graphStats      `json:"graph"`
	Ingest      worker.PoolStats `json:"ingest"`
	Cache       *cache.Stats     `json:"cache,omitempty"`
	Subscribers int              `json:"subscribers"`
	Reviews     int              `json:"reviews_running"`
	NATS        map[string]any   `json:"nats,omitempty"`
	Engine      string           `json:"engine"`
	GeneratedAt time.Time        `json:"generated_at"`
}

type graphStats struct {
	Nodes               int            `json:"nodes"`
	Edges               int            `json:"edges"`
	NodesByType         map[string]int `json:"nodes_by_type"`
	EdgesByRelationship map[string]int `json:"edges_by_relationship"`
	Generation          uint64         `json:"generation"`
}

// Stats collects graph, queue, cache and bus statistics
func (a *App) Stats(ctx context.Context) (*Stats, error) {
	gs, err := a.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	g := &graphStats{
		Nodes:               gs.TotalNodes,
		Edges:               gs.TotalEdges,
		NodesByType:         make(map[string]int, len(gs.NodeCountByType)),
		EdgesByRelationship: make(map[string]int, len(gs.EdgeCountByRelationship)),
		Generation:          gs.Generation,
	}
	for t, n := range gs.NodeCountByType {
		g.NodesByType[string(t)] = n
	}
	for r, n := range gs.EdgeCountByRelationship {
		g.EdgesByRelationship[string(r)] = n
	}

	a.reviewsMu.Lock()
	running := len(a.running)
	a.reviewsMu.Unlock()

	s := &Stats{
		Graph:       g,
		Ingest:      a.pool.GetPoolStats(),
		Cache:       a.cache.GetStats(ctx),
		Subscribers: a.eventBus.SubscriberCount(),
		Reviews:     running,
		Engine:      a.config.Review.Engine,
		GeneratedAt: time.Now().UTC(),
	}
	if a.messageBus != nil {
		s.NATS = a.messageBus.Stats()
	}
	return s, nil
}

// Config returns the active configuration
func (a *App) Config() *config.Config { return a.config }

// Store returns the graph store
func (a *App) Store() graph.Store { return a.store }

// Ingestor returns the event ingestor
func (a *App) Ingestor() *ingest.Ingestor { return a.ingestor }

// Analyzer returns the impact analyzer
func (a *App) Analyzer() *impact.Analyzer { return a.analyzer }

// Orchestrator returns the review orchestrator
func (a *App) Orchestrator() *review.Orchestrator { return a.orchestrator }

// Projector returns the snapshot projector
func (a *App) Projector() *projector.Projector { return a.projector }

// EventBus returns the in-process event bus
func (a *App) EventBus() *eventbus.EventBus { return a.eventBus }

// Pool returns the ingestion worker pool
func (a *App) Pool() *worker.Pool { return a.pool }

// Health reports whether required dependencies respond
func (a *App) Health(ctx context.Context) map[string]string {
	status := map[string]string{"graph": "ok"}
	if _, err := a.store.Generation(ctx); err != nil {
		status["graph"] = err.Error()
	}
	if a.messageBus != nil {
		status["nats"] = "ok"
		if err := a.messageBus.Health(); err != nil {
			status["nats"] = err.Error()
		}
	}
	return status
}

var errShuttingDown = errors.New("docloop is shutting down")
