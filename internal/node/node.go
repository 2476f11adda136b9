// Package node assembles a runnable archive node from its configuration.
//
// New opens the store and builds every component in dependency order. The
// reconciliation engine and the rules engine both feed the work queue, so
// the scheduler is created last and bound to them afterwards.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/archivist/internal/clock"
	"github.com/roach88/archivist/internal/config"
	"github.com/roach88/archivist/internal/filesystem"
	"github.com/roach88/archivist/internal/importer"
	"github.com/roach88/archivist/internal/ingest"
	"github.com/roach88/archivist/internal/maintenance"
	"github.com/roach88/archivist/internal/metrics"
	"github.com/roach88/archivist/internal/processors"
	"github.com/roach88/archivist/internal/queue"
	"github.com/roach88/archivist/internal/reconcile"
	"github.com/roach88/archivist/internal/registry"
	"github.com/roach88/archivist/internal/rules"
	"github.com/roach88/archivist/internal/scp"
	"github.com/roach88/archivist/internal/store"
)

// Node holds the wired components of one archive node.
type Node struct {
	Config      config.Config
	Store       *store.Store
	Registry    *registry.Registry
	Archive     *filesystem.Archive
	Reconciler  *reconcile.Engine
	Rules       *rules.Engine
	Scheduler   *queue.Scheduler
	Ingest      *ingest.Handler
	Maintenance *maintenance.Service
	SCP         *scp.Service
	Server      *scp.Server
	Importer    *importer.Importer
	Metrics     *metrics.Metrics
	Gatherer    *prometheus.Registry

	logger *slog.Logger
}

type options struct {
	clock  clock.Clock
	logger *slog.Logger
	router processors.Router
	nodeID string
}

// Option configures New.
type Option func(*options)

// WithClock sets the clock shared by every component.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithRouter replaces the outbox router used by auto-routing.
func WithRouter(r processors.Router) Option {
	return func(o *options) {
		o.router = r
	}
}

// WithNodeID names the node in worker tokens. Defaults to the host name.
func WithNodeID(id string) Option {
	return func(o *options) {
		o.nodeID = id
	}
}

// schedulerRef lets components built before the scheduler reach it.
type schedulerRef struct {
	s atomic.Pointer[queue.Scheduler]
}

func (r *schedulerRef) Notify() {
	if s := r.s.Load(); s != nil {
		s.Notify()
	}
}

// New opens the store named by cfg and wires the node. The rule set is
// loaded before New returns; a rule source that fails to compile is an
// error.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Node, error) {
	o := options{clock: clock.System{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.nodeID == "" {
		o.nodeID, _ = os.Hostname()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	n := &Node{Config: cfg, Store: st, logger: o.logger}

	n.Gatherer = prometheus.NewRegistry()
	n.Gatherer.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	n.Metrics = metrics.New(n.Gatherer)

	n.Registry = registry.New(st, cfg, registry.WithClock(o.clock), registry.WithLogger(o.logger))
	n.Archive = filesystem.NewArchive(filesystem.NewLayout(cfg))

	ref := &schedulerRef{}
	n.Reconciler = reconcile.New(st, n.Archive,
		reconcile.WithClock(o.clock),
		reconcile.WithLogger(o.logger),
		reconcile.WithNotifier(ref))

	procs := processors.All(processors.Deps{
		Config:     cfg,
		Store:      st,
		Registry:   n.Registry,
		Archive:    n.Archive,
		Reconciler: n.Reconciler,
		Router:     o.router,
		Metrics:    n.Metrics,
		Logger:     o.logger,
	})
	n.Scheduler = queue.New(st, n.Registry, cfg.Queue, procs,
		queue.WithClock(o.clock),
		queue.WithLogger(o.logger),
		queue.WithMetrics(n.Metrics),
		queue.WithNodeID(o.nodeID))
	ref.s.Store(n.Scheduler)

	var src rules.Source
	if cfg.RulesDir != "" {
		src = rules.DirSource{Dir: cfg.RulesDir}
	}
	n.Rules = rules.New(src, n.Scheduler, rules.WithClock(o.clock), rules.WithLogger(o.logger))
	if err := n.Rules.Reload(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	n.Ingest = ingest.New(cfg, n.Registry, n.Archive, n.Reconciler, n.Scheduler,
		ingest.WithClock(o.clock),
		ingest.WithLogger(o.logger),
		ingest.WithMetrics(n.Metrics),
		ingest.WithRules(n.Rules))

	n.Maintenance = maintenance.New(cfg, n.Registry, n.Archive.Layout(), n.Scheduler,
		maintenance.WithLogger(o.logger))

	n.SCP = scp.NewService(n.Ingest, cfg.TransferSyntaxes, scp.WithLogger(o.logger))
	n.Server = scp.NewServer(n.SCP, n.Gatherer, n.Healthy)

	if cfg.ImportDir != "" {
		n.Importer = importer.New(cfg.ImportDir, n.Ingest, importer.WithLogger(o.logger))
	}
	return n, nil
}

// Healthy reports whether the store answers.
func (n *Node) Healthy(ctx context.Context) error {
	return n.Store.DB().PingContext(ctx)
}

// Run starts the scheduler, the retention sweep, the HTTP endpoint, the
// import folder watcher and the rules watcher. It returns when ctx is
// cancelled or any of them fails.
func (n *Node) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.Scheduler.Run(gctx) })
	g.Go(func() error { return n.Maintenance.RunRetention(gctx) })
	if addr := n.Config.HTTP.Listen; addr != "" {
		g.Go(func() error { return n.Server.ListenAndServe(gctx, addr) })
	}
	if n.Importer != nil {
		g.Go(func() error { return n.Importer.Run(gctx) })
	}
	if n.Config.RulesDir != "" {
		g.Go(func() error { return n.watchRules(gctx) })
	}
	n.logger.Info("node running",
		"filesystems", len(n.Config.Filesystems),
		"rules", n.Rules.Count(),
		"listen", n.Config.HTTP.Listen)
	return g.Wait()
}

// Close releases the store.
func (n *Node) Close() error {
	return n.Store.Close()
}

// watchRules reloads the rule set whenever a rule source changes. A
// reload that fails keeps the previous rules.
func (n *Node) watchRules(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch rules: %w", err)
	}
	defer w.Close()
	if err := w.Add(n.Config.RulesDir); err != nil {
		return fmt.Errorf("watch rules: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !strings.EqualFold(filepath.Ext(ev.Name), ".cue") || ev.Op == fsnotify.Chmod {
				continue
			}
			if err := n.Rules.Reload(ctx); err != nil {
				n.logger.Warn("rules reload failed", "file", ev.Name, "error", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			n.logger.Warn("rules watcher error", "error", err)
		}
	}
}
