package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mattjoyce/hl7gw/internal/api"
	"github.com/mattjoyce/hl7gw/internal/audit"
	"github.com/mattjoyce/hl7gw/internal/auth"
	"github.com/mattjoyce/hl7gw/internal/config"
	"github.com/mattjoyce/hl7gw/internal/dispatch"
	"github.com/mattjoyce/hl7gw/internal/events"
	"github.com/mattjoyce/hl7gw/internal/httpintake"
	"github.com/mattjoyce/hl7gw/internal/journal"
	"github.com/mattjoyce/hl7gw/internal/lock"
	"github.com/mattjoyce/hl7gw/internal/log"
	"github.com/mattjoyce/hl7gw/internal/mllp"
	"github.com/mattjoyce/hl7gw/internal/pipeline"
	"github.com/mattjoyce/hl7gw/internal/plugin"
	"github.com/mattjoyce/hl7gw/internal/stats"
	"github.com/mattjoyce/hl7gw/internal/storage"
)

const pruneInterval = time.Hour

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if *configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		*configPath = discovered
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", *configPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.SetupWriter(os.Stdout, cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("hl7gw starting", "version", version, "config", *configPath)

	pidLockPath := getPIDLockPath(cfg)
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw, err := newGateway(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize gateway", "error", err)
		return 1
	}
	defer gw.close()

	if err := gw.listen(); err != nil {
		logger.Error("failed to open listeners", "error", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("hl7gw running (press Ctrl+C to stop)", "endpoints", len(gw.endpoints))
	if err := gw.run(ctx); err != nil {
		logger.Error("gateway stopped with error", "error", err)
		return 1
	}

	logger.Info("hl7gw stopped")
	return 0
}

// endpointRuntime is one configured endpoint with its dispatcher and, when it
// has a listen address, its MLLP server.
type endpointRuntime struct {
	cfg        config.EndpointConfig
	dispatcher *dispatch.Dispatcher
	mllp       *mllp.Server
	ln         net.Listener
}

// gateway owns every long-lived component of a running process.
type gateway struct {
	cfg    *config.Config
	logger *slog.Logger

	db      *sql.DB
	journal *journal.Journal
	stats   stats.Store
	redis   *redis.Client
	hub     *events.Hub

	endpoints []*endpointRuntime

	intake   *httpintake.Server
	intakeLn net.Listener
	api      *api.Server
	apiLn    net.Listener
}

func newGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *gateway, err error) {
	g := &gateway{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			g.close()
		}
	}()

	g.db, err = storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", cfg.State.Path, err)
	}
	g.journal = journal.New(g.db)
	logger.Info("journal opened", "path", cfg.State.Path)
	g.prune(ctx)

	if err := g.openStats(ctx); err != nil {
		return nil, err
	}

	g.hub = events.NewHub(0)
	recorder := audit.NewRecorder(g.journal, g.hub, g.stats, log.WithComponent("audit"))

	registry, err := g.discoverPipelines()
	if err != nil {
		return nil, err
	}

	var intakeRoutes []httpintake.EndpointConfig
	for _, ep := range cfg.Endpoints {
		epLogger := log.WithEndpoint(ep.Name)

		p, err := pipeline.Resolve(ep.Pipeline, registry, ep.Name, ep.PipelineTimeout, epLogger)
		if err != nil {
			return nil, err
		}

		dcfg := dispatch.Config{
			Endpoint: ep.Name,
			Mode:     dispatch.AutoAck,
			Workers:  ep.Workers,

			StallTimeout: pipeline.StallTimeout(p),
		}
		if !ep.IsAutoAck() {
			dcfg.Mode = dispatch.DelayedAck
			dcfg.Deadline = ep.Timeout
		}
		d, err := dispatch.New(dcfg, p, recorder, log.WithComponent("dispatch"))
		if err != nil {
			return nil, fmt.Errorf("endpoint %q: %w", ep.Name, err)
		}

		maxSize, err := ep.MaxMessageBytes()
		if err != nil {
			return nil, fmt.Errorf("endpoint %q: %w", ep.Name, err)
		}

		rt := &endpointRuntime{cfg: ep, dispatcher: d}
		if ep.Listen != "" {
			rt.mllp = mllp.New(mllp.Config{
				Endpoint:       ep.Name,
				Listen:         ep.Listen,
				MaxMessageSize: int(maxSize),
			}, d, epLogger)
		}
		if ep.HTTPPath != "" {
			intakeRoutes = append(intakeRoutes, httpintake.EndpointConfig{
				Path:            ep.HTTPPath,
				Endpoint:        ep.Name,
				Secret:          ep.Secret,
				SignatureHeader: ep.SignatureHeader,
				MaxBodySize:     maxSize,
				Dispatcher:      d,
			})
		}
		g.endpoints = append(g.endpoints, rt)

		logger.Info("endpoint configured",
			"endpoint", ep.Name,
			"mode", dcfg.Mode.String(),
			"deadline", dcfg.Deadline,
			"workers", ep.Workers,
			"pipeline", ep.Pipeline,
		)
	}

	if len(intakeRoutes) > 0 {
		g.intake, err = httpintake.New(httpintake.Config{
			Listen:    cfg.HTTPIntake.Listen,
			Endpoints: intakeRoutes,
		}, log.WithComponent("http_intake"))
		if err != nil {
			return nil, fmt.Errorf("http intake: %w", err)
		}
	}

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{
				Name:   t.Name,
				Token:  t.Token,
				Scopes: t.Scopes,
			})
		}
		g.api = api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.Auth.APIKey,
			Tokens: tokens,
			RateLimit: api.RateLimitConfig{
				RPS:   cfg.API.RateLimit.RPS,
				Burst: cfg.API.RateLimit.Burst,
			},
		}, g.journal, g.stats, g.hub, g, log.WithComponent("api"))
	}

	return g, nil
}

func (g *gateway) openStats(ctx context.Context) error {
	sc := g.cfg.Stats
	if sc.RedisAddr == "" {
		g.stats = stats.NewMemoryStore()
		return nil
	}

	g.redis = redis.NewClient(&redis.Options{
		Addr:     sc.RedisAddr,
		Password: sc.RedisPassword,
		DB:       sc.RedisDB,
	})
	rs := stats.NewRedisStore(g.redis, stats.WithPrefix(sc.Prefix), stats.WithTTL(sc.TTL))

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rs.Ping(pingCtx); err != nil {
		return fmt.Errorf("stats redis %s: %w", sc.RedisAddr, err)
	}
	g.stats = rs
	g.logger.Info("stats backed by redis", "addr", sc.RedisAddr, "prefix", sc.Prefix)
	return nil
}

// discoverPipelines scans pipelines_dir only when an endpoint names a plugin.
func (g *gateway) discoverPipelines() (*plugin.Registry, error) {
	needed := false
	for _, ep := range g.cfg.Endpoints {
		if !strings.HasPrefix(ep.Pipeline, "builtin:") {
			needed = true
			break
		}
	}
	if !needed {
		return plugin.NewRegistry(), nil
	}

	registry, err := plugin.Discover(g.cfg.PipelinesDir, discoveryLogger("plugin"))
	if err != nil {
		return nil, fmt.Errorf("pipeline discovery in %s: %w", g.cfg.PipelinesDir, err)
	}
	g.logger.Info("pipeline discovery complete", "pipelines_dir", g.cfg.PipelinesDir, "count", len(registry.Names()))
	return registry, nil
}

// listen binds every listener up front so that a port conflict fails startup
// before any traffic is accepted.
func (g *gateway) listen() (err error) {
	var opened []net.Listener
	defer func() {
		if err != nil {
			for _, ln := range opened {
				_ = ln.Close()
			}
		}
	}()

	bind := func(name, addr string) (net.Listener, error) {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("%s listen %s: %w", name, addr, err)
		}
		opened = append(opened, ln)
		return ln, nil
	}

	for _, rt := range g.endpoints {
		if rt.mllp == nil {
			continue
		}
		if rt.ln, err = bind("endpoint "+rt.cfg.Name, rt.cfg.Listen); err != nil {
			return err
		}
	}
	if g.intake != nil {
		if g.intakeLn, err = bind("http intake", g.cfg.HTTPIntake.Listen); err != nil {
			return err
		}
	}
	if g.api != nil {
		if g.apiLn, err = bind("api", g.cfg.API.Listen); err != nil {
			return err
		}
	}
	return nil
}

// run serves until ctx is cancelled or a listener fails, then drains.
//
// Shutdown order: readers stop first so no new messages arrive, then each
// dispatcher gets drain_timeout to answer what is open, then HTTP servers
// finish writing those answers, and finally lingering MLLP connections are
// dropped.
func (g *gateway) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(g.endpoints)+2)
	var readers, servers sync.WaitGroup

	for _, rt := range g.endpoints {
		if rt.mllp == nil {
			continue
		}
		readers.Add(1)
		go func(rt *endpointRuntime) {
			defer readers.Done()
			if err := rt.mllp.Serve(ctx, rt.ln); err != nil {
				errCh <- fmt.Errorf("endpoint %s: %w", rt.cfg.Name, err)
			}
		}(rt)
	}
	if g.intake != nil {
		servers.Add(1)
		go func() {
			defer servers.Done()
			if err := g.intake.Serve(ctx, g.intakeLn); err != nil {
				errCh <- fmt.Errorf("http intake: %w", err)
			}
		}()
		g.logger.Info("HTTP intake enabled", "listen", g.intakeLn.Addr().String())
	}
	if g.api != nil {
		servers.Add(1)
		go func() {
			defer servers.Done()
			if err := g.api.Serve(ctx, g.apiLn); err != nil {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		g.logger.Info("API server enabled", "listen", g.apiLn.Addr().String())
	}
	if g.cfg.State.Retention > 0 {
		go g.pruneLoop(ctx)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		g.logger.Error("component failed", "error", runErr)
	}
	cancel()

	readers.Wait()
	g.drain()
	servers.Wait()

	for _, rt := range g.endpoints {
		if rt.mllp != nil {
			_ = rt.mllp.Close()
		}
	}
	return runErr
}

// drain shuts every dispatcher down in parallel under one drain_timeout.
func (g *gateway) drain() {
	drainCtx, cancel := context.WithTimeout(context.Background(), g.cfg.Service.DrainTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, rt := range g.endpoints {
		wg.Add(1)
		go func(rt *endpointRuntime) {
			defer wg.Done()
			if err := rt.dispatcher.Shutdown(drainCtx); err != nil {
				g.logger.Warn("endpoint did not drain in time", "endpoint", rt.cfg.Name, "error", err)
			}
		}(rt)
	}
	wg.Wait()
}

func (g *gateway) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.prune(ctx)
		}
	}
}

func (g *gateway) prune(ctx context.Context) {
	if g.cfg.State.Retention <= 0 {
		return
	}
	n, err := g.journal.Prune(ctx, g.cfg.State.Retention)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			g.logger.Warn("journal prune failed", "error", err)
		}
		return
	}
	if n > 0 {
		g.logger.Info("journal pruned", "removed", n, "retention", g.cfg.State.Retention)
	}
}

// EndpointStatus reports live endpoint state for the API.
func (g *gateway) EndpointStatus() []api.EndpointStatus {
	out := make([]api.EndpointStatus, 0, len(g.endpoints))
	for _, rt := range g.endpoints {
		dcfg := rt.dispatcher.Config()
		st := api.EndpointStatus{
			Name:     rt.cfg.Name,
			Listen:   rt.cfg.Listen,
			HTTPPath: rt.cfg.HTTPPath,
			Mode:     dcfg.Mode.String(),
			Workers:  dcfg.Workers,
			Pipeline: rt.cfg.Pipeline,
			InFlight: rt.dispatcher.InFlight(),
		}
		if rt.ln != nil {
			st.Listen = rt.ln.Addr().String()
		}
		if dcfg.Mode == dispatch.DelayedAck {
			st.Deadline = dcfg.Deadline.String()
		}
		out = append(out, st)
	}
	return out
}

func (g *gateway) close() {
	if g.redis != nil {
		if err := g.redis.Close(); err != nil {
			g.logger.Warn("failed to close redis client", "error", err)
		}
	}
	if g.db != nil {
		if err := g.db.Close(); err != nil {
			g.logger.Warn("failed to close journal", "error", err)
		}
	}
}
